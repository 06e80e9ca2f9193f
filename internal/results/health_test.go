package results

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

func runsWith(counts map[coordinator.TestRunStatus]int) []coordinator.ScraperTestRun {
	var out []coordinator.ScraperTestRun
	for status, n := range counts {
		for i := 0; i < n; i++ {
			out = append(out, coordinator.ScraperTestRun{Status: status})
		}
	}
	return out
}

func TestScore(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		runs       map[coordinator.TestRunStatus]int
		wantScore  int
		wantStatus coordinator.HealthStatus
	}{
		{name: "no runs", wantScore: 0, wantStatus: coordinator.HealthUnknown},
		{
			name: "mixed window is degraded",
			runs: map[coordinator.TestRunStatus]int{
				coordinator.TestRunPassed:  6,
				coordinator.TestRunPartial: 2,
				coordinator.TestRunFailed:  2,
			},
			wantScore:  70,
			wantStatus: coordinator.HealthDegraded,
		},
		{
			name:       "all passed",
			runs:       map[coordinator.TestRunStatus]int{coordinator.TestRunPassed: 10},
			wantScore:  100,
			wantStatus: coordinator.HealthHealthy,
		},
		{
			name: "rounds to nearest",
			runs: map[coordinator.TestRunStatus]int{
				coordinator.TestRunPassed:  2,
				coordinator.TestRunPartial: 1,
			},
			wantScore:  83,
			wantStatus: coordinator.HealthHealthy,
		},
		{
			name: "pending runs count against the score",
			runs: map[coordinator.TestRunStatus]int{
				coordinator.TestRunPassed:  1,
				coordinator.TestRunPending: 3,
			},
			wantScore:  25,
			wantStatus: coordinator.HealthBroken,
		},
		{
			name:       "all failed",
			runs:       map[coordinator.TestRunStatus]int{coordinator.TestRunFailed: 4},
			wantScore:  0,
			wantStatus: coordinator.HealthUnknown,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			score, status := Score(runsWith(tt.runs))
			require.Equal(t, tt.wantScore, score)
			require.Equal(t, tt.wantStatus, status)
		})
	}
}

func TestStatusForBoundaries(t *testing.T) {
	t.Parallel()

	require.Equal(t, coordinator.HealthHealthy, StatusFor(80))
	require.Equal(t, coordinator.HealthDegraded, StatusFor(79))
	require.Equal(t, coordinator.HealthDegraded, StatusFor(50))
	require.Equal(t, coordinator.HealthBroken, StatusFor(49))
	require.Equal(t, coordinator.HealthBroken, StatusFor(1))
	require.Equal(t, coordinator.HealthUnknown, StatusFor(0))
}

func TestFinalStatus(t *testing.T) {
	t.Parallel()

	clean := []coordinator.SKUResult{
		{SKU: "a", Status: coordinator.SKUSuccess},
		{SKU: "b", Status: coordinator.SKUNoResults},
	}
	dirty := append([]coordinator.SKUResult{{SKU: "c", Status: coordinator.SKUTimeout}}, clean...)

	tests := []struct {
		name     string
		reported string
		results  []coordinator.SKUResult
		want     coordinator.TestRunStatus
	}{
		{name: "clean success", reported: "success", results: clean, want: coordinator.TestRunPassed},
		{name: "success without results", reported: "success", want: coordinator.TestRunPassed},
		{name: "success with errors", reported: "success", results: dirty, want: coordinator.TestRunPartial},
		{name: "partial", reported: "partial", results: clean, want: coordinator.TestRunPartial},
		{name: "failure", reported: "failed", results: clean, want: coordinator.TestRunFailed},
		{name: "unknown", reported: "", want: coordinator.TestRunFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, FinalStatus(tt.reported, tt.results))
		})
	}
}
