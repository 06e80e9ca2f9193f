package results

import (
	"math"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

// HealthWindow is the number of trailing test runs a health score covers.
const HealthWindow = 10

// Score thresholds.
const (
	healthyAt  = 80
	degradedAt = 50
)

// Score computes the rolling health of runs, which should be the newest
// HealthWindow runs of one scraper in any status. Partial runs count half.
func Score(runs []coordinator.ScraperTestRun) (int, coordinator.HealthStatus) {
	if len(runs) == 0 {
		return 0, coordinator.HealthUnknown
	}
	var passed, partial float64
	for _, r := range runs {
		switch r.Status {
		case coordinator.TestRunPassed:
			passed++
		case coordinator.TestRunPartial:
			partial++
		}
	}
	score := int(math.Round((passed + 0.5*partial) / float64(len(runs)) * 100))
	return score, StatusFor(score)
}

// StatusFor buckets a score.
func StatusFor(score int) coordinator.HealthStatus {
	switch {
	case score >= healthyAt:
		return coordinator.HealthHealthy
	case score >= degradedAt:
		return coordinator.HealthDegraded
	case score > 0:
		return coordinator.HealthBroken
	default:
		return coordinator.HealthUnknown
	}
}

// FinalStatus derives a test run outcome from the runner-reported status and
// its per-SKU results. A success report only counts as passed when every SKU
// came back clean.
func FinalStatus(reported string, results []coordinator.SKUResult) coordinator.TestRunStatus {
	switch reported {
	case "success":
		for _, r := range results {
			if !r.IsClean() {
				return coordinator.TestRunPartial
			}
		}
		return coordinator.TestRunPassed
	case "partial":
		return coordinator.TestRunPartial
	default:
		return coordinator.TestRunFailed
	}
}
