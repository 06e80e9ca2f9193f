package configs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scraper-coordinator/internal/clock/manual"
	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	pubmemory "github.com/JakeFAU/scraper-coordinator/internal/publisher/memory"
	"github.com/JakeFAU/scraper-coordinator/internal/storage/memory"
)

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("id-%d", s.n.Add(1)), nil
}

type fixture struct {
	svc   *Service
	store *memory.Store
	pub   *pubmemory.Publisher
	clock *manual.Clock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := memory.NewStore()
	pub := pubmemory.New()
	clk := manual.New(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return fixture{
		svc:   NewService(st, &seqIDs{}, clk, nil, pub, nil),
		store: st,
		pub:   pub,
		clock: clk,
	}
}

func (f fixture) createValidated(t *testing.T, slug string) ConfigView {
	t.Helper()
	ctx := context.Background()
	view, err := f.svc.CreateConfig(ctx, CreateRequest{Slug: slug, Config: json.RawMessage(validPayload)}, "alice")
	require.NoError(t, err)
	v, err := f.svc.Validate(ctx, view.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionValidated, v.Status)
	return view
}

func TestCreateConfigRejectsBadSlugAndDuplicates(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateConfig(ctx, CreateRequest{Slug: "Not Valid"}, "alice")
	require.Equal(t, coordinator.KindValidation, coordinator.KindOf(err))

	view, err := f.svc.CreateConfig(ctx, CreateRequest{Slug: "amazon"}, "alice")
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionDraft, view.CurrentVersion.Status)
	require.Equal(t, coordinator.HealthUnknown, view.Health.HealthStatus)

	_, err = f.svc.CreateConfig(ctx, CreateRequest{Slug: "amazon"}, "alice")
	require.Equal(t, coordinator.KindConflict, coordinator.KindOf(err))
}

func TestValidateRecordsResult(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.CreateConfig(ctx, CreateRequest{
		Slug:   "walmart",
		Config: json.RawMessage(`{"base_url":"http://walmart.example","selectors":[]}`),
	}, "alice")
	require.NoError(t, err)

	v, err := f.svc.Validate(ctx, view.ID, "bob")
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionDraft, v.Status)
	require.NotNil(t, v.ValidationResult)
	require.False(t, v.ValidationResult.Valid)
	require.Equal(t, "bob", v.ValidationResult.ValidatedBy)
	require.Equal(t, f.clock.Now(), v.ValidationResult.ValidatedAt)

	stored, err := f.store.GetVersion(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionDraft, stored.Status)
	require.NotEmpty(t, stored.ValidationResult.Errors)

	_, err = f.svc.Validate(ctx, "missing", "bob")
	require.Equal(t, coordinator.KindNotFound, coordinator.KindOf(err))
}

func TestWarningsDoNotBlockValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.CreateConfig(ctx, CreateRequest{
		Slug:   "target",
		Config: json.RawMessage(`{"base_url":"http://t.example","selectors":[{"name":"p","selector":".p"}],"timeout":120}`),
	}, "alice")
	require.NoError(t, err)

	v, err := f.svc.Validate(ctx, view.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionValidated, v.Status)
	require.True(t, v.ValidationResult.Valid)
	require.Len(t, v.ValidationResult.Warnings, 2)
}

func TestPublishRequiresValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.CreateConfig(ctx, CreateRequest{Slug: "costco", Config: json.RawMessage(validPayload)}, "alice")
	require.NoError(t, err)

	_, err = f.svc.Publish(ctx, view.ID, "alice", "")
	require.Equal(t, coordinator.KindValidation, coordinator.KindOf(err))
	require.Equal(t, "Config must be validated before publishing", coordinator.PublicMessage(err))
	require.Empty(t, f.pub.Messages())
}

func TestPublishSequenceKeepsSinglePublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	view := f.createValidated(t, "kroger")

	first, err := f.svc.Publish(ctx, view.ID, "alice", "")
	require.NoError(t, err)
	require.Equal(t, 1, first.ConfigVersion.VersionNumber)
	require.Equal(t, "Published version 1", first.ConfigVersion.ChangeSummary)
	require.False(t, first.PreviousVersionArchived)

	_, err = f.svc.Validate(ctx, view.ID, "alice")
	require.Equal(t, coordinator.KindConflict, coordinator.KindOf(err), "published versions cannot be re-validated")

	draft, err := f.svc.SaveDraft(ctx, view.ID, []byte(validPayload), FormatJSON, "alice")
	require.NoError(t, err)
	require.Equal(t, 2, draft.VersionNumber)
	_, err = f.svc.Validate(ctx, view.ID, "alice")
	require.NoError(t, err)

	second, err := f.svc.Publish(ctx, view.ID, "bob", "new selectors")
	require.NoError(t, err)
	require.Equal(t, 2, second.ConfigVersion.VersionNumber)
	require.Equal(t, "new selectors", second.ConfigVersion.ChangeSummary)
	require.True(t, second.PreviousVersionArchived)
	require.Equal(t, 1, f.store.PublishedCount(view.ID))

	cfg, err := f.store.GetConfig(ctx, view.ID)
	require.NoError(t, err)
	require.Equal(t, second.ConfigVersion.ID, cfg.CurrentVersionID)

	events := f.pub.ByTopic(coordinator.TopicConfigPublished)
	require.Len(t, events, 2)
	require.Equal(t, 2, events[1].(PublishedEvent).VersionNumber)
}

func TestRollback(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	view := f.createValidated(t, "target")
	v1, err := f.svc.Publish(ctx, view.ID, "alice", "")
	require.NoError(t, err)

	_, err = f.svc.SaveDraft(ctx, view.ID, []byte(validPayload), FormatJSON, "alice")
	require.NoError(t, err)
	_, err = f.svc.Validate(ctx, view.ID, "alice")
	require.NoError(t, err)
	v2, err := f.svc.Publish(ctx, view.ID, "alice", "")
	require.NoError(t, err)

	other := f.createValidated(t, "other")
	otherVersion, err := f.store.GetConfig(ctx, other.ID)
	require.NoError(t, err)

	tests := []struct {
		name     string
		target   string
		reason   string
		wantKind coordinator.Kind
	}{
		{name: "missing reason", target: v1.ConfigVersion.ID, wantKind: coordinator.KindValidation},
		{name: "unknown target", target: "nope", reason: "bad", wantKind: coordinator.KindNotFound},
		{name: "foreign target", target: otherVersion.CurrentVersionID, reason: "bad", wantKind: coordinator.KindNotFound},
		{name: "already published", target: v2.ConfigVersion.ID, reason: "bad", wantKind: coordinator.KindValidation},
	}
	for _, tt := range tests {
		_, err := f.svc.Rollback(ctx, view.ID, tt.target, tt.reason, "bob")
		require.Equal(t, tt.wantKind, coordinator.KindOf(err), tt.name)
	}

	out, err := f.svc.Rollback(ctx, view.ID, v1.ConfigVersion.ID, "selectors broke", "bob")
	require.NoError(t, err)
	require.Equal(t, 3, out.ConfigVersion.VersionNumber)
	require.Equal(t, 2, out.RollbackFromVersion)
	require.True(t, out.PreviousVersionArchived)
	require.Equal(t, "Rollback to v1: selectors broke", out.ConfigVersion.ChangeSummary)
	require.JSONEq(t, string(v1.ConfigVersion.Config), string(out.ConfigVersion.Config))
	require.Equal(t, 1, f.store.PublishedCount(view.ID))

	versions, err := f.svc.ListVersions(ctx, view.ID)
	require.NoError(t, err)
	var published []int
	for _, v := range versions {
		if v.PublishedAt != nil {
			published = append(published, v.VersionNumber)
		}
	}
	require.ElementsMatch(t, []int{1, 2, 3}, published)
}

func TestResolvePublishedOmitsUnpublished(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	live := f.createValidated(t, "live")
	_, err := f.svc.Publish(ctx, live.ID, "alice", "")
	require.NoError(t, err)
	f.createValidated(t, "pending")

	resolved, err := f.svc.ResolvePublished(ctx, nil)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	require.Equal(t, "live", resolved[0].Slug)
	require.Equal(t, "https://shop.example.com", resolved[0].BaseURL)
	require.Equal(t, []string{"SKU-1"}, resolved[0].TestSKUs)

	resolved, err = f.svc.ResolvePublished(ctx, []string{"pending"})
	require.NoError(t, err)
	require.Empty(t, resolved)

	skus, err := f.svc.PublishedTestSKUs(ctx, live.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"SKU-1"}, skus)
}

func TestPublishEventFailureDoesNotFailPublish(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.pub.Err = fmt.Errorf("pubsub down")
	view := f.createValidated(t, "flaky")

	out, err := f.svc.Publish(context.Background(), view.ID, "alice", "")
	require.NoError(t, err)
	require.Equal(t, coordinator.VersionPublished, out.ConfigVersion.Status)
}
