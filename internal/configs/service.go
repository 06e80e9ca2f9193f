// Package configs manages the draft, validate, publish, and rollback lifecycle
// of scraper extraction configs.
package configs

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/logging"
	"github.com/JakeFAU/scraper-coordinator/internal/metrics"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// Repository is the storage the service needs.
type Repository interface {
	store.ConfigRepository
	GetHealth(ctx context.Context, scraperID string) (coordinator.ScraperHealth, error)
}

// CreateRequest creates a scraper config with its first draft.
type CreateRequest struct {
	Slug        string          `json:"slug"`
	DisplayName string          `json:"display_name"`
	Domain      string          `json:"domain"`
	Config      json.RawMessage `json:"config"`
}

// ConfigView is a config with its current version and health.
type ConfigView struct {
	coordinator.ScraperConfig
	CurrentVersion *coordinator.ConfigVersion `json:"current_version,omitempty"`
	Health         coordinator.ScraperHealth  `json:"health"`
}

// PublishOutcome is returned by Publish. The version's fields are inlined
// next to previous_version_archived.
type PublishOutcome struct {
	coordinator.ConfigVersion
	PreviousVersionArchived bool `json:"previous_version_archived"`
}

// RollbackOutcome is returned by Rollback.
type RollbackOutcome struct {
	coordinator.ConfigVersion
	RollbackFromVersion     int  `json:"rollback_from_version"`
	PreviousVersionArchived bool `json:"previous_version_archived"`
}

// PublishedEvent is emitted after every publish or rollback.
type PublishedEvent struct {
	ConfigID            string `json:"config_id"`
	Slug                string `json:"slug"`
	VersionID           string `json:"version_id"`
	VersionNumber       int    `json:"version_number"`
	PublishedBy         string `json:"published_by"`
	ChangeSummary       string `json:"change_summary"`
	RollbackFromVersion int    `json:"rollback_from_version,omitempty"`
}

// Service implements the config version state machine.
type Service struct {
	repo      Repository
	ids       coordinator.IDGenerator
	clock     coordinator.Clock
	schemas   *SchemaRegistry
	publisher coordinator.Publisher
	logger    *zap.Logger
}

// NewService builds a Service. publisher may be nil.
func NewService(
	repo Repository,
	ids coordinator.IDGenerator,
	clock coordinator.Clock,
	schemas *SchemaRegistry,
	publisher coordinator.Publisher,
	logger *zap.Logger,
) *Service {
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	return &Service{
		repo:      repo,
		ids:       ids,
		clock:     clock,
		schemas:   schemas,
		publisher: publisher,
		logger:    logging.OrNop(logger).Named("configs"),
	}
}

// CreateConfig inserts a config and its first draft version.
func (s *Service) CreateConfig(ctx context.Context, req CreateRequest, actor string) (ConfigView, error) {
	if !slugPattern.MatchString(req.Slug) {
		return ConfigView{}, coordinator.Validation("slug must be lowercase alphanumeric with dashes")
	}
	if len(req.Config) == 0 {
		req.Config = json.RawMessage(`{}`)
	}
	payload, err := NormalizePayload(req.Config, FormatJSON)
	if err != nil {
		return ConfigView{}, coordinator.Validation(err.Error())
	}
	configID, err := s.ids.NewID()
	if err != nil {
		return ConfigView{}, coordinator.Internal("failed to create scraper config", err)
	}
	versionID, err := s.ids.NewID()
	if err != nil {
		return ConfigView{}, coordinator.Internal("failed to create scraper config", err)
	}
	now := s.clock.Now()
	cfg := coordinator.ScraperConfig{
		ID:               configID,
		Slug:             req.Slug,
		DisplayName:      req.DisplayName,
		Domain:           req.Domain,
		CurrentVersionID: versionID,
		CreatedAt:        now,
	}
	first := coordinator.ConfigVersion{
		ID:            versionID,
		ConfigID:      configID,
		VersionNumber: 1,
		Status:        coordinator.VersionDraft,
		Config:        payload,
		CreatedAt:     now,
		CreatedBy:     actor,
	}
	if err := s.repo.CreateConfig(ctx, cfg, first); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return ConfigView{}, coordinator.Conflict("A scraper with this slug already exists")
		}
		return ConfigView{}, coordinator.Internal("failed to create scraper config", err)
	}
	metrics.ObserveConfigTransition("create")
	s.logger.Info("scraper config created", zap.String("config_id", configID), zap.String("slug", req.Slug))
	return ConfigView{
		ScraperConfig:  cfg,
		CurrentVersion: &first,
		Health:         coordinator.ScraperHealth{ScraperID: configID, HealthStatus: coordinator.HealthUnknown},
	}, nil
}

// Get returns a config with its current version and health.
func (s *Service) Get(ctx context.Context, configID string) (ConfigView, error) {
	cfg, current, err := s.loadCurrent(ctx, configID)
	if err != nil {
		return ConfigView{}, err
	}
	health, err := s.repo.GetHealth(ctx, configID)
	if err != nil {
		return ConfigView{}, coordinator.Internal("failed to load scraper health", err)
	}
	return ConfigView{ScraperConfig: cfg, CurrentVersion: &current, Health: health}, nil
}

// ListVersions returns every version of a config, newest first.
func (s *Service) ListVersions(ctx context.Context, configID string) ([]coordinator.ConfigVersion, error) {
	if _, err := s.getConfig(ctx, configID); err != nil {
		return nil, err
	}
	versions, err := s.repo.ListVersions(ctx, configID)
	if err != nil {
		return nil, coordinator.Internal("failed to list config versions", err)
	}
	return versions, nil
}

// SaveDraft stores body as a new draft and makes it current. Published
// payloads are never edited in place.
func (s *Service) SaveDraft(ctx context.Context, configID string, body []byte, format, actor string) (coordinator.ConfigVersion, error) {
	if _, err := s.getConfig(ctx, configID); err != nil {
		return coordinator.ConfigVersion{}, err
	}
	payload, err := NormalizePayload(body, format)
	if err != nil {
		return coordinator.ConfigVersion{}, coordinator.Validation(err.Error())
	}
	latest, err := s.repo.LatestPublishedNumber(ctx, configID)
	if err != nil {
		return coordinator.ConfigVersion{}, coordinator.Internal("failed to save draft", err)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return coordinator.ConfigVersion{}, coordinator.Internal("failed to save draft", err)
	}
	draft := coordinator.ConfigVersion{
		ID:            id,
		ConfigID:      configID,
		VersionNumber: latest + 1,
		Status:        coordinator.VersionDraft,
		Config:        payload,
		CreatedAt:     s.clock.Now(),
		CreatedBy:     actor,
	}
	if err := s.repo.InsertDraft(ctx, draft); err != nil {
		return coordinator.ConfigVersion{}, coordinator.Internal("failed to save draft", err)
	}
	metrics.ObserveConfigTransition("draft")
	return draft, nil
}

// Validate checks the current version and records the result on it.
func (s *Service) Validate(ctx context.Context, configID, actor string) (coordinator.ConfigVersion, error) {
	_, current, err := s.loadCurrent(ctx, configID)
	if err != nil {
		return coordinator.ConfigVersion{}, err
	}
	if current.Status == coordinator.VersionPublished || current.Status == coordinator.VersionArchived {
		return coordinator.ConfigVersion{}, coordinator.Conflict("Cannot validate a published version; create a new draft first")
	}

	_, errs, warnings := s.schemas.Check(current.Config)
	result := coordinator.ValidationResult{
		Valid:       len(errs) == 0,
		Errors:      nonNil(errs),
		Warnings:    nonNil(warnings),
		ValidatedAt: s.clock.Now(),
		ValidatedBy: actor,
	}
	status := coordinator.VersionDraft
	if result.Valid {
		status = coordinator.VersionValidated
	}
	if err := s.repo.SaveValidation(ctx, current.ID, status, result); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return coordinator.ConfigVersion{}, coordinator.Conflict("Version changed during validation")
		}
		return coordinator.ConfigVersion{}, coordinator.Internal("failed to save validation result", err)
	}
	metrics.ObserveConfigTransition("validate")
	current.Status = status
	current.ValidationResult = &result
	return current, nil
}

// Publish promotes the validated current version to a new published version.
func (s *Service) Publish(ctx context.Context, configID, actor, changeSummary string) (PublishOutcome, error) {
	cfg, current, err := s.loadCurrent(ctx, configID)
	if err != nil {
		return PublishOutcome{}, err
	}
	if current.Status != coordinator.VersionValidated {
		return PublishOutcome{}, coordinator.Validation("Config must be validated before publishing")
	}
	res, err := s.publish(ctx, store.PublishParams{
		ConfigID:              configID,
		SourceVersionID:       current.ID,
		Actor:                 actor,
		ChangeSummary:         changeSummary,
		AllowedSourceStatuses: []coordinator.VersionStatus{coordinator.VersionValidated},
	})
	if err != nil {
		return PublishOutcome{}, err
	}
	metrics.ObserveConfigTransition("publish")
	s.emit(ctx, cfg, res.Version, 0)
	return PublishOutcome{ConfigVersion: res.Version, PreviousVersionArchived: res.PreviousArchived}, nil
}

// Rollback republishes the payload of a retired version.
func (s *Service) Rollback(ctx context.Context, configID, targetVersionID, reason, actor string) (RollbackOutcome, error) {
	if reason == "" {
		return RollbackOutcome{}, coordinator.Validation("Rollback reason is required")
	}
	cfg, err := s.getConfig(ctx, configID)
	if err != nil {
		return RollbackOutcome{}, err
	}
	target, err := s.repo.GetVersion(ctx, targetVersionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && target.ConfigID != configID) {
		return RollbackOutcome{}, coordinator.NotFound("Target version not found")
	}
	if err != nil {
		return RollbackOutcome{}, coordinator.Internal("failed to load target version", err)
	}
	if target.Status == coordinator.VersionPublished {
		return RollbackOutcome{}, coordinator.Validation("Target version is already published")
	}
	if target.ValidationResult == nil || !target.ValidationResult.Valid {
		return RollbackOutcome{}, coordinator.Validation("Target version has not passed validation")
	}
	res, err := s.publish(ctx, store.PublishParams{
		ConfigID:        configID,
		SourceVersionID: target.ID,
		Actor:           actor,
		ChangeSummary:   coordinator.RollbackChangeSummary(target.VersionNumber, reason),
		AllowedSourceStatuses: []coordinator.VersionStatus{
			coordinator.VersionArchived,
			coordinator.VersionValidated,
		},
	})
	if err != nil {
		return RollbackOutcome{}, err
	}
	metrics.ObserveConfigTransition("rollback")
	s.logger.Info("scraper config rolled back",
		zap.String("config_id", configID),
		zap.Int("target_version", target.VersionNumber),
		zap.Int("new_version", res.Version.VersionNumber),
		zap.String("actor", actor),
	)
	s.emit(ctx, cfg, res.Version, res.PreviousVersionNumber)
	return RollbackOutcome{
		ConfigVersion:           res.Version,
		RollbackFromVersion:     res.PreviousVersionNumber,
		PreviousVersionArchived: res.PreviousArchived,
	}, nil
}

func (s *Service) publish(ctx context.Context, p store.PublishParams) (store.PublishResult, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return store.PublishResult{}, coordinator.Internal("failed to publish config", err)
	}
	p.NewVersionID = id
	p.At = s.clock.Now()
	res, err := s.repo.Publish(ctx, p)
	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, store.ErrStateConflict):
		return store.PublishResult{}, coordinator.Conflict("Config changed during publish; reload and retry")
	case errors.Is(err, store.ErrNotFound):
		return store.PublishResult{}, coordinator.NotFound("Scraper config not found")
	default:
		return store.PublishResult{}, coordinator.Internal("failed to publish config", err)
	}
}

func (s *Service) emit(ctx context.Context, cfg coordinator.ScraperConfig, v coordinator.ConfigVersion, rollbackFrom int) {
	s.logger.Info("scraper config published",
		zap.String("config_id", cfg.ID),
		zap.String("slug", cfg.Slug),
		zap.Int("version", v.VersionNumber),
	)
	if s.publisher == nil {
		return
	}
	_, err := s.publisher.Publish(ctx, coordinator.TopicConfigPublished, PublishedEvent{
		ConfigID:            cfg.ID,
		Slug:                cfg.Slug,
		VersionID:           v.ID,
		VersionNumber:       v.VersionNumber,
		PublishedBy:         v.PublishedBy,
		ChangeSummary:       v.ChangeSummary,
		RollbackFromVersion: rollbackFrom,
	})
	if err != nil {
		s.logger.Warn("publish config event failed", zap.String("config_id", cfg.ID), zap.Error(err))
	}
}

func (s *Service) getConfig(ctx context.Context, configID string) (coordinator.ScraperConfig, error) {
	cfg, err := s.repo.GetConfig(ctx, configID)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.ScraperConfig{}, coordinator.NotFound("Scraper config not found")
	}
	if err != nil {
		return coordinator.ScraperConfig{}, coordinator.Internal("failed to load scraper config", err)
	}
	return cfg, nil
}

func (s *Service) loadCurrent(ctx context.Context, configID string) (coordinator.ScraperConfig, coordinator.ConfigVersion, error) {
	cfg, err := s.getConfig(ctx, configID)
	if err != nil {
		return coordinator.ScraperConfig{}, coordinator.ConfigVersion{}, err
	}
	if cfg.CurrentVersionID == "" {
		return coordinator.ScraperConfig{}, coordinator.ConfigVersion{}, coordinator.NotFound("Config has no current version")
	}
	current, err := s.repo.GetVersion(ctx, cfg.CurrentVersionID)
	if errors.Is(err, store.ErrNotFound) {
		return coordinator.ScraperConfig{}, coordinator.ConfigVersion{}, coordinator.NotFound("Config has no current version")
	}
	if err != nil {
		return coordinator.ScraperConfig{}, coordinator.ConfigVersion{}, coordinator.Internal("failed to load config version", err)
	}
	return cfg, current, nil
}

func nonNil(issues []coordinator.Issue) []coordinator.Issue {
	if issues == nil {
		return []coordinator.Issue{}
	}
	return issues
}
