package memory

import (
	"context"
	"errors"
	"slices"
	"sort"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

// CreateConfig stores a config and its first version.
func (s *Store) CreateConfig(_ context.Context, cfg coordinator.ScraperConfig, first coordinator.ConfigVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.configs[cfg.ID]; ok {
		return errors.New("config already exists")
	}
	for _, existing := range s.configs {
		if existing.Slug == cfg.Slug {
			return store.ErrStateConflict
		}
	}
	cfg.CurrentVersionID = first.ID
	s.configs[cfg.ID] = cfg
	s.versions[first.ID] = copyVersion(first)
	return nil
}

// GetConfig loads a config.
func (s *Store) GetConfig(_ context.Context, configID string) (coordinator.ScraperConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[configID]
	if !ok {
		return coordinator.ScraperConfig{}, store.ErrNotFound
	}
	return cfg, nil
}

// GetVersion loads a version.
func (s *Store) GetVersion(_ context.Context, versionID string) (coordinator.ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[versionID]
	if !ok {
		return coordinator.ConfigVersion{}, store.ErrNotFound
	}
	return copyVersion(v), nil
}

// ListVersions returns a config's versions newest first.
func (s *Store) ListVersions(_ context.Context, configID string) ([]coordinator.ConfigVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordinator.ConfigVersion
	for _, v := range s.versions {
		if v.ConfigID == configID {
			out = append(out, copyVersion(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].VersionNumber > out[j].VersionNumber
	})
	return out, nil
}

// LatestPublishedNumber returns the highest version number that was ever published.
func (s *Store) LatestPublishedNumber(_ context.Context, configID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latestPublishedLocked(configID), nil
}

func (s *Store) latestPublishedLocked(configID string) int {
	latest := 0
	for _, v := range s.versions {
		if v.ConfigID == configID && v.PublishedAt != nil && v.VersionNumber > latest {
			latest = v.VersionNumber
		}
	}
	return latest
}

// InsertDraft stores a draft and makes it current.
func (s *Store) InsertDraft(_ context.Context, version coordinator.ConfigVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[version.ConfigID]
	if !ok {
		return store.ErrNotFound
	}
	s.versions[version.ID] = copyVersion(version)
	cfg.CurrentVersionID = version.ID
	s.configs[cfg.ID] = cfg
	return nil
}

// SaveValidation records a validation pass on a non-published version.
func (s *Store) SaveValidation(
	_ context.Context,
	versionID string,
	status coordinator.VersionStatus,
	result coordinator.ValidationResult,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return store.ErrNotFound
	}
	if v.Status == coordinator.VersionPublished || v.Status == coordinator.VersionArchived {
		return store.ErrStateConflict
	}
	v.Status = status
	v.ValidationResult = ptr(result)
	s.versions[versionID] = v
	return nil
}

// Publish performs the insert, repoint, and archive steps under one lock.
func (s *Store) Publish(_ context.Context, p store.PublishParams) (store.PublishResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[p.ConfigID]
	if !ok {
		return store.PublishResult{}, store.ErrNotFound
	}
	src, ok := s.versions[p.SourceVersionID]
	if !ok || src.ConfigID != p.ConfigID {
		return store.PublishResult{}, store.ErrNotFound
	}
	if len(p.AllowedSourceStatuses) > 0 && !slices.Contains(p.AllowedSourceStatuses, src.Status) {
		return store.PublishResult{}, store.ErrStateConflict
	}

	number := s.latestPublishedLocked(p.ConfigID) + 1
	summary := p.ChangeSummary
	if summary == "" {
		summary = coordinator.DefaultChangeSummary(number)
	}
	published := coordinator.ConfigVersion{
		ID:               p.NewVersionID,
		ConfigID:         p.ConfigID,
		VersionNumber:    number,
		Status:           coordinator.VersionPublished,
		Config:           append([]byte(nil), src.Config...),
		ValidationResult: src.ValidationResult,
		PublishedAt:      ptr(p.At),
		PublishedBy:      p.Actor,
		ChangeSummary:    summary,
		CreatedAt:        p.At,
		CreatedBy:        p.Actor,
	}

	result := store.PublishResult{}
	for id, v := range s.versions {
		if v.ConfigID == p.ConfigID && v.Status == coordinator.VersionPublished {
			result.PreviousVersionNumber = v.VersionNumber
			v.Status = coordinator.VersionArchived
			s.versions[id] = v
			result.PreviousArchived = true
		}
	}
	s.versions[published.ID] = published
	cfg.CurrentVersionID = published.ID
	s.configs[cfg.ID] = cfg
	result.Version = copyVersion(published)
	return result, nil
}

// ListPublished returns the published version of each matching config.
func (s *Store) ListPublished(_ context.Context, slugs []string) ([]coordinator.PublishedConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []coordinator.PublishedConfig
	for _, v := range s.versions {
		if v.Status != coordinator.VersionPublished {
			continue
		}
		cfg := s.configs[v.ConfigID]
		if len(slugs) > 0 && !slices.Contains(slugs, cfg.Slug) {
			continue
		}
		out = append(out, coordinator.PublishedConfig{Config: cfg, Version: copyVersion(v)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Slug < out[j].Config.Slug })
	return out, nil
}

// PublishedCount reports how many versions of a config are published.
func (s *Store) PublishedCount(configID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, v := range s.versions {
		if v.ConfigID == configID && v.Status == coordinator.VersionPublished {
			n++
		}
	}
	return n
}

func copyVersion(v coordinator.ConfigVersion) coordinator.ConfigVersion {
	v.Config = append([]byte(nil), v.Config...)
	if v.ValidationResult != nil {
		vr := *v.ValidationResult
		vr.Errors = slices.Clone(vr.Errors)
		vr.Warnings = slices.Clone(vr.Warnings)
		v.ValidationResult = &vr
	}
	return v
}
