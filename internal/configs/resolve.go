package configs

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
)

// RunnerConfig is the flat published config shape runners consume.
type RunnerConfig struct {
	Slug              string            `json:"slug"`
	DisplayName       string            `json:"display_name"`
	Domain            string            `json:"domain"`
	VersionID         string            `json:"version_id"`
	VersionNumber     int               `json:"version_number"`
	SchemaVersion     string            `json:"schema_version"`
	BaseURL           string            `json:"base_url"`
	SearchURLTemplate string            `json:"search_url_template,omitempty"`
	Selectors         []Selector        `json:"selectors"`
	Workflows         []WorkflowStep    `json:"workflows,omitempty"`
	Timeout           int               `json:"timeout"`
	Retries           int               `json:"retries"`
	TestSKUs          []string          `json:"test_skus,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
}

// ResolvePublished returns the published config of each slug, or of every
// scraper when slugs is empty. Scrapers without a published version are omitted.
func (s *Service) ResolvePublished(ctx context.Context, slugs []string) ([]RunnerConfig, error) {
	published, err := s.repo.ListPublished(ctx, slugs)
	if err != nil {
		return nil, coordinator.Internal("failed to load published configs", err)
	}
	out := make([]RunnerConfig, 0, len(published))
	for _, pc := range published {
		cfg, errs, _ := s.schemas.Check(pc.Version.Config)
		if len(errs) > 0 {
			s.logger.Warn("published config no longer decodes",
				zap.String("slug", pc.Config.Slug),
				zap.Int("version", pc.Version.VersionNumber),
				zap.Any("errors", errs),
			)
			continue
		}
		out = append(out, RunnerConfig{
			Slug:              pc.Config.Slug,
			DisplayName:       pc.Config.DisplayName,
			Domain:            pc.Config.Domain,
			VersionID:         pc.Version.ID,
			VersionNumber:     pc.Version.VersionNumber,
			SchemaVersion:     cfg.SchemaVersion,
			BaseURL:           cfg.BaseURL,
			SearchURLTemplate: cfg.SearchURLTemplate,
			Selectors:         cfg.Selectors,
			Workflows:         cfg.Workflows,
			Timeout:           cfg.Timeout,
			Retries:           cfg.Retries,
			TestSKUs:          cfg.TestSKUs,
			Headers:           cfg.Headers,
		})
	}
	return out, nil
}

// PublishedTestSKUs returns the test SKUs of a scraper's published config.
func (s *Service) PublishedTestSKUs(ctx context.Context, configID string) ([]string, error) {
	cfg, err := s.getConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	resolved, err := s.ResolvePublished(ctx, []string{cfg.Slug})
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, nil
	}
	return resolved[0].TestSKUs, nil
}
