package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/JakeFAU/scraper-coordinator/internal/coordinator"
	"github.com/JakeFAU/scraper-coordinator/internal/store"
)

const versionColumns = `id, config_id, version_number, status, config, validation_result,
	published_at, published_by, change_summary, created_at, created_by`

const configColumns = `id, slug, display_name, domain, COALESCE(current_version_id, ''), created_at`

const insertVersionQuery = `
	INSERT INTO scraper_config_versions (` + versionColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func scanVersion(row rowScanner) (coordinator.ConfigVersion, error) {
	var (
		v          coordinator.ConfigVersion
		status     string
		payload    []byte
		validation []byte
	)
	err := row.Scan(
		&v.ID,
		&v.ConfigID,
		&v.VersionNumber,
		&status,
		&payload,
		&validation,
		&v.PublishedAt,
		&v.PublishedBy,
		&v.ChangeSummary,
		&v.CreatedAt,
		&v.CreatedBy,
	)
	if err != nil {
		return coordinator.ConfigVersion{}, err
	}
	v.Status = coordinator.VersionStatus(status)
	v.Config = payload
	if len(validation) > 0 {
		var vr coordinator.ValidationResult
		if err := json.Unmarshal(validation, &vr); err != nil {
			return coordinator.ConfigVersion{}, fmt.Errorf("decode validation result: %w", err)
		}
		v.ValidationResult = &vr
	}
	return v, nil
}

func scanConfig(row rowScanner) (coordinator.ScraperConfig, error) {
	var cfg coordinator.ScraperConfig
	err := row.Scan(&cfg.ID, &cfg.Slug, &cfg.DisplayName, &cfg.Domain, &cfg.CurrentVersionID, &cfg.CreatedAt)
	return cfg, err
}

func marshalValidation(vr *coordinator.ValidationResult) ([]byte, error) {
	if vr == nil {
		return nil, nil
	}
	data, err := json.Marshal(vr)
	if err != nil {
		return nil, fmt.Errorf("marshal validation result: %w", err)
	}
	return data, nil
}

func insertVersion(ctx context.Context, db execer, v coordinator.ConfigVersion) error {
	validation, err := marshalValidation(v.ValidationResult)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, insertVersionQuery,
		v.ID,
		v.ConfigID,
		v.VersionNumber,
		string(v.Status),
		[]byte(v.Config),
		validation,
		v.PublishedAt,
		v.PublishedBy,
		v.ChangeSummary,
		v.CreatedAt,
		v.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("insert config version: %w", err)
	}
	return nil
}

// CreateConfig inserts a config and its first version in one transaction.
func (s *Store) CreateConfig(ctx context.Context, cfg coordinator.ScraperConfig, first coordinator.ConfigVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create config: %w", err)
	}
	defer rollback(ctx, tx)

	_, err = tx.Exec(ctx, `
		INSERT INTO scraper_configs (id, slug, display_name, domain, current_version_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slug) DO NOTHING;`,
		cfg.ID, cfg.Slug, cfg.DisplayName, cfg.Domain, first.ID, cfg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert config: %w", err)
	}
	var owner string
	if err := tx.QueryRow(ctx, `SELECT id FROM scraper_configs WHERE slug = $1;`, cfg.Slug).Scan(&owner); err != nil {
		return fmt.Errorf("check config slug: %w", err)
	}
	if owner != cfg.ID {
		return store.ErrStateConflict
	}
	if err := insertVersion(ctx, tx, first); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create config: %w", err)
	}
	return nil
}

// GetConfig loads a config.
func (s *Store) GetConfig(ctx context.Context, configID string) (coordinator.ScraperConfig, error) {
	cfg, err := scanConfig(s.pool.QueryRow(ctx, `SELECT `+configColumns+` FROM scraper_configs WHERE id = $1;`, configID))
	if err != nil {
		return coordinator.ScraperConfig{}, fmt.Errorf("get config: %w", notFound(err))
	}
	return cfg, nil
}

// GetVersion loads a config version.
func (s *Store) GetVersion(ctx context.Context, versionID string) (coordinator.ConfigVersion, error) {
	v, err := scanVersion(s.pool.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM scraper_config_versions WHERE id = $1;`, versionID))
	if err != nil {
		return coordinator.ConfigVersion{}, fmt.Errorf("get config version: %w", notFound(err))
	}
	return v, nil
}

// ListVersions returns versions newest first.
func (s *Store) ListVersions(ctx context.Context, configID string) ([]coordinator.ConfigVersion, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+versionColumns+` FROM scraper_config_versions
		WHERE config_id = $1 ORDER BY created_at DESC, version_number DESC;`, configID)
	if err != nil {
		return nil, fmt.Errorf("list config versions: %w", err)
	}
	defer rows.Close()

	var out []coordinator.ConfigVersion
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan config version: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate config versions: %w", err)
	}
	return out, nil
}

const latestPublishedQuery = `
	SELECT COALESCE(MAX(version_number), 0) FROM scraper_config_versions
	WHERE config_id = $1 AND published_at IS NOT NULL;
`

// LatestPublishedNumber returns the highest version number ever published.
func (s *Store) LatestPublishedNumber(ctx context.Context, configID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, latestPublishedQuery, configID).Scan(&n); err != nil {
		return 0, fmt.Errorf("latest published version: %w", err)
	}
	return n, nil
}

// InsertDraft stores a draft and repoints the config at it.
func (s *Store) InsertDraft(ctx context.Context, version coordinator.ConfigVersion) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin insert draft: %w", err)
	}
	defer rollback(ctx, tx)

	if err := insertVersion(ctx, tx, version); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `UPDATE scraper_configs SET current_version_id = $1 WHERE id = $2;`,
		version.ID, version.ConfigID)
	if err != nil {
		return fmt.Errorf("repoint config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit insert draft: %w", err)
	}
	return nil
}

// SaveValidation writes a validation result onto a non-published version.
func (s *Store) SaveValidation(
	ctx context.Context,
	versionID string,
	status coordinator.VersionStatus,
	result coordinator.ValidationResult,
) error {
	payload, err := marshalValidation(&result)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scraper_config_versions
		SET status = $1, validation_result = $2
		WHERE id = $3 AND status IN ('draft', 'validated');`,
		string(status), payload, versionID,
	)
	if err != nil {
		return fmt.Errorf("save validation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrStateConflict
	}
	return nil
}

// Publish archives the current published version, inserts the new published
// copy, and repoints the config inside one transaction. The config row lock
// serializes concurrent publishes of the same config.
func (s *Store) Publish(ctx context.Context, p store.PublishParams) (store.PublishResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.PublishResult{}, fmt.Errorf("begin publish: %w", err)
	}
	defer rollback(ctx, tx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM scraper_configs WHERE id = $1 FOR UPDATE;`, p.ConfigID).Scan(&locked)
	if err != nil {
		return store.PublishResult{}, fmt.Errorf("lock config: %w", notFound(err))
	}

	src, err := scanVersion(tx.QueryRow(ctx,
		`SELECT `+versionColumns+` FROM scraper_config_versions WHERE id = $1 AND config_id = $2;`,
		p.SourceVersionID, p.ConfigID))
	if err != nil {
		return store.PublishResult{}, fmt.Errorf("load source version: %w", notFound(err))
	}
	if len(p.AllowedSourceStatuses) > 0 && !slices.Contains(p.AllowedSourceStatuses, src.Status) {
		return store.PublishResult{}, store.ErrStateConflict
	}

	var latest int
	if err := tx.QueryRow(ctx, latestPublishedQuery, p.ConfigID).Scan(&latest); err != nil {
		return store.PublishResult{}, fmt.Errorf("latest published version: %w", err)
	}

	var result store.PublishResult
	err = tx.QueryRow(ctx, `
		UPDATE scraper_config_versions SET status = 'archived'
		WHERE config_id = $1 AND status = 'published'
		RETURNING version_number;`, p.ConfigID).Scan(&result.PreviousVersionNumber)
	switch {
	case err == nil:
		result.PreviousArchived = true
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return store.PublishResult{}, fmt.Errorf("archive previous version: %w", err)
	}

	number := latest + 1
	summary := p.ChangeSummary
	if summary == "" {
		summary = coordinator.DefaultChangeSummary(number)
	}
	at := p.At
	published := coordinator.ConfigVersion{
		ID:               p.NewVersionID,
		ConfigID:         p.ConfigID,
		VersionNumber:    number,
		Status:           coordinator.VersionPublished,
		Config:           src.Config,
		ValidationResult: src.ValidationResult,
		PublishedAt:      &at,
		PublishedBy:      p.Actor,
		ChangeSummary:    summary,
		CreatedAt:        at,
		CreatedBy:        p.Actor,
	}
	if err := insertVersion(ctx, tx, published); err != nil {
		return store.PublishResult{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE scraper_configs SET current_version_id = $1 WHERE id = $2;`,
		published.ID, p.ConfigID); err != nil {
		return store.PublishResult{}, fmt.Errorf("repoint config: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.PublishResult{}, fmt.Errorf("commit publish: %w", err)
	}
	result.Version = published
	return result, nil
}

// ListPublished returns the published version of each matching config.
func (s *Store) ListPublished(ctx context.Context, slugs []string) ([]coordinator.PublishedConfig, error) {
	query := `
		SELECT c.id, c.slug, c.display_name, c.domain, COALESCE(c.current_version_id, ''), c.created_at,
			v.id, v.config_id, v.version_number, v.status, v.config, v.validation_result,
			v.published_at, v.published_by, v.change_summary, v.created_at, v.created_by
		FROM scraper_configs c
		JOIN scraper_config_versions v ON v.config_id = c.id AND v.status = 'published'
		WHERE cardinality($1::text[]) = 0 OR c.slug = ANY($1::text[])
		ORDER BY c.slug;
	`
	if slugs == nil {
		slugs = []string{}
	}
	rows, err := s.pool.Query(ctx, query, slugs)
	if err != nil {
		return nil, fmt.Errorf("list published configs: %w", err)
	}
	defer rows.Close()

	var out []coordinator.PublishedConfig
	for rows.Next() {
		var (
			pc         coordinator.PublishedConfig
			status     string
			payload    []byte
			validation []byte
		)
		err := rows.Scan(
			&pc.Config.ID, &pc.Config.Slug, &pc.Config.DisplayName, &pc.Config.Domain,
			&pc.Config.CurrentVersionID, &pc.Config.CreatedAt,
			&pc.Version.ID, &pc.Version.ConfigID, &pc.Version.VersionNumber, &status, &payload, &validation,
			&pc.Version.PublishedAt, &pc.Version.PublishedBy, &pc.Version.ChangeSummary,
			&pc.Version.CreatedAt, &pc.Version.CreatedBy,
		)
		if err != nil {
			return nil, fmt.Errorf("scan published config: %w", err)
		}
		pc.Version.Status = coordinator.VersionStatus(status)
		pc.Version.Config = payload
		out = append(out, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published configs: %w", err)
	}
	return out, nil
}
