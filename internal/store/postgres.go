package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"docsync/api/internal/tenant"
)

// PostgresStore is the shared multi-tenant store. Every operation takes a
// tenant.Context and scopes its SQL by the context's tenant id, so a bug in
// orchestration code above this layer cannot read or write another tenant's
// rows.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// guard rejects unauthenticated contexts before any SQL runs.
func guard(tc tenant.Context, op string) error {
	if !tc.Valid() {
		return &AuthorizationError{TenantID: tc.TenantID(), Op: op}
	}
	return nil
}

// EnsureTenant creates the tenant row on first use of a client identity and
// returns it. Re-ensuring an existing tenant refreshes nothing but the
// display name when one is supplied.
func (s *PostgresStore) EnsureTenant(ctx context.Context, tc tenant.Context, displayName string) (Tenant, error) {
	if err := guard(tc, "ensure tenant"); err != nil {
		return Tenant{}, err
	}
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, display_name)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE
			SET display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE tenants.display_name END,
			    updated_at = NOW()
		RETURNING id, display_name, plan, settings_json::text, created_at, updated_at
	`, tc.TenantID(), displayName).Scan(&t.ID, &t.DisplayName, &t.Plan, &t.Settings, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return Tenant{}, classify("ensure tenant", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, tc tenant.Context) (Tenant, error) {
	if err := guard(tc, "get tenant"); err != nil {
		return Tenant{}, err
	}
	var t Tenant
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, plan, settings_json::text, created_at, updated_at
		FROM tenants
		WHERE id=$1
	`, tc.TenantID()).Scan(&t.ID, &t.DisplayName, &t.Plan, &t.Settings, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tenant{}, ErrNotFound
	}
	if err != nil {
		return Tenant{}, classify("get tenant", err)
	}
	return t, nil
}

func (s *PostgresStore) ListGroups(ctx context.Context, tc tenant.Context) ([]DocumentGroup, error) {
	if err := guard(tc, "list groups"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, name, description, analysis_status,
		       total_documents, total_text_sections, total_ai_commentary,
		       last_analyzed, created_at, updated_at
		FROM document_groups
		WHERE tenant_id=$1
		ORDER BY updated_at DESC
	`, tc.TenantID())
	if err != nil {
		return nil, classify("list groups", err)
	}
	defer rows.Close()

	items := make([]DocumentGroup, 0)
	for rows.Next() {
		var item DocumentGroup
		if err := rows.Scan(
			&item.TenantID,
			&item.ID,
			&item.Name,
			&item.Description,
			&item.AnalysisStatus,
			&item.TotalDocuments,
			&item.TotalTextSections,
			&item.TotalAICommentary,
			&item.LastAnalyzed,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate groups", err)
	}
	return items, nil
}

func (s *PostgresStore) GetGroup(ctx context.Context, tc tenant.Context, groupID string) (DocumentGroup, error) {
	if err := guard(tc, "get group"); err != nil {
		return DocumentGroup{}, err
	}
	var item DocumentGroup
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, id, name, description, analysis_status,
		       total_documents, total_text_sections, total_ai_commentary,
		       last_analyzed, created_at, updated_at
		FROM document_groups
		WHERE tenant_id=$1 AND id=$2
	`, tc.TenantID(), groupID).Scan(
		&item.TenantID,
		&item.ID,
		&item.Name,
		&item.Description,
		&item.AnalysisStatus,
		&item.TotalDocuments,
		&item.TotalTextSections,
		&item.TotalAICommentary,
		&item.LastAnalyzed,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentGroup{}, ErrNotFound
	}
	if err != nil {
		return DocumentGroup{}, classify("get group", err)
	}
	return item, nil
}

func (s *PostgresStore) ListGroupDocuments(ctx context.Context, tc tenant.Context, groupID string) ([]Document, error) {
	if err := guard(tc, "list group documents"); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, id, group_id, filename, title, file_type, file_size, page_count, created_at, updated_at
		FROM documents
		WHERE tenant_id=$1 AND group_id=$2
		ORDER BY id ASC
	`, tc.TenantID(), groupID)
	if err != nil {
		return nil, classify("list group documents", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(
			&item.TenantID,
			&item.ID,
			&item.GroupID,
			&item.Filename,
			&item.Title,
			&item.FileType,
			&item.FileSize,
			&item.PageCount,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate documents", err)
	}
	return items, nil
}

func (s *PostgresStore) ListSyncRuns(ctx context.Context, tc tenant.Context, groupID string, limit int) ([]SyncRun, error) {
	if err := guard(tc, "list sync runs"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, group_id, documents_count, text_sections_count,
		       ai_commentary_count, analysis_results_count, duration_ms, created_at
		FROM sync_runs
		WHERE tenant_id=$1 AND ($2='' OR group_id=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, tc.TenantID(), groupID, limit)
	if err != nil {
		return nil, classify("list sync runs", err)
	}
	defer rows.Close()

	items := make([]SyncRun, 0)
	for rows.Next() {
		var item SyncRun
		if err := rows.Scan(
			&item.ID,
			&item.TenantID,
			&item.GroupID,
			&item.DocumentsCount,
			&item.TextSectionsCount,
			&item.AICommentaryCount,
			&item.AnalysisResultsCount,
			&item.DurationMs,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate sync runs", err)
	}
	return items, nil
}

// DeleteGroup removes one group and, through the cascading foreign keys,
// every document, section, commentary item and analysis result under it.
func (s *PostgresStore) DeleteGroup(ctx context.Context, tc tenant.Context, groupID string) error {
	if err := guard(tc, "delete group"); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM document_groups WHERE tenant_id=$1 AND id=$2
	`, tc.TenantID(), groupID)
	if err != nil {
		return classify("delete group", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete group rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTenant removes the tenant row; cascading foreign keys take every row
// the tenant owns with it and nothing else.
func (s *PostgresStore) DeleteTenant(ctx context.Context, tc tenant.Context) error {
	if err := guard(tc, "delete tenant"); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM tenants WHERE id=$1`, tc.TenantID())
	if err != nil {
		return classify("delete tenant", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete tenant rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
