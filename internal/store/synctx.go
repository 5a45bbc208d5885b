package store

import (
	"context"
	"database/sql"
	"fmt"

	"docsync/api/internal/tenant"
)

// SyncTx is the narrow write surface the synchronization engine runs against.
// A SyncTx is bound to one tenant for its whole lifetime; every row it
// touches is checked against that tenant before any SQL executes. All writes
// share one database transaction, so either every one of them commits or
// none do.
type SyncTx interface {
	UpsertGroup(ctx context.Context, group DocumentGroup) error
	UpsertDocument(ctx context.Context, doc Document) error
	UpsertTextSections(ctx context.Context, sections []TextSection) (int, error)
	UpsertCommentary(ctx context.Context, items []AICommentary) (int, error)
	UpsertAnalysisResult(ctx context.Context, result GroupAnalysisResult) error
	FinalizeGroup(ctx context.Context, groupID string) (GroupCounters, error)
	InsertSyncRun(ctx context.Context, run SyncRun) error
}

// SyncStore opens atomic units of work for the engine. Implemented by
// PostgresStore; faked in engine tests.
type SyncStore interface {
	InSyncTx(ctx context.Context, tc tenant.Context, fn func(SyncTx) error) error
}

// InSyncTx runs fn inside a single transaction bound to the context's
// tenant. Any error from fn or from commit rolls everything back; no partial
// write is ever visible to another reader.
func (s *PostgresStore) InSyncTx(ctx context.Context, tc tenant.Context, fn func(SyncTx) error) error {
	if err := guard(tc, "sync transaction"); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin sync tx", err)
	}
	if err := fn(&pgSyncTx{tx: tx, tenant: tc}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("commit sync tx", err)
	}
	return nil
}

type pgSyncTx struct {
	tx     *sql.Tx
	tenant tenant.Context
}

// check enforces tenant isolation at the storage boundary: a row whose
// tenant id differs from the transaction's bound tenant is rejected before
// any SQL runs, regardless of which caller issued the write.
func (t *pgSyncTx) check(rowTenant, op string) error {
	if !t.tenant.Owns(rowTenant) {
		return &AuthorizationError{TenantID: t.tenant.TenantID(), Op: op}
	}
	return nil
}

func (t *pgSyncTx) UpsertGroup(ctx context.Context, group DocumentGroup) error {
	if err := t.check(group.TenantID, "upsert group"); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO document_groups (tenant_id, id, name, description, analysis_status)
		VALUES ($1, $2, $3, $4, 'processing')
		ON CONFLICT (tenant_id, id) DO UPDATE
			SET name=EXCLUDED.name,
			    description=EXCLUDED.description,
			    analysis_status='processing',
			    updated_at=NOW()
	`, group.TenantID, group.ID, group.Name, group.Description)
	if err != nil {
		return classify("upsert group", err)
	}
	return nil
}

func (t *pgSyncTx) UpsertDocument(ctx context.Context, doc Document) error {
	if err := t.check(doc.TenantID, "upsert document"); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO documents (tenant_id, id, group_id, filename, title, file_type, file_size, page_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, id) DO UPDATE
			SET group_id=EXCLUDED.group_id,
			    filename=EXCLUDED.filename,
			    title=EXCLUDED.title,
			    file_type=EXCLUDED.file_type,
			    file_size=EXCLUDED.file_size,
			    page_count=EXCLUDED.page_count,
			    updated_at=NOW()
	`, doc.TenantID, doc.ID, doc.GroupID, doc.Filename, doc.Title, doc.FileType, doc.FileSize, doc.PageCount)
	if err != nil {
		return classify("upsert document", err)
	}
	return nil
}

func (t *pgSyncTx) UpsertTextSections(ctx context.Context, sections []TextSection) (int, error) {
	count := 0
	for _, section := range sections {
		if err := t.check(section.TenantID, "upsert text section"); err != nil {
			return count, err
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO text_sections (tenant_id, id, document_id, page_number, section_title, content, content_type, order_index)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, id) DO UPDATE
				SET document_id=EXCLUDED.document_id,
				    page_number=EXCLUDED.page_number,
				    section_title=EXCLUDED.section_title,
				    content=EXCLUDED.content,
				    content_type=EXCLUDED.content_type,
				    order_index=EXCLUDED.order_index,
				    updated_at=NOW()
		`, section.TenantID, section.ID, section.DocumentID, section.PageNumber, section.SectionTitle, section.Content, section.ContentType, section.OrderIndex)
		if err != nil {
			return count, classify("upsert text section", err)
		}
		count++
	}
	return count, nil
}

func (t *pgSyncTx) UpsertCommentary(ctx context.Context, items []AICommentary) (int, error) {
	count := 0
	for _, item := range items {
		if err := t.check(item.TenantID, "upsert commentary"); err != nil {
			return count, err
		}
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO ai_commentary (tenant_id, id, document_id, group_id, commentary_type, content, confidence_score, language, ai_model)
			VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9)
			ON CONFLICT (tenant_id, id) DO UPDATE
				SET document_id=EXCLUDED.document_id,
				    group_id=EXCLUDED.group_id,
				    commentary_type=EXCLUDED.commentary_type,
				    content=EXCLUDED.content,
				    confidence_score=EXCLUDED.confidence_score,
				    language=EXCLUDED.language,
				    ai_model=EXCLUDED.ai_model,
				    updated_at=NOW()
		`, item.TenantID, item.ID, item.DocumentID, item.GroupID, item.CommentaryType, item.Content, item.ConfidenceScore, item.Language, item.AIModel)
		if err != nil {
			return count, classify("upsert commentary", err)
		}
		count++
	}
	return count, nil
}

func (t *pgSyncTx) UpsertAnalysisResult(ctx context.Context, result GroupAnalysisResult) error {
	if err := t.check(result.TenantID, "upsert analysis result"); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO group_analysis_results (tenant_id, id, group_id, analysis_type, content, confidence_score, language, ai_model, processing_time_ms, documents_analyzed, sections_analyzed, commentary_analyzed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, id) DO UPDATE
			SET group_id=EXCLUDED.group_id,
			    analysis_type=EXCLUDED.analysis_type,
			    content=EXCLUDED.content,
			    confidence_score=EXCLUDED.confidence_score,
			    language=EXCLUDED.language,
			    ai_model=EXCLUDED.ai_model,
			    processing_time_ms=EXCLUDED.processing_time_ms,
			    documents_analyzed=EXCLUDED.documents_analyzed,
			    sections_analyzed=EXCLUDED.sections_analyzed,
			    commentary_analyzed=EXCLUDED.commentary_analyzed,
			    updated_at=NOW()
	`, result.TenantID, result.ID, result.GroupID, result.AnalysisType, result.Content, result.ConfidenceScore, result.Language, result.AIModel, result.ProcessingTimeMs, result.DocumentsAnalyzed, result.SectionsAnalyzed, result.CommentaryAnalyzed)
	if err != nil {
		return classify("upsert analysis result", err)
	}
	return nil
}

// FinalizeGroup recounts the group's persisted children inside the
// transaction, caches the counts on the group row and marks the analysis
// completed. The cached counters therefore always equal the actual persisted
// counts at commit time.
func (t *pgSyncTx) FinalizeGroup(ctx context.Context, groupID string) (GroupCounters, error) {
	var counters GroupCounters
	err := t.tx.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM documents d WHERE d.tenant_id=$1 AND d.group_id=$2),
			(SELECT COUNT(*) FROM text_sections ts
				JOIN documents d ON d.tenant_id=ts.tenant_id AND d.id=ts.document_id
				WHERE ts.tenant_id=$1 AND d.group_id=$2),
			(SELECT COUNT(*) FROM ai_commentary ac
				LEFT JOIN documents d ON d.tenant_id=ac.tenant_id AND d.id=ac.document_id
				WHERE ac.tenant_id=$1 AND (d.group_id=$2 OR ac.group_id=$2))
	`, t.tenant.TenantID(), groupID).Scan(&counters.Documents, &counters.TextSections, &counters.AICommentary)
	if err != nil {
		return GroupCounters{}, classify("count group children", err)
	}

	result, err := t.tx.ExecContext(ctx, `
		UPDATE document_groups
		SET total_documents=$3,
		    total_text_sections=$4,
		    total_ai_commentary=$5,
		    analysis_status='completed',
		    last_analyzed=NOW(),
		    updated_at=NOW()
		WHERE tenant_id=$1 AND id=$2
	`, t.tenant.TenantID(), groupID, counters.Documents, counters.TextSections, counters.AICommentary)
	if err != nil {
		return GroupCounters{}, classify("finalize group", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return GroupCounters{}, fmt.Errorf("finalize group rows: %w", err)
	}
	if affected == 0 {
		return GroupCounters{}, ErrNotFound
	}
	return counters, nil
}

func (t *pgSyncTx) InsertSyncRun(ctx context.Context, run SyncRun) error {
	if err := t.check(run.TenantID, "insert sync run"); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sync_runs (id, tenant_id, group_id, documents_count, text_sections_count, ai_commentary_count, analysis_results_count, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.TenantID, run.GroupID, run.DocumentsCount, run.TextSectionsCount, run.AICommentaryCount, run.AnalysisResultsCount, run.DurationMs)
	if err != nil {
		return classify("insert sync run", err)
	}
	return nil
}
