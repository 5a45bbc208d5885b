package syncer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docsync/api/internal/store"
	"docsync/api/internal/tenant"
	"docsync/api/internal/util"
)

// Engine projects Analysis Snapshots into the store. It holds no state
// between calls; idempotency comes from the (tenant id, natural id) upsert
// keys, so retrying an identical snapshot after any failure is always safe.
type Engine struct {
	store store.SyncStore
	log   zerolog.Logger
	now   func() time.Time
	newID func(prefix string) string
}

func New(syncStore store.SyncStore, logger zerolog.Logger) *Engine {
	return &Engine{
		store: syncStore,
		log:   logger,
		now:   time.Now,
		newID: util.NewID,
	}
}

// Synchronize validates snapshot and performs the all-or-nothing multi-entity
// upsert. On success the returned counts reflect what was written in this
// call; on failure the store is exactly as it was before the call.
//
// The engine does not touch the local snapshot cache. The caller marks the
// cached entry synced or failed from the returned result.
func (e *Engine) Synchronize(ctx context.Context, tc tenant.Context, snapshot AnalysisSnapshot) (SyncResult, error) {
	if err := snapshot.Validate(); err != nil {
		return SyncResult{}, err
	}
	// Reject a mismatched payload before opening a transaction. The store's
	// per-row guard would catch this too; failing here keeps the error cheap.
	if !tc.Owns(strings.TrimSpace(snapshot.TenantID)) {
		return SyncResult{}, &store.AuthorizationError{TenantID: tc.TenantID(), Op: "synchronize snapshot"}
	}

	plan := e.normalize(tc, snapshot)
	started := e.now()

	var result SyncResult
	err := e.store.InSyncTx(ctx, tc, func(tx store.SyncTx) error {
		if err := tx.UpsertGroup(ctx, plan.group); err != nil {
			return err
		}

		for _, doc := range plan.documents {
			if err := tx.UpsertDocument(ctx, doc.row); err != nil {
				return err
			}
			result.DocumentsCount++

			n, err := tx.UpsertTextSections(ctx, doc.sections)
			if err != nil {
				return err
			}
			result.TextSectionsCount += n

			n, err = tx.UpsertCommentary(ctx, doc.commentary)
			if err != nil {
				return err
			}
			result.AICommentaryCount += n
		}

		for _, res := range plan.results {
			res.DocumentsAnalyzed = result.DocumentsCount
			res.SectionsAnalyzed = result.TextSectionsCount
			res.CommentaryAnalyzed = result.AICommentaryCount
			if err := tx.UpsertAnalysisResult(ctx, res); err != nil {
				return err
			}
			result.AnalysisResultsCount++
		}

		if _, err := tx.FinalizeGroup(ctx, plan.group.ID); err != nil {
			return err
		}

		return tx.InsertSyncRun(ctx, store.SyncRun{
			ID:                   e.newID("run"),
			TenantID:             tc.TenantID(),
			GroupID:              plan.group.ID,
			DocumentsCount:       result.DocumentsCount,
			TextSectionsCount:    result.TextSectionsCount,
			AICommentaryCount:    result.AICommentaryCount,
			AnalysisResultsCount: result.AnalysisResultsCount,
			DurationMs:           e.now().Sub(started).Milliseconds(),
		})
	})
	if err != nil {
		e.log.Error().Err(err).
			Str("tenant", tc.TenantID()).
			Str("group", snapshot.GroupID).
			Msg("synchronize failed")
		return SyncResult{}, err
	}

	result.GroupID = plan.group.ID
	e.log.Info().
		Str("tenant", tc.TenantID()).
		Str("group", result.GroupID).
		Int("documents", result.DocumentsCount).
		Int("sections", result.TextSectionsCount).
		Int("commentary", result.AICommentaryCount).
		Int("results", result.AnalysisResultsCount).
		Msg("snapshot synchronized")
	return result, nil
}

type syncPlan struct {
	group     store.DocumentGroup
	documents []plannedDocument
	results   []store.GroupAnalysisResult
}

type plannedDocument struct {
	row        store.Document
	sections   []store.TextSection
	commentary []store.AICommentary
}

// normalize maps the validated payload onto store rows, stamping every row
// with the authenticated tenant id. Documents are sorted by natural id so
// overlapping concurrent syncs acquire row locks in the same order and
// cannot deadlock.
func (e *Engine) normalize(tc tenant.Context, snapshot AnalysisSnapshot) syncPlan {
	tenantID := tc.TenantID()
	groupID := strings.TrimSpace(snapshot.GroupID)

	plan := syncPlan{
		group: store.DocumentGroup{
			TenantID:    tenantID,
			ID:          groupID,
			Name:        strings.TrimSpace(snapshot.GroupName),
			Description: strings.TrimSpace(snapshot.GroupDescription),
		},
	}

	for _, doc := range snapshot.Documents {
		planned := plannedDocument{
			row: store.Document{
				TenantID:  tenantID,
				ID:        strings.TrimSpace(doc.ID),
				GroupID:   groupID,
				Filename:  doc.Filename,
				Title:     doc.Title,
				FileType:  doc.FileType,
				FileSize:  doc.FileSize,
				PageCount: doc.PageCount,
			},
		}
		for _, section := range doc.TextSections {
			contentType := section.ContentType
			if contentType == "" {
				contentType = "body"
			}
			planned.sections = append(planned.sections, store.TextSection{
				TenantID:     tenantID,
				ID:           strings.TrimSpace(section.ID),
				DocumentID:   planned.row.ID,
				PageNumber:   section.PageNumber,
				SectionTitle: section.SectionTitle,
				Content:      section.Content,
				ContentType:  contentType,
				OrderIndex:   section.OrderIndex,
			})
		}
		for _, item := range doc.AICommentary {
			planned.commentary = append(planned.commentary, store.AICommentary{
				TenantID:        tenantID,
				ID:              strings.TrimSpace(item.ID),
				DocumentID:      planned.row.ID,
				CommentaryType:  item.CommentaryType,
				Content:         item.Content,
				ConfidenceScore: item.ConfidenceScore,
				Language:        item.Language,
				AIModel:         item.AIModel,
			})
		}
		plan.documents = append(plan.documents, planned)
	}

	sort.Slice(plan.documents, func(i, j int) bool {
		return plan.documents[i].row.ID < plan.documents[j].row.ID
	})

	for _, res := range snapshot.AnalysisResults {
		id := strings.TrimSpace(res.ID)
		if id == "" {
			id = e.newID("res")
		}
		plan.results = append(plan.results, store.GroupAnalysisResult{
			TenantID:         tenantID,
			ID:               id,
			GroupID:          groupID,
			AnalysisType:     res.AnalysisType,
			Content:          res.Content,
			ConfidenceScore:  res.ConfidenceScore,
			Language:         res.Language,
			AIModel:          res.AIModel,
			ProcessingTimeMs: res.ProcessingTimeMs,
		})
	}

	return plan
}
