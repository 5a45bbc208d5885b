package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"docsync/api/internal/tenant"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("DOCSYNC_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("DOCSYNC_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE`); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, `CREATE SCHEMA public`)
	return err
}

func openMigratedStore(t *testing.T) (*PostgresStore, *sql.DB) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), db
}

func syncFixtureGroup(t *testing.T, s *PostgresStore, tc tenant.Context, groupID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.EnsureTenant(ctx, tc, "Fixture Tenant"); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}
	// Natural ids are group-scoped so two fixture groups never collide.
	doc1 := groupID + "-doc-1"
	doc2 := groupID + "-doc-2"
	err := s.InSyncTx(ctx, tc, func(tx SyncTx) error {
		if err := tx.UpsertGroup(ctx, DocumentGroup{TenantID: tc.TenantID(), ID: groupID, Name: "Fixture"}); err != nil {
			return err
		}
		for _, docID := range []string{doc1, doc2} {
			if err := tx.UpsertDocument(ctx, Document{TenantID: tc.TenantID(), ID: docID, GroupID: groupID, Filename: docID + ".pdf"}); err != nil {
				return err
			}
		}
		if _, err := tx.UpsertTextSections(ctx, []TextSection{
			{TenantID: tc.TenantID(), ID: groupID + "-sec-1", DocumentID: doc1, PageNumber: 1, Content: "alpha", ContentType: "body"},
			{TenantID: tc.TenantID(), ID: groupID + "-sec-2", DocumentID: doc1, PageNumber: 1, Content: "beta", ContentType: "body", OrderIndex: 1},
			{TenantID: tc.TenantID(), ID: groupID + "-sec-3", DocumentID: doc2, PageNumber: 1, Content: "gamma", ContentType: "table"},
		}); err != nil {
			return err
		}
		if _, err := tx.UpsertCommentary(ctx, []AICommentary{
			{TenantID: tc.TenantID(), ID: groupID + "-com-1", DocumentID: doc1, Content: "risk noted", ConfidenceScore: 0.8},
			{TenantID: tc.TenantID(), ID: groupID + "-com-2", DocumentID: doc2, Content: "summary", ConfidenceScore: 0.9},
		}); err != nil {
			return err
		}
		if err := tx.UpsertAnalysisResult(ctx, GroupAnalysisResult{
			TenantID: tc.TenantID(), ID: groupID + "-res-1", GroupID: groupID,
			AnalysisType: "cross-document", Content: "fixture result",
			ConfidenceScore: 0.9, DocumentsAnalyzed: 2, SectionsAnalyzed: 3, CommentaryAnalyzed: 2,
		}); err != nil {
			return err
		}
		if _, err := tx.FinalizeGroup(ctx, groupID); err != nil {
			return err
		}
		return tx.InsertSyncRun(ctx, SyncRun{ID: "run-" + groupID, TenantID: tc.TenantID(), GroupID: groupID, DocumentsCount: 2, TextSectionsCount: 3, AICommentaryCount: 2, AnalysisResultsCount: 1})
	})
	if err != nil {
		t.Fatalf("sync fixture: %v", err)
	}
}

func countRows(t *testing.T, db *sql.DB, table, tenantID string) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM `+table+` WHERE tenant_id=$1`, tenantID).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func TestSyncTxIdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	tc := tenant.NewContext("tenant-a")

	syncFixtureGroup(t, s, tc, "grp-1")
	syncFixtureGroup(t, s, tc, "grp-1")

	if got := countRows(t, db, "document_groups", "tenant-a"); got != 1 {
		t.Errorf("document_groups = %d, want 1", got)
	}
	if got := countRows(t, db, "documents", "tenant-a"); got != 2 {
		t.Errorf("documents = %d, want 2", got)
	}
	if got := countRows(t, db, "text_sections", "tenant-a"); got != 3 {
		t.Errorf("text_sections = %d, want 3", got)
	}
	if got := countRows(t, db, "ai_commentary", "tenant-a"); got != 2 {
		t.Errorf("ai_commentary = %d, want 2", got)
	}
}

func TestFinalizeGroupCachesActualCounts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, _ := openMigratedStore(t)
	tc := tenant.NewContext("tenant-a")
	syncFixtureGroup(t, s, tc, "grp-1")

	group, err := s.GetGroup(context.Background(), tc, "grp-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.TotalDocuments != 2 || group.TotalTextSections != 3 || group.TotalAICommentary != 2 {
		t.Errorf("cached counters = %d/%d/%d, want 2/3/2",
			group.TotalDocuments, group.TotalTextSections, group.TotalAICommentary)
	}
	if group.AnalysisStatus != "completed" {
		t.Errorf("analysis status = %s, want completed", group.AnalysisStatus)
	}
	if group.LastAnalyzed == nil {
		t.Error("last_analyzed not stamped")
	}
}

func TestSyncTxRollsBackWholeUnit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	tc := tenant.NewContext("tenant-a")
	ctx := context.Background()

	if _, err := s.EnsureTenant(ctx, tc, ""); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}

	failure := errors.New("third document malformed")
	err := s.InSyncTx(ctx, tc, func(tx SyncTx) error {
		if err := tx.UpsertGroup(ctx, DocumentGroup{TenantID: tc.TenantID(), ID: "grp-x", Name: "Doomed"}); err != nil {
			return err
		}
		if err := tx.UpsertDocument(ctx, Document{TenantID: tc.TenantID(), ID: "doc-1", GroupID: "grp-x", Filename: "a.pdf"}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	if got := countRows(t, db, "document_groups", "tenant-a"); got != 0 {
		t.Errorf("rolled-back sync left %d group rows", got)
	}
	if got := countRows(t, db, "documents", "tenant-a"); got != 0 {
		t.Errorf("rolled-back sync left %d document rows", got)
	}
}

func TestTenantIsolationAtStorageBoundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	ctx := context.Background()
	tcA := tenant.NewContext("tenant-a")
	tcB := tenant.NewContext("tenant-b")

	syncFixtureGroup(t, s, tcA, "grp-1")

	// A write tagged for tenant B inside tenant A's transaction is rejected
	// before any SQL runs, and the whole unit rolls back.
	if _, err := s.EnsureTenant(ctx, tcB, ""); err != nil {
		t.Fatalf("ensure tenant b: %v", err)
	}
	err := s.InSyncTx(ctx, tcA, func(tx SyncTx) error {
		return tx.UpsertGroup(ctx, DocumentGroup{TenantID: "tenant-b", ID: "grp-b", Name: "Smuggled"})
	})
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError, got %v", err)
	}
	if got := countRows(t, db, "document_groups", "tenant-b"); got != 0 {
		t.Errorf("cross-tenant write landed: %d rows", got)
	}

	// Reads scoped to tenant B never see tenant A's rows.
	groups, err := s.ListGroups(ctx, tcB)
	if err != nil {
		t.Fatalf("list groups as b: %v", err)
	}
	if len(groups) != 0 {
		t.Errorf("tenant B sees %d of tenant A's groups", len(groups))
	}
	if _, err := s.GetGroup(ctx, tcB, "grp-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("tenant B GetGroup = %v, want ErrNotFound", err)
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	ctx := context.Background()
	tcA := tenant.NewContext("tenant-a")
	tcB := tenant.NewContext("tenant-b")

	syncFixtureGroup(t, s, tcA, "grp-1")
	syncFixtureGroup(t, s, tcB, "grp-1")

	if err := s.DeleteTenant(ctx, tcA); err != nil {
		t.Fatalf("delete tenant: %v", err)
	}

	for _, table := range []string{"document_groups", "documents", "text_sections", "ai_commentary", "group_analysis_results", "sync_runs"} {
		if got := countRows(t, db, table, "tenant-a"); got != 0 {
			t.Errorf("%s still holds %d rows for deleted tenant", table, got)
		}
		if got := countRows(t, db, table, "tenant-b"); got == 0 {
			t.Errorf("%s lost tenant-b rows to the cascade", table)
		}
	}
}

func TestDeleteGroupCascadesChildrenOnly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	ctx := context.Background()
	tc := tenant.NewContext("tenant-a")

	syncFixtureGroup(t, s, tc, "grp-1")
	syncFixtureGroup(t, s, tc, "grp-2")

	if err := s.DeleteGroup(ctx, tc, "grp-1"); err != nil {
		t.Fatalf("delete group: %v", err)
	}
	if got := countRows(t, db, "document_groups", "tenant-a"); got != 1 {
		t.Errorf("document_groups = %d, want 1", got)
	}
	var docs int
	if err := db.QueryRow(`SELECT COUNT(*) FROM documents WHERE tenant_id=$1 AND group_id=$2`, "tenant-a", "grp-1").Scan(&docs); err != nil {
		t.Fatalf("count docs: %v", err)
	}
	if docs != 0 {
		t.Errorf("deleted group still has %d documents", docs)
	}
}

func TestConcurrentSyncsOfSameGroup(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	s, db := openMigratedStore(t)
	ctx := context.Background()
	tc := tenant.NewContext("tenant-a")

	if _, err := s.EnsureTenant(ctx, tc, ""); err != nil {
		t.Fatalf("ensure tenant: %v", err)
	}

	// Both writers upsert the same group and the same three documents, in the
	// same id order, each tagging every row with its own marker.
	writeGroup := func(writer string) error {
		return s.InSyncTx(ctx, tc, func(tx SyncTx) error {
			if err := tx.UpsertGroup(ctx, DocumentGroup{TenantID: tc.TenantID(), ID: "grp-1", Name: "Contracts " + writer}); err != nil {
				return err
			}
			for _, docID := range []string{"doc-1", "doc-2", "doc-3"} {
				if err := tx.UpsertDocument(ctx, Document{
					TenantID: tc.TenantID(), ID: docID, GroupID: "grp-1",
					Filename: docID + ".pdf", Title: writer,
				}); err != nil {
					return err
				}
			}
			if _, err := tx.FinalizeGroup(ctx, "grp-1"); err != nil {
				return err
			}
			return tx.InsertSyncRun(ctx, SyncRun{
				ID: "run-" + writer, TenantID: tc.TenantID(), GroupID: "grp-1", DocumentsCount: 3,
			})
		})
	}

	writers := []string{"writer-a", "writer-b"}
	errs := make([]error, len(writers))
	var wg sync.WaitGroup
	for i, writer := range writers {
		wg.Add(1)
		go func(i int, writer string) {
			defer wg.Done()
			errs[i] = writeGroup(writer)
		}(i, writer)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("writer %s: %v", writers[i], err)
		}
	}

	// All surviving rows belong to a single committer, never a mix.
	rows, err := db.Query(`SELECT DISTINCT title FROM documents WHERE tenant_id=$1 AND group_id=$2`, tc.TenantID(), "grp-1")
	if err != nil {
		t.Fatalf("query titles: %v", err)
	}
	defer rows.Close()
	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			t.Fatalf("scan title: %v", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("iterate titles: %v", err)
	}
	if len(titles) != 1 {
		t.Fatalf("documents mix writers: %v", titles)
	}
	winner := titles[0]
	if winner != "writer-a" && winner != "writer-b" {
		t.Fatalf("unexpected winner %q", winner)
	}

	group, err := s.GetGroup(ctx, tc, "grp-1")
	if err != nil {
		t.Fatalf("get group: %v", err)
	}
	if group.Name != "Contracts "+winner {
		t.Errorf("group name %q does not match winning writer %q", group.Name, winner)
	}
	if group.TotalDocuments != 3 {
		t.Errorf("total_documents = %d, want 3", group.TotalDocuments)
	}
	if got := countRows(t, db, "documents", "tenant-a"); got != 3 {
		t.Errorf("documents = %d, want 3", got)
	}

	// Both runs committed; neither writer deadlocked or rolled back.
	if got := countRows(t, db, "sync_runs", "tenant-a"); got != 2 {
		t.Errorf("sync_runs = %d, want 2", got)
	}
}

func TestWritesAgainstUnprovisionedSchema(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, getTestDatabaseURL(t))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	s := NewPostgresStore(db)
	tc := tenant.NewContext("tenant-a")
	_, err = s.EnsureTenant(ctx, tc, "")
	var schemaErr *SchemaMissingError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaMissingError against empty schema, got %v", err)
	}
	if schemaErr.Missing == "" {
		t.Error("schema error does not name the missing relation")
	}
}
