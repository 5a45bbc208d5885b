package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"docsync/api/internal/config"
	"docsync/api/internal/snapcache"
	"docsync/api/internal/store"
	"docsync/api/internal/syncer"
	"docsync/api/internal/tenant"
	"docsync/api/internal/util"
)

type dataStore interface {
	EnsureTenant(ctx context.Context, tc tenant.Context, displayName string) (store.Tenant, error)
	GetTenant(ctx context.Context, tc tenant.Context) (store.Tenant, error)
	ListGroups(ctx context.Context, tc tenant.Context) ([]store.DocumentGroup, error)
	GetGroup(ctx context.Context, tc tenant.Context, groupID string) (store.DocumentGroup, error)
	ListGroupDocuments(ctx context.Context, tc tenant.Context, groupID string) ([]store.Document, error)
	ListSyncRuns(ctx context.Context, tc tenant.Context, groupID string, limit int) ([]store.SyncRun, error)
	DeleteGroup(ctx context.Context, tc tenant.Context, groupID string) error
	DeleteTenant(ctx context.Context, tc tenant.Context) error
	Ping(ctx context.Context) error
}

type synchronizer interface {
	Synchronize(ctx context.Context, tc tenant.Context, snapshot syncer.AnalysisSnapshot) (syncer.SyncResult, error)
}

type sessionStore interface {
	Save(ctx context.Context, token, tenantID, displayName string) error
	Resolve(ctx context.Context, token string) (tenant.Context, error)
	Revoke(ctx context.Context, token string) error
}

// Service wires the store, engine, session resolver and local snapshot
// cache together. The cache is injected, never a process-wide singleton, so
// tests run against isolated instances.
type Service struct {
	cfg      config.Config
	store    dataStore
	engine   synchronizer
	sessions sessionStore
	cache    *snapcache.Cache
	log      zerolog.Logger
}

func New(cfg config.Config, dataStore dataStore, engine synchronizer, sessions sessionStore, cache *snapcache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		engine:   engine,
		sessions: sessions,
		cache:    cache,
		log:      logger,
	}
}

// SyncResponse is the wire shape of a synchronization outcome.
type SyncResponse struct {
	Success              bool     `json:"success"`
	GroupID              string   `json:"groupId,omitempty"`
	DocumentsCount       int      `json:"documentsCount,omitempty"`
	TextSectionsCount    int      `json:"textSectionsCount,omitempty"`
	AICommentaryCount    int      `json:"aiCommentaryCount,omitempty"`
	AnalysisResultsCount int      `json:"analysisResultsCount,omitempty"`
	ErrorCode            string   `json:"errorCode,omitempty"`
	ErrorMessage         string   `json:"errorMessage,omitempty"`
	NeedsProvisioning    bool     `json:"needsProvisioning,omitempty"`
	MissingRelations     []string `json:"missingRelations,omitempty"`
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// IssueSession ensures the tenant row exists and binds a fresh opaque access
// token to it. The credential flow that authenticated the client happens
// upstream; its output (the tenant identity) is all we consume.
func (s *Service) IssueSession(ctx context.Context, tenantID, displayName string) (string, error) {
	tc := tenant.NewContext(tenantID)
	if !tc.Valid() {
		return "", domainError(http.StatusBadRequest, "VALIDATION_ERROR", "tenantId is required", nil)
	}
	if _, err := s.store.EnsureTenant(ctx, tc, displayName); err != nil {
		return "", s.translate(err)
	}
	token := util.NewID("tok")
	if err := s.sessions.Save(ctx, token, tc.TenantID(), displayName); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	return token, nil
}

// Authenticate resolves a bearer token to the tenant context it was issued
// for.
func (s *Service) Authenticate(ctx context.Context, token string) (tenant.Context, error) {
	if token == "" {
		return tenant.Context{}, domainError(http.StatusUnauthorized, "AUTHORIZATION_ERROR", "missing access token", nil)
	}
	tc, err := s.sessions.Resolve(ctx, token)
	if errors.Is(err, tenant.ErrSessionNotFound) {
		return tenant.Context{}, domainError(http.StatusUnauthorized, "AUTHORIZATION_ERROR", "session expired or unknown", nil)
	}
	if err != nil {
		return tenant.Context{}, fmt.Errorf("resolve session: %w", err)
	}
	return tc, nil
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	return s.sessions.Revoke(ctx, token)
}

// SubmitSnapshot runs the full submission flow: the snapshot is
// saved to the durable cache first (pending), then synchronized, then the
// cache entry's state is updated from the engine's result. A crash between
// save and sync leaves the snapshot pending and retrievable.
func (s *Service) SubmitSnapshot(ctx context.Context, tc tenant.Context, snapshot syncer.AnalysisSnapshot) SyncResponse {
	cacheID := snapshotCacheID(tc, snapshot.GroupID)
	if s.cache != nil && snapshot.GroupID != "" {
		payload, err := json.Marshal(snapshot)
		if err == nil {
			if err := s.cache.Save(ctx, snapcache.Item{
				ID:      cacheID,
				Type:    snapcache.TypeAnalysis,
				Content: string(payload),
				Metadata: snapcache.Metadata{
					Timestamp: time.Now().UTC(),
					Source:    "sync-submit",
				},
			}); err != nil {
				s.log.Warn().Err(err).Str("id", cacheID).Msg("cache save failed; continuing sync")
			}
		}
	}

	result, err := s.engine.Synchronize(ctx, tc, snapshot)
	if err != nil {
		code, needsProvisioning := syncer.ErrorCode(err)
		if s.cache != nil && snapshot.GroupID != "" {
			// A transient failure keeps the entry pending so RetryPending
			// drains it; anything else waits for a changed snapshot or an
			// operator.
			var markErr error
			if syncer.Retryable(err) {
				markErr = s.cache.MarkPending(ctx, cacheID)
			} else {
				markErr = s.cache.MarkFailed(ctx, cacheID, code)
			}
			if markErr != nil && !errors.Is(markErr, snapcache.ErrNotFound) {
				s.log.Warn().Err(markErr).Str("id", cacheID).Msg("cache mark failed")
			}
		}
		response := SyncResponse{
			Success:           false,
			ErrorCode:         code,
			ErrorMessage:      err.Error(),
			NeedsProvisioning: needsProvisioning,
		}
		if needsProvisioning {
			response.MissingRelations = store.RequiredRelations
		}
		return response
	}

	if s.cache != nil && snapshot.GroupID != "" {
		if markErr := s.cache.MarkSynced(ctx, cacheID); markErr != nil && !errors.Is(markErr, snapcache.ErrNotFound) {
			s.log.Warn().Err(markErr).Str("id", cacheID).Msg("cache mark synced")
		}
	}

	return SyncResponse{
		Success:              true,
		GroupID:              result.GroupID,
		DocumentsCount:       result.DocumentsCount,
		TextSectionsCount:    result.TextSectionsCount,
		AICommentaryCount:    result.AICommentaryCount,
		AnalysisResultsCount: result.AnalysisResultsCount,
	}
}

// RetryPending re-synchronizes every cached snapshot still marked pending
// for this tenant. Safe to call at any time: the idempotent upsert keys make
// replaying an already-committed snapshot a no-op.
func (s *Service) RetryPending(ctx context.Context, tc tenant.Context) (attempted, synced int, err error) {
	if s.cache == nil {
		return 0, 0, nil
	}
	ids, err := s.cache.ListPending(ctx)
	if err != nil {
		return 0, 0, err
	}
	prefix := cachePrefix(tc)
	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		item, err := s.cache.Get(ctx, id)
		if err != nil {
			continue
		}
		var snapshot syncer.AnalysisSnapshot
		if json.Unmarshal([]byte(item.Content), &snapshot) != nil {
			continue
		}
		// The prefix is ambiguous for tenant ids containing '_'; the decoded
		// payload is authoritative.
		if !tc.Owns(strings.TrimSpace(snapshot.TenantID)) {
			continue
		}
		attempted++
		if response := s.SubmitSnapshot(ctx, tc, snapshot); response.Success {
			synced++
		}
	}
	return attempted, synced, nil
}

func (s *Service) GetTenant(ctx context.Context, tc tenant.Context) (store.Tenant, error) {
	t, err := s.store.GetTenant(ctx, tc)
	if err != nil {
		return store.Tenant{}, s.translate(err)
	}
	return t, nil
}

func (s *Service) ListGroups(ctx context.Context, tc tenant.Context) ([]store.DocumentGroup, error) {
	items, err := s.store.ListGroups(ctx, tc)
	if err != nil {
		return nil, s.translate(err)
	}
	return items, nil
}

func (s *Service) GetGroup(ctx context.Context, tc tenant.Context, groupID string) (store.DocumentGroup, []store.Document, error) {
	group, err := s.store.GetGroup(ctx, tc, groupID)
	if err != nil {
		return store.DocumentGroup{}, nil, s.translate(err)
	}
	docs, err := s.store.ListGroupDocuments(ctx, tc, groupID)
	if err != nil {
		return store.DocumentGroup{}, nil, s.translate(err)
	}
	return group, docs, nil
}

func (s *Service) ListSyncRuns(ctx context.Context, tc tenant.Context, groupID string, limit int) ([]store.SyncRun, error) {
	items, err := s.store.ListSyncRuns(ctx, tc, groupID, limit)
	if err != nil {
		return nil, s.translate(err)
	}
	return items, nil
}

func (s *Service) DeleteGroup(ctx context.Context, tc tenant.Context, groupID string) error {
	if err := s.store.DeleteGroup(ctx, tc, groupID); err != nil {
		return s.translate(err)
	}
	return nil
}

// DeleteTenant cascades through everything the tenant owns and nothing
// else.
func (s *Service) DeleteTenant(ctx context.Context, tc tenant.Context) error {
	if err := s.store.DeleteTenant(ctx, tc); err != nil {
		return s.translate(err)
	}
	s.log.Info().Str("tenant", tc.TenantID()).Msg("tenant deleted")
	return nil
}

func (s *Service) CacheStats(ctx context.Context) (snapcache.Stats, error) {
	if s.cache == nil {
		return snapcache.Stats{}, nil
	}
	return s.cache.Stats(ctx)
}

// translate maps store-layer errors onto HTTP-facing domain errors.
func (s *Service) translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domainError(http.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
	var authErr *store.AuthorizationError
	if errors.As(err, &authErr) {
		return domainError(http.StatusForbidden, "AUTHORIZATION_ERROR", "tenant not authorized", nil)
	}
	var schemaErr *store.SchemaMissingError
	if errors.As(err, &schemaErr) {
		return domainError(http.StatusServiceUnavailable, "SCHEMA_MISSING", "store schema not provisioned", map[string]any{
			"missing":  schemaErr.Missing,
			"expected": store.RequiredRelations,
		})
	}
	var transientErr *store.TransientError
	if errors.As(err, &transientErr) {
		return domainError(http.StatusServiceUnavailable, "TRANSIENT_ERROR", "store temporarily unavailable", nil)
	}
	return err
}

func cachePrefix(tc tenant.Context) string {
	return "analysis_" + tc.TenantID() + "_"
}

func snapshotCacheID(tc tenant.Context, groupID string) string {
	return cachePrefix(tc) + groupID
}
