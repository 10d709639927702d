package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/kozaktomas/rollcall/internal/policy"
	"github.com/kozaktomas/rollcall/internal/registry"
	"go.uber.org/zap"
)

// Registry is the identity registry surface the handlers need.
type Registry interface {
	Current(ctx context.Context) (*registry.Snapshot, bool, error)
	Load(ctx context.Context) (*registry.Snapshot, error)
	Invalidate(ctx context.Context) error
	Stats() registry.Stats
}

// RegistryHandler serves registry management and inspection endpoints.
type RegistryHandler struct {
	registry   Registry
	thresholds policy.Thresholds
	log        *zap.Logger
}

// NewRegistryHandler creates a registry handler.
func NewRegistryHandler(reg Registry, thresholds policy.Thresholds, logger *zap.Logger) *RegistryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryHandler{
		registry:   reg,
		thresholds: thresholds,
		log:        logger.Named("http"),
	}
}

// ReloadResponse is returned after a forced reload.
type ReloadResponse struct {
	Identities int       `json:"identities"`
	Embeddings int       `json:"embeddings"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// HealthResponse reports service readiness.
type HealthResponse struct {
	Status          string  `json:"status"`
	Identities      int     `json:"identities"`
	CacheAgeSeconds float64 `json:"cache_age_seconds"`
}

// StatsResponse combines registry state and the active decision thresholds.
type StatsResponse struct {
	Registry   registry.Stats    `json:"registry"`
	Thresholds policy.Thresholds `json:"thresholds"`
}

// IdentityResponse is one identity in a name search result.
type IdentityResponse struct {
	ID          string    `json:"identity_id"`
	DisplayName string    `json:"display_name"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Embeddings  int       `json:"embeddings"`
	EnrolledAt  time.Time `json:"enrolled_at,omitzero"`
}

// ReloadCache invalidates the registry and loads a fresh snapshot synchronously.
func (h *RegistryHandler) ReloadCache(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Invalidate(r.Context()); err != nil {
		// The local snapshot is invalidated regardless; only the second-level purge failed.
		h.log.Warn("purging identity cache failed", zap.Error(err))
	}

	snap, err := h.registry.Load(r.Context())
	if err != nil {
		h.log.Error("reloading identities failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "identity registry unavailable")
		return
	}

	respondJSON(w, http.StatusOK, ReloadResponse{
		Identities: snap.Len(),
		Embeddings: snap.EmbeddingCount(),
		LoadedAt:   snap.LoadedAt,
	})
}

// Health reports whether a snapshot has ever been loaded.
func (h *RegistryHandler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.registry.Stats()
	if !stats.Loaded {
		respondJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
		return
	}
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		Identities:      stats.Identities,
		CacheAgeSeconds: stats.AgeSeconds,
	})
}

// Stats returns registry statistics and thresholds.
func (h *RegistryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, StatsResponse{
		Registry:   h.registry.Stats(),
		Thresholds: h.thresholds,
	})
}

// Identities searches the current snapshot by display name. An empty query lists everyone.
func (h *RegistryHandler) Identities(w http.ResponseWriter, r *http.Request) {
	snap, _, err := h.registry.Current(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "identity registry unavailable")
		return
	}

	var found []*registry.Identity
	if name := r.URL.Query().Get("name"); name != "" {
		found = snap.FindByName(name)
	} else {
		found = snap.Identities()
	}

	result := make([]IdentityResponse, 0, len(found))
	for _, ident := range found {
		result = append(result, IdentityResponse{
			ID:          ident.ID,
			DisplayName: ident.DisplayName,
			ExternalRef: ident.ExternalRef,
			Embeddings:  len(ident.Embeddings),
			EnrolledAt:  ident.EnrolledAt,
		})
	}
	respondJSON(w, http.StatusOK, result)
}
