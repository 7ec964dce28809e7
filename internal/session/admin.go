// Package session implements the thin HTTP admin surface around the
// coordinator core: invite-code issuance/resolution and model deletion,
// generalized from the teacher's services/invite_service.go and
// services/admin_service.go (room-scoped invite links, admin-only
// destructive actions) to this server's model/session vocabulary.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rectcircle/convergence-server/internal/coordinator"
	"github.com/rectcircle/convergence-server/internal/storage"
	"github.com/rectcircle/convergence-server/internal/storage/rediscache"
	"github.com/rectcircle/convergence-server/internal/storage/s3archive"
)

// AdminHandlers wires invite issuance, model deletion, and on-demand cold
// archival, the "supplemented features" of SPEC_FULL.md that sit outside
// the coordinator's own message protocol. archive is nil when no S3 bucket
// is configured; ArchiveModel reports 503 in that case rather than the
// server refusing to start over an optional feature.
type AdminHandlers struct {
	cache       *rediscache.Cache
	registry    *coordinator.Registry
	persistence storage.Persistence
	archive     *s3archive.Archive
}

func NewAdminHandlers(cache *rediscache.Cache, registry *coordinator.Registry, persistence storage.Persistence, archive *s3archive.Archive) *AdminHandlers {
	return &AdminHandlers{cache: cache, registry: registry, persistence: persistence, archive: archive}
}

// ArchiveModel copies a model's latest snapshot into S3 cold storage, for
// deployments that want history retained past what Postgres keeps online —
// the supplemented generalization of the teacher's storage/s3.go
// SaveCanvasState stub, invoked here as an explicit maintenance action
// rather than on every write.
func (h *AdminHandlers) ArchiveModel(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		http.Error(w, "S3 archival not configured", http.StatusServiceUnavailable)
		return
	}
	modelID := r.URL.Query().Get("modelId")
	if modelID == "" {
		http.Error(w, "modelId required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	loaded, err := h.persistence.LoadModel(ctx, modelID)
	if err != nil {
		http.Error(w, "failed to load model", http.StatusInternalServerError)
		return
	}
	if loaded == nil {
		http.Error(w, "model not found", http.StatusNotFound)
		return
	}
	snap := storage.Snapshot{
		ModelID:   modelID,
		Version:   loaded.LatestSnapshotVersion,
		Timestamp: loaded.Meta.ModifiedAt,
		Root:      loaded.Root,
	}
	if err := h.archive.Put(ctx, snap); err != nil {
		http.Error(w, "failed to archive snapshot", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ModelID string `json:"modelId"`
		Version uint64 `json:"version"`
	}{modelID, snap.Version})
}

// generateInviteCode mirrors the teacher's GenerateInviteCode: 8 random
// bytes, hex-encoded.
func generateInviteCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// CreateInvite issues a time-boxed code resolving to a modelId, the
// generalization of the teacher's room invite link.
func (h *AdminHandlers) CreateInvite(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ModelID   string `json:"modelId"`
		ExpiresIn string `json:"expiresIn"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request body", http.StatusBadRequest)
		return
	}
	if body.ModelID == "" {
		http.Error(w, "modelId required", http.StatusBadRequest)
		return
	}
	ttl := 24 * time.Hour
	if body.ExpiresIn != "" {
		d, err := time.ParseDuration(body.ExpiresIn)
		if err != nil {
			http.Error(w, "invalid expiresIn", http.StatusBadRequest)
			return
		}
		ttl = d
	}

	code, err := generateInviteCode()
	if err != nil {
		http.Error(w, "failed to generate invite code", http.StatusInternalServerError)
		return
	}
	if err := h.cache.RegisterInvite(r.Context(), code, body.ModelID, ttl); err != nil {
		http.Error(w, "failed to store invite", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Code string `json:"code"`
	}{code})
}

// ResolveInvite looks an invite code back up to its modelId, the step a
// joining client performs before it opens a websocket connection.
func (h *AdminHandlers) ResolveInvite(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		http.Error(w, "code required", http.StatusBadRequest)
		return
	}
	modelID, ok, err := h.cache.ResolveInvite(r.Context(), code)
	if err != nil {
		http.Error(w, "failed to resolve invite", http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, "invalid or expired invite code", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		ModelID string `json:"modelId"`
	}{modelID})
}

// DeleteModel removes a model's storage record and notifies any live
// coordinator for it via ModelDeleted, per spec.md section 7's lifecycle
// error taxonomy ("ModelDeleted during lifetime").
func (h *AdminHandlers) DeleteModel(w http.ResponseWriter, r *http.Request) {
	modelID := r.URL.Query().Get("modelId")
	if modelID == "" {
		http.Error(w, "modelId required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := h.persistence.DeleteModel(ctx, modelID); err != nil {
		if err == storage.ErrNotFound {
			http.Error(w, "model not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete model", http.StatusInternalServerError)
		return
	}
	h.registry.Dispatch(modelID, coordinator.ModelDeleted{})
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
