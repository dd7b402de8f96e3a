package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/artifactd/internal/downloader"
	"github.com/italolelis/artifactd/internal/storage"
)

type artifactResponse struct {
	ArtifactID   string `json:"artifact_id"`
	Complete     bool   `json:"complete"`
	Path         string `json:"path,omitempty"`
	PartialBytes int64  `json:"partial_bytes"`
}

type verifyRequest struct {
	ExpectedHash string `json:"expected_hash"`
}

type checksumResponse struct {
	ArtifactID string `json:"artifact_id"`
	SHA256     string `json:"sha256"`
}

// HandleArtifact reports the finished file path and the partial length of an
// artifact.
func (h *ArtifactHandler) HandleArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	path, complete := h.downloads.ArtifactPath(artifactID)
	partial, hasPartial := h.downloads.PartialSize(artifactID)

	if !complete && !hasPartial {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "artifact not found"})

		return
	}

	writeJSON(w, r, http.StatusOK, artifactResponse{
		ArtifactID:   artifactID,
		Complete:     complete,
		Path:         path,
		PartialBytes: partial,
	})
}

func (h *ArtifactHandler) HandleDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.DeleteArtifact(r.Context(), chi.URLParam(r, "artifactID")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleVerify re-hashes a finished artifact. A mismatch is a 200 with
// verified=false.
func (h *ArtifactHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.ExpectedHash) == "" {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "expected_hash is required"})

		return
	}

	res, err := h.downloads.VerifyArtifact(r.Context(), chi.URLParam(r, "artifactID"), req.ExpectedHash)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, res)
}

func (h *ArtifactHandler) HandleChecksum(w http.ResponseWriter, r *http.Request) {
	artifactID := chi.URLParam(r, "artifactID")

	sum, err := h.downloads.ComputeArtifactChecksum(r.Context(), artifactID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, checksumResponse{ArtifactID: artifactID, SHA256: sum})
}

func (h *ArtifactHandler) HandleListQuarantine(w http.ResponseWriter, r *http.Request) {
	entries, err := h.quarantine.List(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, entries)
}

func (h *ArtifactHandler) HandleDeleteQuarantine(w http.ResponseWriter, r *http.Request) {
	if err := h.quarantine.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleStorage checks free space against ?required_mb=N.
func (h *ArtifactHandler) HandleStorage(w http.ResponseWriter, r *http.Request) {
	requiredMB, err := strconv.ParseUint(r.URL.Query().Get("required_mb"), 10, 64)
	if err != nil {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "required_mb must be a non-negative integer"})

		return
	}

	res, err := h.checkStorage(requiredMB)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, res)
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// HandleHistory lists recorded outcomes, newest first. ?artifact_id narrows
// the list to one artifact.
func (h *ArtifactHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, r, http.StatusNotFound, errorResponse{Error: "history is disabled"})

		return
	}

	limit := defaultHistoryLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})

			return
		}

		limit = min(n, maxHistoryLimit)
	}

	var (
		records []storage.HistoryRecord
		err     error
	)

	if artifactID := r.URL.Query().Get("artifact_id"); artifactID != "" {
		records, err = h.history.GetArtifactHistory(r.Context(), artifactID, limit)
	} else {
		records, err = h.history.GetHistory(r.Context(), limit)
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, records)
}

var _ Downloads = (*downloader.Downloader)(nil)
