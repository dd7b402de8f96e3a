package rest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/artifactd/internal/downloader"
	"github.com/italolelis/artifactd/internal/logctx"
)

type downloadIDResponse struct {
	ID string `json:"id"`
}

// HandleStart starts a download and answers with its id.
func (h *ArtifactHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req downloader.StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "invalid request body"})

		return
	}

	if strings.TrimSpace(req.URL) == "" {
		writeJSON(w, r, http.StatusBadRequest, errorResponse{Error: "url is required"})

		return
	}

	id, err := h.downloads.Start(r.Context(), req)
	if err != nil {
		writeError(w, r, err)

		return
	}

	w.Header().Set("Location", "/downloads/"+id)
	writeJSON(w, r, http.StatusCreated, downloadIDResponse{ID: id})
}

func (h *ArtifactHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.downloads.List())
}

func (h *ArtifactHandler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	snap, err := h.downloads.Query(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, snap)
}

func (h *ArtifactHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleResume answers with the id of the new download.
func (h *ArtifactHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	id, err := h.downloads.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	w.Header().Set("Location", "/downloads/"+id)
	writeJSON(w, r, http.StatusOK, downloadIDResponse{ID: id})
}

func (h *ArtifactHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if err := h.downloads.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
