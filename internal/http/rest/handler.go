package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/artifactd/internal/diskspace"
	"github.com/italolelis/artifactd/internal/downloader"
	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/storage"
	"github.com/italolelis/artifactd/internal/transfer"
)

// Downloads is the orchestrator surface served over HTTP.
type Downloads interface {
	Start(ctx context.Context, req downloader.StartRequest) (string, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) (string, error)
	Cancel(ctx context.Context, id string) error
	Query(id string) (downloader.Snapshot, error)
	List() []downloader.Snapshot

	DeleteArtifact(ctx context.Context, artifactID string) error
	VerifyArtifact(ctx context.Context, artifactID, expected string) (integrity.Result, error)
	ComputeArtifactChecksum(ctx context.Context, artifactID string) (string, error)
	ArtifactPath(artifactID string) (string, bool)
	PartialSize(artifactID string) (int64, bool)
}

type QuarantineStore interface {
	List(ctx context.Context) ([]quarantine.Entry, error)
	Delete(ctx context.Context, id string) error
}

// StorageCheckFunc reports free space against a requirement in MiB.
type StorageCheckFunc func(requiredMB uint64) (diskspace.Result, error)

type ArtifactHandler struct {
	username     string
	password     string
	downloads    Downloads
	quarantine   QuarantineStore
	history      storage.HistoryReadRepository
	bus          *events.Bus
	checkStorage StorageCheckFunc
}

type Option func(*ArtifactHandler)

// WithStorageCheck replaces diskspace.Check.
func WithStorageCheck(fn StorageCheckFunc) Option {
	return func(h *ArtifactHandler) {
		h.checkStorage = fn
	}
}

// NewArtifactHandler creates the REST handler. An empty username disables
// basic auth; a nil history or bus disables the matching routes.
func NewArtifactHandler(
	username, password string,
	downloads Downloads,
	quarantine QuarantineStore,
	history storage.HistoryReadRepository,
	bus *events.Bus,
	opts ...Option,
) *ArtifactHandler {
	h := &ArtifactHandler{
		username:     username,
		password:     password,
		downloads:    downloads,
		quarantine:   quarantine,
		history:      history,
		bus:          bus,
		checkStorage: diskspace.Check,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

func (h *ArtifactHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Route("/downloads", func(r chi.Router) {
		r.Post("/", h.HandleStart)
		r.Get("/", h.HandleList)
		r.Get("/{id}", h.HandleQuery)
		r.Delete("/{id}", h.HandleCancel)
		r.Post("/{id}/pause", h.HandlePause)
		r.Post("/{id}/resume", h.HandleResume)
	})

	r.Route("/artifacts/{artifactID}", func(r chi.Router) {
		r.Get("/", h.HandleArtifact)
		r.Delete("/", h.HandleDeleteArtifact)
		r.Post("/verify", h.HandleVerify)
		r.Get("/checksum", h.HandleChecksum)
	})

	r.Get("/quarantine", h.HandleListQuarantine)
	r.Delete("/quarantine/{id}", h.HandleDeleteQuarantine)

	r.Get("/storage", h.HandleStorage)
	r.Get("/history", h.HandleHistory)
	r.Get("/events", h.HandleEvents)

	return r
}

func (h *ArtifactHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			w.Header().Set("WWW-Authenticate", `Basic realm="artifactd"`)
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("failed to handle request", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error()})
}

func errorStatus(err error) int {
	var (
		protocolErr *transfer.ProtocolError
		networkErr  *transfer.NetworkError
	)

	switch {
	case errors.Is(err, downloader.ErrNotFound),
		errors.Is(err, quarantine.ErrNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, integrity.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrInvalidArtifactID),
		errors.Is(err, quarantine.ErrInvalidID):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrNotPaused),
		errors.Is(err, downloader.ErrNotActive),
		errors.Is(err, downloader.ErrArtifactBusy):
		return http.StatusConflict
	case errors.Is(err, downloader.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &protocolErr), errors.As(err, &networkErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
