package downloader

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/registry"
	"github.com/italolelis/artifactd/internal/transfer"
)

const companionBody = `{"model":"tokenizer"}`

// artifactServer serves one artifact at /model.gguf and its companion at
// /tokenizer.json, with switches for the failure modes under test.
type artifactServer struct {
	*httptest.Server

	content []byte
	release chan struct{}

	mu     sync.Mutex
	ranges []string

	companionGets atomic.Int32
	stallAt       atomic.Int64
	truncateAt    atomic.Int64
	ignoreRange   atomic.Bool
	noLength      atomic.Bool
}

func newArtifactServer(t *testing.T, content []byte) *artifactServer {
	t.Helper()

	s := &artifactServer{content: content, release: make(chan struct{})}
	s.Server = httptest.NewServer(s)

	t.Cleanup(s.Close)
	t.Cleanup(func() { close(s.release) })

	return s
}

func (s *artifactServer) ArtifactURL() string  { return s.URL + "/model.gguf" }
func (s *artifactServer) CompanionURL() string { return s.URL + "/tokenizer.json" }

func (s *artifactServer) Ranges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.ranges...)
}

func (s *artifactServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/tokenizer.json" {
		s.companionGets.Add(1)
		_, _ = w.Write([]byte(companionBody))

		return
	}

	total := int64(len(s.content))

	if r.Method == http.MethodHead {
		if !s.noLength.Load() {
			w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
			w.Header().Set("Accept-Ranges", "bytes")
		}

		w.WriteHeader(http.StatusOK)

		return
	}

	rng := r.Header.Get("Range")

	s.mu.Lock()
	s.ranges = append(s.ranges, rng)
	s.mu.Unlock()

	var start int64

	switch {
	case rng == "" || s.ignoreRange.Load():
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
		w.WriteHeader(http.StatusOK)
	default:
		start, _ = strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", strconv.FormatInt(total-start, 10))
		w.WriteHeader(http.StatusPartialContent)
	}

	body := s.content[start:]

	if stall := s.stallAt.Load(); stall > start {
		_, _ = w.Write(body[:stall-start])
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
		case <-s.release:
		}

		return
	}

	if trunc := s.truncateAt.Load(); trunc > start {
		// Returning short of Content-Length drops the connection.
		_, _ = w.Write(body[:trunc-start])

		return
	}

	_, _ = w.Write(body)
}

// recorder is an events.Publisher that keeps everything it receives.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, ev)
}

func (r *recorder) All() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]events.Event(nil), r.events...)
}

// Downloads returns the download events of id in publish order.
func (r *recorder) Downloads(id string) []events.DownloadEvent {
	var out []events.DownloadEvent

	for _, ev := range r.All() {
		if de, ok := ev.(events.DownloadEvent); ok && de.ID == id {
			out = append(out, de)
		}
	}

	return out
}

func (r *recorder) Terminals(id string) []events.DownloadEvent {
	var out []events.DownloadEvent

	for _, de := range r.Downloads(id) {
		if de.Terminal() {
			out = append(out, de)
		}
	}

	return out
}

func (r *recorder) WaitStatus(t *testing.T, id string, status transfer.Status) events.DownloadEvent {
	t.Helper()

	var found events.DownloadEvent

	require.Eventually(t, func() bool {
		for _, de := range r.Downloads(id) {
			if de.Status == status {
				found = de

				return true
			}
		}

		return false
	}, 5*time.Second, 5*time.Millisecond, "no %s event for %s", status, id)

	return found
}

// gatedPublisher records like recorder but holds the transfer task inside
// the first verification progress event until open is called.
type gatedPublisher struct {
	*recorder

	reached chan struct{}
	gate    chan struct{}

	holdOnce sync.Once
	openOnce sync.Once
}

func newGatedPublisher(t *testing.T, rec *recorder) *gatedPublisher {
	t.Helper()

	g := &gatedPublisher{
		recorder: rec,
		reached:  make(chan struct{}),
		gate:     make(chan struct{}),
	}

	t.Cleanup(g.open)

	return g
}

func (g *gatedPublisher) Publish(ctx context.Context, ev events.Event) {
	g.recorder.Publish(ctx, ev)

	if _, ok := ev.(events.VerificationProgress); ok {
		g.holdOnce.Do(func() {
			close(g.reached)
			<-g.gate
		})
	}
}

func (g *gatedPublisher) open() {
	g.openOnce.Do(func() { close(g.gate) })
}

func (g *gatedPublisher) waitReached(t *testing.T) {
	t.Helper()

	select {
	case <-g.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("verification never reported progress")
	}
}

type fixtureOptions struct {
	verifier  *integrity.Verifier
	publisher func(*recorder) events.Publisher
}

type fixtureOption func(*fixtureOptions)

func withVerifier(v *integrity.Verifier) fixtureOption {
	return func(o *fixtureOptions) { o.verifier = v }
}

func withPublisher(fn func(*recorder) events.Publisher) fixtureOption {
	return func(o *fixtureOptions) { o.publisher = fn }
}

type fixture struct {
	d        *Downloader
	reg      *registry.Registry
	events   *recorder
	root     string
	models   string
	quarDir  string
	server   *artifactServer
	content  []byte
	checksum string
}

func newFixture(t *testing.T, size int, opts ...fixtureOption) *fixture {
	t.Helper()

	o := fixtureOptions{
		verifier:  integrity.NewVerifier(),
		publisher: func(r *recorder) events.Publisher { return r },
	}

	for _, opt := range opts {
		opt(&o)
	}

	content := make([]byte, size)
	_, err := rand.Read(content)
	require.NoError(t, err)

	sum := sha256.Sum256(content)

	root := t.TempDir()
	f := &fixture{
		reg:      registry.New(),
		events:   &recorder{},
		root:     root,
		models:   filepath.Join(root, "models"),
		quarDir:  filepath.Join(root, "quarantine"),
		server:   newArtifactServer(t, content),
		content:  content,
		checksum: hex.EncodeToString(sum[:]),
	}

	f.d = NewDownloader(
		Config{
			ModelsDir:         f.models,
			MainFileName:      "model.gguf",
			CompanionFileName: "tokenizer.json",
			ProgressInterval:  time.Millisecond,
			ChunkSize:         1024,
		},
		transfer.NewHTTPClient(transfer.DefaultHTTPOptions()),
		f.reg,
		o.verifier,
		quarantine.New(f.quarDir),
		o.publisher(f.events),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = f.d.Close(ctx)
	})

	return f
}

func (f *fixture) request(hash string) StartRequest {
	return StartRequest{
		ArtifactID:   "phi-3-mini",
		URL:          f.server.ArtifactURL(),
		CompanionURL: f.server.CompanionURL(),
		ExpectedHash: hash,
	}
}

func (f *fixture) finalPath() string {
	return filepath.Join(f.models, "phi-3-mini", "model.gguf")
}

func (f *fixture) partialPath() string {
	return f.finalPath() + PartialSuffix
}
