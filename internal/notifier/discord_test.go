package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/transfer"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var payload map[string]string
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload)) {
			return
		}

		mu.Lock()
		received = append(received, payload["content"])
		mu.Unlock()

		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewDiscordNotifier(srv.URL)
	require.NoError(t, n.Notify(context.Background(), "hello"))

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, []string{"hello"}, received)
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")

	err = (&DiscordNotifier{}).Notify(context.Background(), "x")
	assert.EqualError(t, err, "webhook URL is not set")
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name   string
		ev     events.Event
		want   string
		wantOK bool
	}{
		{
			name:   "completed",
			ev:     events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusCompleted, TotalBytes: 2048},
			want:   "✅ Download finished for artifact: phi (2.0 KiB)",
			wantOK: true,
		},
		{
			name:   "failed",
			ev:     events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusFailed, Error: "connection reset"},
			want:   "❌ Download failed for artifact: phi: connection reset",
			wantOK: true,
		},
		{
			name:   "cancelled",
			ev:     events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusCancelled},
			want:   "🛑 Download cancelled for artifact: phi",
			wantOK: true,
		},
		{
			name: "progress",
			ev:   events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusDownloading},
		},
		{
			name: "paused",
			ev:   events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusPaused},
		},
		{
			name: "corrupted status is covered by the corruption event",
			ev:   events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusCorrupted},
		},
		{
			name: "verification progress",
			ev:   events.VerificationProgress{ArtifactID: "phi", Percentage: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Message(tt.ev)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	got, ok := Message(events.Corruption{ArtifactID: "phi", QuarantinePath: "/q/phi.corrupted", ExpectedHash: "aa", ActualHash: "bb"})
	require.True(t, ok)
	assert.Contains(t, got, "/q/phi.corrupted")
	assert.Contains(t, got, "expected aa, got bb")
}

type recordingNotifier struct {
	messages []string
}

func (r *recordingNotifier) Notify(_ context.Context, content string) error {
	r.messages = append(r.messages, content)

	return nil
}

func TestEventHandler(t *testing.T) {
	rec := &recordingNotifier{}
	handle := EventHandler(rec)

	handle(context.Background(), events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusDownloading})
	handle(context.Background(), events.DownloadEvent{ArtifactID: "phi", Status: transfer.StatusVerified, TotalBytes: 1})

	require.Len(t, rec.messages, 1)
	assert.Contains(t, rec.messages[0], "verified")
}
