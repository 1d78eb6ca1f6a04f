package google_chat

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mr-karan/amdispatch/internal/metrics"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOpts() GoogleChatOpts {
	return GoogleChatOpts{
		Log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  metrics.New("test"),
		Endpoint: "http://",
		OrgID:    1,
		Template: "../../../static/message.tmpl",
		Timeout:  time.Second,
		DryRun:   true,
	}
}

func TestGoogleChatTemplate(t *testing.T) {
	chat, err := NewGoogleChat(testOpts())
	require.NoError(t, err)

	alert := alertmgrtmpl.Alert{
		Status: "firing",
		Labels: alertmgrtmpl.KV(map[string]string{
			"severity": "high", "alertname": "TestAlert",
		}),
		Annotations: alertmgrtmpl.KV(map[string]string{
			"team": "qa", "dryrun": "true",
		}),
	}

	expectedMessage := "*(HIGH) TestAlert - Firing*\nDryrun: true\nTeam: qa\n\n"

	msgs, err := chat.prepareMessage(alert)
	require.NoError(t, err)

	assert.Equal(t, "message.tmpl", filepath.Base(chat.msgTmpl.Name()), "Message template name")
	require.Len(t, msgs, 1)
	assert.Equal(t, expectedMessage, msgs[0].Text)
}

func TestNewGoogleChat(t *testing.T) {
	t.Run("endpoint is required", func(t *testing.T) {
		opts := testOpts()
		opts.Endpoint = ""
		opts.DryRun = false
		_, err := NewGoogleChat(opts)
		assert.Error(t, err)
	})

	t.Run("missing template", func(t *testing.T) {
		opts := testOpts()
		opts.Template = "does-not-exist.tmpl"
		_, err := NewGoogleChat(opts)
		assert.Error(t, err)
	})

	t.Run("identity", func(t *testing.T) {
		opts := testOpts()
		opts.OrgID = 42
		chat, err := NewGoogleChat(opts)
		require.NoError(t, err)
		assert.Equal(t, "google_chat", chat.ID())
		assert.Equal(t, int64(42), chat.OrgID())
		assert.False(t, chat.Ready())
	})
}

func TestSplitMessage(t *testing.T) {
	t.Run("short text is one chunk", func(t *testing.T) {
		assert.Equal(t, []string{"hello\n"}, splitMessage("hello\n", 10))
	})

	t.Run("splits on line boundaries", func(t *testing.T) {
		got := splitMessage("aaaa\nbbbb\ncccc\n", 10)
		assert.Equal(t, []string{"aaaa\nbbbb\n", "cccc\n"}, got)
	})

	t.Run("cuts lines longer than the limit", func(t *testing.T) {
		got := splitMessage(strings.Repeat("x", 25), 10)
		require.Len(t, got, 3)
		for _, c := range got {
			assert.LessOrEqual(t, len(c), 10)
		}
		assert.Equal(t, strings.Repeat("x", 25), strings.Join(got, ""))
	})
}

func TestPutAlerts(t *testing.T) {
	var (
		mu       sync.Mutex
		threads  []string
		messages []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var msg ChatMessage
		_ = json.NewDecoder(r.Body).Decode(&msg)

		mu.Lock()
		threads = append(threads, r.URL.Query().Get("threadKey"))
		messages = append(messages, msg.Text)
		mu.Unlock()
	}))
	defer srv.Close()

	opts := testOpts()
	opts.Endpoint = srv.URL + "/v1/spaces/abc/messages?key=k"
	opts.DryRun = false
	chat, err := NewGoogleChat(opts)
	require.NoError(t, err)

	t.Run("rejected before run", func(t *testing.T) {
		assert.ErrorIs(t, chat.PutAlerts(nil), ErrNotRunning)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go chat.Run(ctx, time.Hour)
	require.Eventually(t, chat.Ready, time.Second, 10*time.Millisecond)

	alert := alertmgrtmpl.Alert{
		Status:      "firing",
		Fingerprint: "fp-1",
		Labels:      alertmgrtmpl.KV{"alertname": "DiskFull", "severity": "critical"},
	}
	require.NoError(t, chat.PutAlerts([]alertmgrtmpl.Alert{alert}))

	alert.Status = "resolved"
	require.NoError(t, chat.PutAlerts([]alertmgrtmpl.Alert{alert}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(threads) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.NotEmpty(t, threads[0])
	assert.Equal(t, threads[0], threads[1], "updates of one alert share a thread")
	assert.Contains(t, messages[0], "DiskFull - Firing")
	assert.Contains(t, messages[1], "DiskFull - Resolved")
	mu.Unlock()

	// The resolved alert no longer owns a thread.
	require.Eventually(t, func() bool { return chat.activeAlerts.lookup("fp-1") == "" }, time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return !chat.Ready() }, time.Second, 10*time.Millisecond)
}

func TestPutAlertsQueueFull(t *testing.T) {
	opts := testOpts()
	opts.QueueCapacity = 1
	chat, err := NewGoogleChat(opts)
	require.NoError(t, err)

	// Pretend the worker is running without draining the queue.
	chat.running.Store(true)
	require.NoError(t, chat.PutAlerts(nil))
	assert.ErrorIs(t, chat.PutAlerts(nil), ErrQueueFull)
}

func TestActiveAlerts(t *testing.T) {
	a := newActiveAlerts()
	now := time.Now()

	k1, err := a.threadKey("old", now.Add(-2*time.Hour))
	require.NoError(t, err)
	k2, err := a.threadKey("old", now)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = a.threadKey("new", now)
	require.NoError(t, err)
	assert.Equal(t, 2, a.count())

	assert.Equal(t, 1, a.prune(time.Hour, now))
	assert.Empty(t, a.lookup("old"))
	assert.NotEmpty(t, a.lookup("new"))

	a.remove("new")
	assert.Equal(t, 0, a.count())
}
