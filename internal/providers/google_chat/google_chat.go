package google_chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-karan/amdispatch/internal/httpclient"
	"github.com/mr-karan/amdispatch/internal/metrics"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
	"github.com/prometheus/common/model"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/time/rate"
)

var (
	ErrQueueFull  = errors.New("google chat queue is full")
	ErrNotRunning = errors.New("google chat provider is not running")
)

const (
	defaultQueueCapacity = 128
	defaultPruneInterval = time.Hour
)

type GoogleChatManager struct {
	lo           *slog.Logger
	metrics      *metrics.Manager
	activeAlerts *ActiveAlerts
	endpoint     string
	orgID        int64
	client       *retryablehttp.Client
	msgTmpl      *template.Template
	limiter      *rate.Limiter
	queue        chan []alertmgrtmpl.Alert
	ttl          time.Duration
	dryRun       bool
	running      atomic.Bool
}

type GoogleChatOpts struct {
	Log             *slog.Logger
	Metrics         *metrics.Manager
	MaxIdleConn     int
	Timeout         time.Duration
	MaxRetries      int
	ProxyURL        string
	Endpoint        string
	OrgID           int64
	Template        string
	ActiveAlertsTTL time.Duration
	// RatePerSec caps messages posted to the space. Google Chat allows
	// roughly one message per second per space.
	RatePerSec    float64
	QueueCapacity int
	DryRun        bool
}

// NewGoogleChat initializes a Google Chat provider object.
func NewGoogleChat(opts GoogleChatOpts) (*GoogleChatManager, error) {
	if opts.Endpoint == "" && !opts.DryRun {
		return nil, errors.New("google_chat provider misconfigured. Missing required value: `endpoint`")
	}

	client, err := httpclient.New(httpclient.Opts{
		Log:         opts.Log,
		Timeout:     opts.Timeout,
		MaxRetries:  opts.MaxRetries,
		MaxIdleConn: opts.MaxIdleConn,
		ProxyURL:    opts.ProxyURL,
	})
	if err != nil {
		return nil, err
	}

	// Initialise message template functions.
	templateFuncMap := template.FuncMap{
		"Title": func(s string) string {
			return cases.Title(language.English).String(s)
		},
		"toUpper":  strings.ToUpper,
		"Contains": strings.Contains,
	}

	// Load the template.
	tmpl, err := template.New("message.tmpl").Funcs(templateFuncMap).ParseFiles(opts.Template)
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}

	return &GoogleChatManager{
		lo:           opts.Log.With("provider", "google_chat", "org", opts.OrgID),
		metrics:      opts.Metrics,
		client:       client,
		endpoint:     opts.Endpoint,
		orgID:        opts.OrgID,
		activeAlerts: newActiveAlerts(),
		msgTmpl:      tmpl,
		limiter:      rate.NewLimiter(limit, 1),
		queue:        make(chan []alertmgrtmpl.Alert, opts.QueueCapacity),
		ttl:          opts.ActiveAlertsTTL,
		dryRun:       opts.DryRun,
	}, nil
}

// Run processes queued alerts and prunes expired active alerts until ctx
// is cancelled. This is a blocking function so the caller must invoke it
// as a goroutine.
func (m *GoogleChatManager) Run(ctx context.Context, pruneInterval time.Duration) {
	if pruneInterval <= 0 {
		pruneInterval = defaultPruneInterval
	}
	evalTicker := time.NewTicker(pruneInterval)
	defer evalTicker.Stop()

	m.running.Store(true)
	defer m.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-evalTicker.C:
			if m.ttl > 0 {
				n := m.activeAlerts.prune(m.ttl, time.Now())
				m.lo.Debug("pruned active alerts based on ttl", "count", n)
			}
		case alerts := <-m.queue:
			m.push(ctx, alerts)
		}
	}
}

// PutAlerts queues the alerts for the worker started by Run.
func (m *GoogleChatManager) PutAlerts(alerts []alertmgrtmpl.Alert) error {
	if !m.running.Load() {
		return ErrNotRunning
	}

	select {
	case m.queue <- alerts:
		return nil
	default:
		m.metrics.Increment(metrics.Label("local_batches_dropped_total", "provider", "google_chat"))
		return ErrQueueFull
	}
}

// push dispatches every alert of the batch to the webhook endpoint.
func (m *GoogleChatManager) push(ctx context.Context, alerts []alertmgrtmpl.Alert) {
	m.lo.Info("dispatching alerts to google chat", "count", len(alerts))

	// For each alert, lookup the thread key and send the alert.
	for _, a := range alerts {
		threadKey, err := m.activeAlerts.threadKey(a.Fingerprint, a.StartsAt)
		if err != nil {
			m.lo.Error("error creating thread key", "err", err)
			continue
		}

		// Prepare a list of messages to send.
		msgs, err := m.prepareMessage(a)
		if err != nil {
			m.lo.Error("error preparing message", "err", err)
			continue
		}

		// Dispatch an HTTP request for each message.
		for _, msg := range msgs {
			if err := m.limiter.Wait(ctx); err != nil {
				return
			}
			if err := m.sendMessage(ctx, msg, threadKey); err != nil {
				m.lo.Error("error sending message", "err", err)
				m.metrics.Increment(metrics.Label("local_messages_total", "provider", "google_chat", "status", "error"))
				continue
			}
			m.metrics.Increment(metrics.Label("local_messages_total", "provider", "google_chat", "status", "success"))
		}

		// The next firing of the same labels starts a new thread.
		if a.Status == string(model.AlertResolved) {
			m.activeAlerts.remove(a.Fingerprint)
		}
	}
}

// ID returns the provider name.
func (m *GoogleChatManager) ID() string {
	return "google_chat"
}

// OrgID returns the organization for which this provider is configured.
func (m *GoogleChatManager) OrgID() int64 {
	return m.orgID
}

// Ready is true while Run is active.
func (m *GoogleChatManager) Ready() bool {
	return m.running.Load()
}
