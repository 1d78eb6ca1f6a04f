// Package sender pushes alerts of one organization to its external
// Alertmanagers. A Sender owns a bounded queue and a single worker; callers
// only ever enqueue.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mr-karan/amdispatch/internal/httpclient"
	"github.com/mr-karan/amdispatch/internal/metrics"
	"github.com/mr-karan/amdispatch/internal/models"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueCapacity    = 256
	defaultTimeout          = 10 * time.Second
	defaultMaxRetries       = 3
	defaultFailureThreshold = 3
	userAgent               = "amdispatch"
)

// Sender delivers alerts to the Alertmanagers of a single organization.
type Sender struct {
	id      uuid.UUID
	orgID   int64
	lo      *slog.Logger
	metrics *metrics.Manager
	client  *retryablehttp.Client
	timeout time.Duration

	failureThreshold int

	// mu guards destinations and their health.
	mu           sync.RWMutex
	destinations []*destination

	// qmu guards the queue against a concurrent close in Stop.
	qmu     sync.RWMutex
	queue   chan []alertmgrtmpl.Alert
	started bool
	stopped bool
	done    chan struct{}
}

// Opts configures a Sender. Zero durations and sizes fall back to defaults,
// a negative MaxRetries does too.
type Opts struct {
	OrgID   int64
	Log     *slog.Logger
	Metrics *metrics.Manager

	Timeout          time.Duration
	MaxRetries       int
	QueueCapacity    int
	FailureThreshold int

	// Client overrides the HTTP client built from Timeout and MaxRetries.
	Client *retryablehttp.Client
}

// New initialises a stopped Sender with no destinations.
func New(opts Opts) (*Sender, error) {
	if opts.Log == nil {
		return nil, errors.New("sender: logger is required")
	}
	if opts.Metrics == nil {
		return nil, errors.New("sender: metrics manager is required")
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("error generating sender id: %w", err)
	}

	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = defaultQueueCapacity
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = defaultFailureThreshold
	}

	lo := opts.Log.With("org", opts.OrgID, "sender", id.String())
	client := opts.Client
	if client == nil {
		client, err = httpclient.New(httpclient.Opts{
			Log:        lo,
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
		})
		if err != nil {
			return nil, err
		}
	}

	return &Sender{
		id:               id,
		orgID:            opts.OrgID,
		lo:               lo,
		metrics:          opts.Metrics,
		client:           client,
		timeout:          opts.Timeout * time.Duration(opts.MaxRetries+1),
		failureThreshold: opts.FailureThreshold,
		queue:            make(chan []alertmgrtmpl.Alert, opts.QueueCapacity),
		done:             make(chan struct{}),
	}, nil
}

// ID returns the unique id of this sender instance.
func (s *Sender) ID() string {
	return s.id.String()
}

// Start launches the delivery worker. It doesn't block and only has an
// effect the first time it's called on a sender that isn't stopped.
func (s *Sender) Start() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	go s.worker()
	s.lo.Debug("sender started")
}

// ApplyConfig replaces the set of Alertmanagers. It's safe to call while the
// sender is running. If any URL can't be parsed the whole configuration is
// rejected and the previous one stays in place.
func (s *Sender) ApplyConfig(cfg *models.AdminConfiguration) error {
	if cfg == nil {
		return errors.New("sender: configuration is required")
	}

	next := make([]*destination, 0, len(cfg.Alertmanagers))
	for _, raw := range cfg.Alertmanagers {
		d, err := parseDestination(raw)
		if err != nil {
			return err
		}
		if d.invalid {
			s.lo.Warn("alertmanager url is not usable, dropping it", "url", d.display.Redacted())
		}
		next = append(next, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Keep health of destinations that survive the re-apply.
	prev := make(map[string]*destination, len(s.destinations))
	for _, d := range s.destinations {
		prev[d.raw] = d
	}
	for _, d := range next {
		if old, ok := prev[d.raw]; ok {
			d.failures = old.failures
		}
	}
	s.destinations = next

	s.lo.Info("applied alertmanagers configuration", "count", len(next))
	return nil
}

// SendAlerts enqueues a batch of alerts. It never blocks: if the queue is
// full or the sender is stopped the batch is dropped.
func (s *Sender) SendAlerts(alerts []alertmgrtmpl.Alert) {
	if len(alerts) == 0 {
		return
	}

	s.qmu.RLock()
	defer s.qmu.RUnlock()

	if s.stopped {
		s.lo.Warn("sender is stopped, dropping alerts", "count", len(alerts))
		s.metrics.Increment(metrics.Label("sender_batches_dropped_total", "reason", "stopped"))
		return
	}

	select {
	case s.queue <- alerts:
	default:
		s.lo.Warn("sender queue is full, dropping alerts", "count", len(alerts))
		s.metrics.Increment(metrics.Label("sender_batches_dropped_total", "reason", "queue_full"))
	}
}

// Stop stops accepting alerts, delivers what is already queued and waits
// for the worker to exit. Calling it more than once is a no-op.
func (s *Sender) Stop() {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return
	}
	s.stopped = true
	close(s.queue)
	started := s.started
	s.qmu.Unlock()

	if !started {
		if n := len(s.queue); n > 0 {
			s.lo.Warn("sender stopped before start, discarding queued batches", "count", n)
		}
		return
	}

	<-s.done
	s.lo.Debug("sender stopped")
}

// Alertmanagers returns the Alertmanagers currently considered reachable.
func (s *Sender) Alertmanagers() []*url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*url.URL, 0, len(s.destinations))
	for _, d := range s.destinations {
		if d.healthy(s.failureThreshold) {
			out = append(out, d.url())
		}
	}
	return out
}

// DroppedAlertmanagers returns the Alertmanagers that are configured but
// either unusable or failing.
func (s *Sender) DroppedAlertmanagers() []*url.URL {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*url.URL, 0)
	for _, d := range s.destinations {
		if !d.healthy(s.failureThreshold) {
			out = append(out, d.url())
		}
	}
	return out
}

func (s *Sender) worker() {
	defer close(s.done)
	for batch := range s.queue {
		s.deliver(batch)
	}
}

// deliver pushes one batch to every usable destination in parallel.
// Failing destinations are still tried so they can recover.
func (s *Sender) deliver(alerts []alertmgrtmpl.Alert) {
	body, err := json.Marshal(alerts)
	if err != nil {
		s.lo.Error("error encoding alerts", "err", err)
		return
	}

	s.mu.RLock()
	targets := make([]*destination, 0, len(s.destinations))
	for _, d := range s.destinations {
		if !d.invalid {
			targets = append(targets, d)
		}
	}
	s.mu.RUnlock()

	if len(targets) == 0 {
		s.lo.Debug("no alertmanagers to send to", "count", len(alerts))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var g errgroup.Group
	for _, d := range targets {
		g.Go(func() error {
			start := time.Now()
			err := s.post(ctx, d, body)
			s.record(d, err)
			s.metrics.Duration(`alertmanager_push_duration_seconds`, start)
			if err != nil {
				s.lo.Error("error sending alerts to alertmanager", "url", d.display.Redacted(), "count", len(alerts), "err", err)
				return err
			}
			s.lo.Debug("sent alerts to alertmanager", "url", d.display.Redacted(), "count", len(alerts))
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Sender) post(ctx context.Context, d *destination, body []byte) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, d.pushURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if d.hasAuth {
		req.SetBasicAuth(d.username, d.password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non 2xx response from alertmanager: %s", resp.Status)
	}
	return nil
}

// record updates the health of d. If a re-apply replaced d while the push
// was in flight, the result lands on the old copy and is lost, so the
// surviving destination's health lags by one batch.
func (s *Sender) record(d *destination, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		d.failures = 0
		s.metrics.Increment(metrics.Label("alertmanager_pushes_total", "status", "success"))
		return
	}
	d.failures++
	s.metrics.Increment(metrics.Label("alertmanager_pushes_total", "status", "error"))
}
