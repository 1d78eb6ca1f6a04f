// Package dispatcher routes alert notifications of every organization to its
// local notifier, its external Alertmanagers, or both, and keeps one external
// Sender per organization in sync with the admin configuration store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/mr-karan/amdispatch/internal/metrics"
	"github.com/mr-karan/amdispatch/internal/models"
	"github.com/mr-karan/amdispatch/internal/providers"
	"github.com/mr-karan/amdispatch/internal/store"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
)

const defaultPollInterval = time.Minute

// ErrStopped is returned by SyncOnce once the dispatcher has shut down.
var ErrStopped = errors.New("dispatcher is stopped")

// Sender delivers alert batches of one organization to its external Alertmanagers.
type Sender interface {
	Start()
	ApplyConfig(cfg *models.AdminConfiguration) error
	Stop()
	SendAlerts(alerts []alertmgrtmpl.Alert)
	Alertmanagers() []*url.URL
	DroppedAlertmanagers() []*url.URL
}

// SenderFactory builds a new, not yet started, Sender for the org.
type SenderFactory func(orgID int64) (Sender, error)

// LocalNotifiers looks up the built-in notifier of an org.
type LocalNotifiers interface {
	NotifierFor(orgID int64) (providers.Provider, error)
}

type Opts struct {
	Store        store.AdminConfigurationStore
	Notifiers    LocalNotifiers
	NewSender    SenderFactory
	AppURL       *url.URL
	DisabledOrgs []int64
	PollInterval time.Duration
	Log          *slog.Logger
	Metrics      *metrics.Manager
	Now          func() time.Time
}

// Dispatcher owns the per-org Sender registry and the routing table.
type Dispatcher struct {
	store        store.AdminConfigurationStore
	notifiers    LocalNotifiers
	newSender    SenderFactory
	appURL       *url.URL
	disabledOrgs map[int64]struct{}
	pollInterval time.Duration
	lo           *slog.Logger
	metrics      *metrics.Manager
	now          func() time.Time

	// syncMtx serializes sync cycles and shutdown.
	syncMtx sync.Mutex
	stopped bool

	// mtx guards senders, sendersCfgHash and sendAlertsTo.
	mtx            sync.RWMutex
	senders        map[int64]Sender
	sendersCfgHash map[int64]string
	sendAlertsTo   map[int64]models.AlertmanagersChoice
}

// New returns a Dispatcher with an empty registry.
func New(opts Opts) (*Dispatcher, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("dispatcher: store is required")
	case opts.Notifiers == nil:
		return nil, errors.New("dispatcher: local notifiers are required")
	case opts.NewSender == nil:
		return nil, errors.New("dispatcher: sender factory is required")
	case opts.Log == nil:
		return nil, errors.New("dispatcher: logger is required")
	case opts.Metrics == nil:
		return nil, errors.New("dispatcher: metrics manager is required")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	disabled := make(map[int64]struct{}, len(opts.DisabledOrgs))
	for _, id := range opts.DisabledOrgs {
		disabled[id] = struct{}{}
	}

	return &Dispatcher{
		store:          opts.Store,
		notifiers:      opts.Notifiers,
		newSender:      opts.NewSender,
		appURL:         opts.AppURL,
		disabledOrgs:   disabled,
		pollInterval:   opts.PollInterval,
		lo:             opts.Log,
		metrics:        opts.Metrics,
		now:            opts.Now,
		senders:        make(map[int64]Sender),
		sendersCfgHash: make(map[int64]string),
		sendAlertsTo:   make(map[int64]models.AlertmanagersChoice),
	}, nil
}

// Run syncs once immediately and then every poll interval until ctx is
// cancelled. Before returning it stops every registered Sender.
func (d *Dispatcher) Run(ctx context.Context) {
	d.lo.Info("starting admin configuration sync", "interval", d.pollInterval)

	if err := d.SyncOnce(ctx); err != nil {
		d.lo.Error("unable to sync admin configuration", "err", err)
	}

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			d.lo.Info("stopped admin configuration sync")
			return
		case <-ticker.C:
			if err := d.SyncOnce(ctx); err != nil {
				d.lo.Error("unable to sync admin configuration", "err", err)
			}
		}
	}
}

// SyncOnce reconciles the Sender registry and routing table with the
// configurations currently in the store. Per-org failures are logged and
// retried on the next cycle. Only a failed fetch returns an error.
func (d *Dispatcher) SyncOnce(ctx context.Context) error {
	d.syncMtx.Lock()
	defer d.syncMtx.Unlock()

	if d.stopped {
		return ErrStopped
	}

	cfgs, err := d.store.FetchAll(ctx)
	if err != nil {
		d.metrics.Increment("config_sync_errors_total")
		return fmt.Errorf("fetching admin configurations: %w", err)
	}
	d.metrics.Increment("config_syncs_total")
	d.lo.Debug("applying admin configurations", "count", len(cfgs))

	// Only SyncOnce and shutdown mutate the registry and both hold syncMtx,
	// so this snapshot stays current for the whole cycle.
	d.mtx.RLock()
	current := make(map[int64]Sender, len(d.senders))
	hashes := make(map[int64]string, len(d.sendersCfgHash))
	for id, s := range d.senders {
		current[id] = s
	}
	for id, h := range d.sendersCfgHash {
		hashes[id] = h
	}
	d.mtx.RUnlock()

	var (
		sendAlertsTo = make(map[int64]models.AlertmanagersChoice, len(cfgs))
		keep         = make(map[int64]struct{})
		added        = make(map[int64]Sender)
		newHashes    = make(map[int64]string)
	)
	for _, cfg := range dedupe(cfgs, d.lo) {
		lo := d.lo.With("org", cfg.OrgID)

		if _, ok := d.disabledOrgs[cfg.OrgID]; ok {
			lo.Debug("skipping admin configuration of disabled org")
			continue
		}
		sendAlertsTo[cfg.OrgID] = cfg.SendAlertsTo

		existing, ok := current[cfg.OrgID]
		switch {
		case !ok && len(cfg.Alertmanagers) == 0:
			lo.Debug("no external alertmanagers configured")
			continue
		case !ok && cfg.SendAlertsTo == models.InternalAlertmanager:
			lo.Debug("alerts are handled internally, not creating a sender")
			continue
		case ok && len(cfg.Alertmanagers) == 0:
			// Not kept, the sender is stopped below.
			lo.Info("no external alertmanagers left, removing sender")
			continue
		}

		hash := cfg.AsSHA256()

		if ok {
			keep[cfg.OrgID] = struct{}{}
			if hashes[cfg.OrgID] == hash {
				continue
			}

			lo.Info("applying new admin configuration to sender", "alertmanagers", len(cfg.Alertmanagers))
			if err := existing.ApplyConfig(cfg); err != nil {
				lo.Error("failed to apply configuration", "err", err)
				d.metrics.Increment("sender_apply_errors_total")
				continue
			}
			newHashes[cfg.OrgID] = hash
			continue
		}

		lo.Info("creating new sender for external alertmanagers", "alertmanagers", len(cfg.Alertmanagers))
		s, err := d.newSender(cfg.OrgID)
		if err != nil {
			lo.Error("unable to create sender", "err", err)
			d.metrics.Increment("sender_apply_errors_total")
			continue
		}
		s.Start()
		if err := s.ApplyConfig(cfg); err != nil {
			lo.Error("failed to apply configuration", "err", err)
			d.metrics.Increment("sender_apply_errors_total")
			s.Stop()
			continue
		}
		added[cfg.OrgID] = s
		newHashes[cfg.OrgID] = hash
	}

	var toStop []Sender
	d.mtx.Lock()
	for id, s := range added {
		d.senders[id] = s
	}
	for id, h := range newHashes {
		d.sendersCfgHash[id] = h
	}
	for id, s := range d.senders {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, ok := added[id]; ok {
			continue
		}
		toStop = append(toStop, s)
		delete(d.senders, id)
		delete(d.sendersCfgHash, id)
	}
	d.sendAlertsTo = sendAlertsTo
	active := len(d.senders)
	d.mtx.Unlock()

	d.metrics.Set("senders_active", float64(active))

	// Stop outside the lock, it waits for queued batches to be delivered.
	for _, s := range toStop {
		s.Stop()
	}

	return nil
}

// shutdown empties the registry and stops every Sender it held.
func (d *Dispatcher) shutdown() {
	d.syncMtx.Lock()
	defer d.syncMtx.Unlock()

	d.stopped = true

	d.mtx.Lock()
	toStop := make([]Sender, 0, len(d.senders))
	for _, s := range d.senders {
		toStop = append(toStop, s)
	}
	d.senders = make(map[int64]Sender)
	d.sendersCfgHash = make(map[int64]string)
	d.mtx.Unlock()

	d.metrics.Set("senders_active", 0)

	var wg sync.WaitGroup
	for _, s := range toStop {
		wg.Add(1)
		go func(s Sender) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()
}

// dedupe keeps the last configuration of every org, in order of first appearance.
func dedupe(cfgs []*models.AdminConfiguration, lo *slog.Logger) []*models.AdminConfiguration {
	idx := make(map[int64]int, len(cfgs))
	out := make([]*models.AdminConfiguration, 0, len(cfgs))
	for _, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		if i, ok := idx[cfg.OrgID]; ok {
			lo.Warn("duplicate admin configuration, using the last one", "org", cfg.OrgID)
			out[i] = cfg
			continue
		}
		idx[cfg.OrgID] = len(out)
		out = append(out, cfg)
	}
	return out
}

// AlertmanagersFor returns the live Alertmanagers of the org.
func (d *Dispatcher) AlertmanagersFor(orgID int64) []*url.URL {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	s, ok := d.senders[orgID]
	if !ok {
		return []*url.URL{}
	}
	return s.Alertmanagers()
}

// DroppedAlertmanagersFor returns the dropped Alertmanagers of the org.
func (d *Dispatcher) DroppedAlertmanagersFor(orgID int64) []*url.URL {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	s, ok := d.senders[orgID]
	if !ok {
		return []*url.URL{}
	}
	return s.DroppedAlertmanagers()
}

// SendAlertsTo returns the routing choice of the org. Orgs without
// configuration use the internal Alertmanager.
func (d *Dispatcher) SendAlertsTo(orgID int64) models.AlertmanagersChoice {
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	if c, ok := d.sendAlertsTo[orgID]; ok {
		return c
	}
	return models.InternalAlertmanager
}
