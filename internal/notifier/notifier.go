package notifier

import (
	"errors"
	"log/slog"

	"github.com/mr-karan/amdispatch/internal/providers"
)

var (
	// ErrNoAlertmanagerForOrg is returned when no local notifier is configured for the org.
	ErrNoAlertmanagerForOrg = errors.New("no local notifier configured for org")
	// ErrAlertmanagerNotReady is returned when the org's local notifier is not running.
	ErrAlertmanagerNotReady = errors.New("local notifier is not ready")
)

// Notifier holds the built-in notifier of every organization.
type Notifier struct {
	providers map[int64]providers.Provider
	lo        *slog.Logger
}

type Opts struct {
	Providers []providers.Provider
	Log       *slog.Logger
}

// Init initialises a new instance of the Notifier.
func Init(opts Opts) (*Notifier, error) {
	// Initialise a map with org as the key and their corresponding provider instance.
	m := make(map[int64]providers.Provider, len(opts.Providers))

	for _, prov := range opts.Providers {
		if prev, ok := m[prov.OrgID()]; ok {
			opts.Log.Warn("replacing local notifier for org", "org", prov.OrgID(), "previous", prev.ID(), "provider", prov.ID())
		}
		m[prov.OrgID()] = prov
	}

	return &Notifier{
		lo:        opts.Log,
		providers: m,
	}, nil
}

// NotifierFor returns the local notifier of the org.
func (n *Notifier) NotifierFor(orgID int64) (providers.Provider, error) {
	prov, ok := n.providers[orgID]
	if !ok {
		return nil, ErrNoAlertmanagerForOrg
	}
	if !prov.Ready() {
		return nil, ErrAlertmanagerNotReady
	}
	return prov, nil
}

// Orgs returns the organizations that have a local notifier.
func (n *Notifier) Orgs() []int64 {
	out := make([]int64, 0, len(n.providers))
	for id := range n.providers {
		out = append(out, id)
	}
	return out
}
