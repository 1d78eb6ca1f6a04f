package providers

import (
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
)

// Provider is the built-in notifier of one organization.
type Provider interface {
	// ID represents the name of provider.
	ID() string
	// OrgID returns the organization the provider delivers for.
	OrgID() int64
	// Ready reports whether the provider is accepting alerts.
	Ready() bool
	// PutAlerts hands a batch of alerts to the provider. It must not block on network I/O.
	PutAlerts(alerts []alertmgrtmpl.Alert) error
}
