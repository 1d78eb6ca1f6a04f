package dispatcher

import (
	"errors"
	"log/slog"

	"github.com/mr-karan/amdispatch/internal/metrics"
	"github.com/mr-karan/amdispatch/internal/models"
	"github.com/mr-karan/amdispatch/internal/notifier"
	"github.com/mr-karan/amdispatch/internal/sender"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
)

// Notify routes the current states of a rule's alerts. Delivery is
// asynchronous and failures are only logged.
func (d *Dispatcher) Notify(key models.AlertRuleKey, states []*models.AlertState) error {
	alerts := sender.FromAlertStateToPostableAlerts(key, states, d.appURL)
	d.route(key, alerts)
	return nil
}

// Expire routes the alerts of a rule that stopped being evaluated as resolved.
func (d *Dispatcher) Expire(key models.AlertRuleKey, states []*models.AlertState) error {
	alerts := sender.FromAlertsStateToStoppedAlert(key, states, d.appURL, d.now())
	d.route(key, alerts)
	return nil
}

func (d *Dispatcher) route(key models.AlertRuleKey, alerts []alertmgrtmpl.Alert) {
	if len(alerts) == 0 {
		return
	}

	lo := d.lo.With("org", key.OrgID, "rule_uid", key.UID)

	// The decision and both hand-offs see one registry snapshot. Neither
	// PutAlerts nor SendAlerts blocks.
	d.mtx.RLock()
	defer d.mtx.RUnlock()

	choice, ok := d.sendAlertsTo[key.OrgID]
	if !ok {
		choice = models.InternalAlertmanager
	}
	s, hasSender := d.senders[key.OrgID]

	// External-only orgs still get local delivery until at least one
	// Alertmanager is live, so alerts are never lost during discovery.
	sendLocal := choice != models.ExternalAlertmanagers || !hasSender || len(s.Alertmanagers()) == 0

	localResolved := false
	if sendLocal {
		localResolved = d.notifyLocal(lo, key.OrgID, alerts)
	}

	sendExternal := hasSender && choice != models.InternalAlertmanager
	if sendExternal {
		s.SendAlerts(alerts)
		lo.Debug("sending alerts to external alertmanagers", "count", len(alerts))
		d.metrics.Add(metrics.Label("alerts_routed_total", "destination", "external"), len(alerts))
	}

	if !localResolved && !sendExternal {
		lo.Error("no alertmanager to send alerts to", "count", len(alerts), "send_alerts_to", choice.String())
		d.metrics.Add("alerts_undelivered_total", len(alerts))
	}
}

// notifyLocal hands alerts to the org's local notifier. It reports whether
// one could be resolved, even if it then failed to accept the batch.
func (d *Dispatcher) notifyLocal(lo *slog.Logger, orgID int64, alerts []alertmgrtmpl.Alert) bool {
	n, err := d.notifiers.NotifierFor(orgID)
	if err != nil {
		if errors.Is(err, notifier.ErrNoAlertmanagerForOrg) {
			lo.Debug("local notifier was not found", "err", err)
		} else {
			lo.Error("local notifier is not available", "err", err)
		}
		return false
	}

	if err := n.PutAlerts(alerts); err != nil {
		lo.Error("failed to put alerts in the local notifier", "count", len(alerts), "err", err)
		return true
	}
	lo.Debug("sent alerts to the local notifier", "count", len(alerts))
	d.metrics.Add(metrics.Label("alerts_routed_total", "destination", "local"), len(alerts))
	return true
}
