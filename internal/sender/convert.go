package sender

import (
	"net/url"
	"time"

	"github.com/mr-karan/amdispatch/internal/models"
	alertmgrtmpl "github.com/prometheus/alertmanager/template"
	"github.com/prometheus/common/model"
)

const (
	// RuleUIDLabel is attached to every alert so receivers can link it back to its rule.
	RuleUIDLabel = "__alert_rule_uid__"

	statusFiring   = "firing"
	statusResolved = "resolved"
)

// FromAlertStateToPostableAlerts converts the states of one rule evaluation
// into alerts. Pending instances and Normal instances that did not just
// resolve carry nothing worth notifying and are skipped.
func FromAlertStateToPostableAlerts(key models.AlertRuleKey, states []*models.AlertState, appURL *url.URL) []alertmgrtmpl.Alert {
	alerts := make([]alertmgrtmpl.Alert, 0, len(states))
	for _, st := range states {
		if st == nil || st.State == models.Pending || (st.State == models.Normal && !st.Resolved) {
			continue
		}

		status := statusFiring
		if st.Resolved || st.State == models.Normal {
			status = statusResolved
		}
		alerts = append(alerts, stateToAlert(key, st, appURL, status, st.EndsAt))
	}
	return alerts
}

// FromAlertsStateToStoppedAlert converts the firing states of a rule that
// is going away into resolved alerts ending at now.
func FromAlertsStateToStoppedAlert(key models.AlertRuleKey, states []*models.AlertState, appURL *url.URL, now time.Time) []alertmgrtmpl.Alert {
	alerts := make([]alertmgrtmpl.Alert, 0, len(states))
	for _, st := range states {
		if st == nil || st.State == models.Normal || st.State == models.Pending {
			continue
		}
		alerts = append(alerts, stateToAlert(key, st, appURL, statusResolved, now))
	}
	return alerts
}

func stateToAlert(key models.AlertRuleKey, st *models.AlertState, appURL *url.URL, status string, endsAt time.Time) alertmgrtmpl.Alert {
	labels := make(alertmgrtmpl.KV, len(st.Labels)+1)
	ls := make(model.LabelSet, len(st.Labels)+1)
	for k, v := range st.Labels {
		labels[k] = v
		ls[model.LabelName(k)] = model.LabelValue(v)
	}
	if _, ok := labels[RuleUIDLabel]; !ok && key.UID != "" {
		labels[RuleUIDLabel] = key.UID
		ls[RuleUIDLabel] = model.LabelValue(key.UID)
	}

	annotations := make(alertmgrtmpl.KV, len(st.Annotations))
	for k, v := range st.Annotations {
		annotations[k] = v
	}

	return alertmgrtmpl.Alert{
		Status:       status,
		Labels:       labels,
		Annotations:  annotations,
		StartsAt:     st.StartsAt,
		EndsAt:       endsAt,
		GeneratorURL: generatorURL(appURL, key.UID),
		Fingerprint:  ls.Fingerprint().String(),
	}
}

func generatorURL(appURL *url.URL, ruleUID string) string {
	if appURL == nil || ruleUID == "" {
		return ""
	}
	return appURL.JoinPath("alerting", ruleUID, "edit").String()
}
