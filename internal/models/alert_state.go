package models

import (
	"fmt"
	"time"
)

// AlertRuleKey identifies an alert rule across organizations.
type AlertRuleKey struct {
	OrgID int64  `json:"org_id"`
	UID   string `json:"uid"`
}

func (k AlertRuleKey) String() string {
	return fmt.Sprintf("{orgID: %d, UID: %s}", k.OrgID, k.UID)
}

// EvalState is the result of evaluating an alert instance.
type EvalState string

const (
	Normal   EvalState = "Normal"
	Alerting EvalState = "Alerting"
	Pending  EvalState = "Pending"
	NoData   EvalState = "NoData"
	Error    EvalState = "Error"
)

// AlertState is the state of one alert instance as produced by rule evaluation.
type AlertState struct {
	Labels      map[string]string `json:"labels"`
	Annotations map[string]string `json:"annotations"`

	State EvalState `json:"state"`
	// Resolved is set on the evaluation where an alerting instance went back to Normal.
	Resolved bool `json:"resolved"`

	StartsAt           time.Time `json:"starts_at"`
	EndsAt             time.Time `json:"ends_at"`
	LastEvaluationTime time.Time `json:"last_evaluation_time"`
}
