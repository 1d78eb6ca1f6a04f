package models

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// AlertmanagersChoice decides where the alerts of an organization are sent.
type AlertmanagersChoice int

const (
	// InternalAlertmanager routes alerts only to the built-in notifier.
	InternalAlertmanager AlertmanagersChoice = iota
	// ExternalAlertmanagers routes alerts only to the configured external Alertmanagers.
	ExternalAlertmanagers
	// AllAlertmanagers routes alerts to both.
	AllAlertmanagers
)

var choiceNames = map[AlertmanagersChoice]string{
	InternalAlertmanager:  "internal",
	ExternalAlertmanagers: "external",
	AllAlertmanagers:      "all",
}

func (c AlertmanagersChoice) String() string {
	if s, ok := choiceNames[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(c))
}

// ParseAlertmanagersChoice converts the textual form used in config files
// and the database into an AlertmanagersChoice. An empty string is internal.
func ParseAlertmanagersChoice(s string) (AlertmanagersChoice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "internal":
		return InternalAlertmanager, nil
	case "external":
		return ExternalAlertmanagers, nil
	case "all", "both":
		return AllAlertmanagers, nil
	}
	return InternalAlertmanager, fmt.Errorf("invalid alertmanagers choice: %q", s)
}

// AdminConfiguration is the administrator configuration of one organization.
type AdminConfiguration struct {
	OrgID int64 `json:"org_id"`

	// Alertmanagers is the list of external Alertmanager URLs.
	Alertmanagers []string `json:"alertmanagers"`

	SendAlertsTo AlertmanagersChoice `json:"send_alerts_to"`
}

// AsSHA256 returns a deterministic digest of the part of the configuration
// a sender depends on. The order of Alertmanagers is significant.
func (ac *AdminConfiguration) AsSHA256() string {
	h := sha256.New()
	for _, am := range ac.Alertmanagers {
		// NUL can't appear in a URL so the list can't be ambiguous.
		h.Write([]byte(am))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
