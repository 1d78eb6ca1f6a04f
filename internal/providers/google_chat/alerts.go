package google_chat

import (
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

// ActiveAlerts represents a map of alerts unique fingerprint hash
// with their details.
type ActiveAlerts struct {
	sync.RWMutex
	alerts map[string]AlertDetails
}

// AlertDetails represents some internal fields required
// for dispatching alerts or cleaning up based on TTL.
type AlertDetails struct {
	StartsAt time.Time
	UUID     uuid.UUID
}

// ChatMessage represents the structure for sending a
// Text message in Google Chat Webhook endpoint.
// https://developers.google.com/chat/api/guides/message-formats/basic
type ChatMessage struct {
	Text string `json:"text"`
}

func newActiveAlerts() *ActiveAlerts {
	return &ActiveAlerts{alerts: make(map[string]AlertDetails)}
}

// threadKey returns the thread key of the alert with the given fingerprint,
// creating one if the alert isn't active yet. The key is sent as the
// `threadKey` param in G-Chat API so every update lands in the same thread.
func (d *ActiveAlerts) threadKey(fingerprint string, startsAt time.Time) (string, error) {
	d.Lock()
	defer d.Unlock()

	if a, ok := d.alerts[fingerprint]; ok {
		return a.UUID.String(), nil
	}

	uid, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	if startsAt.IsZero() {
		startsAt = time.Now()
	}
	d.alerts[fingerprint] = AlertDetails{
		UUID:     uid,
		StartsAt: startsAt,
	}
	return uid.String(), nil
}

// remove removes the alert from the active alerts map.
func (d *ActiveAlerts) remove(fingerprint string) {
	d.Lock()
	defer d.Unlock()

	delete(d.alerts, fingerprint)
}

// lookup retrieves the thread key for the alert based on the fingerprint.
func (d *ActiveAlerts) lookup(fingerprint string) string {
	d.RLock()
	defer d.RUnlock()

	a, ok := d.alerts[fingerprint]
	if !ok {
		return ""
	}
	return a.UUID.String()
}

// prune removes alerts that started before now-ttl and returns how many were removed.
// Alertmanager has no unique id per alert occurrence, only the label
// fingerprint, so without a TTL an alert that keeps re-firing would post
// into its old thread forever and the map would grow unbounded.
func (d *ActiveAlerts) prune(ttl time.Duration, now time.Time) int {
	d.Lock()
	defer d.Unlock()

	expired := now.Add(-ttl)
	n := 0
	for k, a := range d.alerts {
		if a.StartsAt.Before(expired) {
			delete(d.alerts, k)
			n++
		}
	}
	return n
}

func (d *ActiveAlerts) count() int {
	d.RLock()
	defer d.RUnlock()
	return len(d.alerts)
}
