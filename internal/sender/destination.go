package sender

import (
	"fmt"
	"net/url"
	"strings"
)

const alertsAPIPath = "/api/v2/alerts"

// destination is one configured Alertmanager.
type destination struct {
	// raw is the configured URL, used to carry health over a re-apply.
	raw string

	// display is what gets reported and logged: no credentials, full push path.
	display *url.URL
	pushURL string

	username string
	password string
	hasAuth  bool

	// invalid destinations are never pushed to.
	invalid  bool
	failures int
}

// parseDestination parses a configured Alertmanager URL. An error is only
// returned for unparseable input; unusable but parseable URLs come back
// as invalid destinations so they can be reported as dropped.
func parseDestination(raw string) (*destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid alertmanager url %q: %w", raw, err)
	}

	d := &destination{raw: raw}
	if u.User != nil {
		d.username = u.User.Username()
		d.password, _ = u.User.Password()
		d.hasAuth = true
	}

	push := *u
	push.User = nil
	push.Path = strings.TrimRight(push.Path, "/") + alertsAPIPath
	push.RawPath = ""
	d.display = &push
	d.pushURL = push.String()

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		d.invalid = true
	}
	return d, nil
}

func (d *destination) healthy(threshold int) bool {
	return !d.invalid && (threshold <= 0 || d.failures < threshold)
}

func (d *destination) url() *url.URL {
	u := *d.display
	return &u
}
