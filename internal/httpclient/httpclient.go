// Package httpclient builds the retrying HTTP clients used to push alerts
// and chat messages upstream.
package httpclient

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Opts configures a client. Zero values keep the retryablehttp defaults.
type Opts struct {
	Log         *slog.Logger
	Timeout     time.Duration
	MaxRetries  int
	MaxIdleConn int
	ProxyURL    string
}

// New returns a retryablehttp client logging through slog.
func New(opts Opts) (*retryablehttp.Client, error) {
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConn,
	}

	// Add a proxy to make upstream requests if specified in config.
	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("error parsing proxy URL: %s", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	c := retryablehttp.NewClient()
	c.RetryMax = opts.MaxRetries
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 5 * time.Second
	c.HTTPClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	if opts.Log != nil {
		c.Logger = &slogAdapter{logger: opts.Log}
	}
	return c, nil
}

// slogAdapter implements retryablehttp.LeveledLogger.
type slogAdapter struct {
	logger *slog.Logger
}

func (adpt *slogAdapter) Error(msg string, keysAndValues ...interface{}) {
	adpt.logger.Error(msg, keysAndValues...)
}

func (adpt *slogAdapter) Info(msg string, keysAndValues ...interface{}) {
	adpt.logger.Info(msg, keysAndValues...)
}

func (adpt *slogAdapter) Debug(msg string, keysAndValues ...interface{}) {
	adpt.logger.Debug(msg, keysAndValues...)
}

func (adpt *slogAdapter) Warn(msg string, keysAndValues ...interface{}) {
	adpt.logger.Warn(msg, keysAndValues...)
}

func (adpt *slogAdapter) Printf(format string, args ...interface{}) {
	adpt.logger.Info(fmt.Sprintf(format, args...))
}
