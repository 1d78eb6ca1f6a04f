package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/mr-karan/amdispatch/internal/dispatcher"
	"github.com/mr-karan/amdispatch/internal/metrics"
	"github.com/mr-karan/amdispatch/internal/notifier"
	prvs "github.com/mr-karan/amdispatch/internal/providers"
	"github.com/mr-karan/amdispatch/internal/providers/google_chat"
	"github.com/mr-karan/amdispatch/internal/sender"
	"github.com/mr-karan/amdispatch/internal/store"
	flag "github.com/spf13/pflag"
	_ "modernc.org/sqlite"
)

// initLogger initializes logger instance.
func initLogger(ko *koanf.Koanf) *slog.Logger {
	lvl := slog.LevelInfo
	// Enable debug mode if specified.
	if ko.String("app.log") == "debug" {
		lvl = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// initConfig loads config to `ko` object.
func initConfig(cfgDefault string, envPrefix string) (*koanf.Koanf, error) {
	var (
		ko = koanf.New(".")
		f  = flag.NewFlagSet("front", flag.ContinueOnError)
	)

	// Configure Flags.
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}

	// Register `--config` flag.
	cfgPath := f.String("config", cfgDefault, "Path to a config file to load.")

	// Parse and Load Flags.
	err := f.Parse(os.Args[1:])
	if err != nil {
		return nil, err
	}

	// Load the config files from the path provided.
	err = ko.Load(file.Provider(*cfgPath), toml.Parser())
	if err != nil {
		return nil, err
	}

	// Load environment variables if the key is given
	// and merge into the loaded config.
	if envPrefix != "" {
		err = ko.Load(env.Provider(envPrefix, ".", func(s string) string {
			return strings.Replace(strings.ToLower(
				strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
		}), nil)
		if err != nil {
			return nil, err
		}
	}

	return ko, nil
}

// initStore opens the admin configuration store selected by `store.type`.
// The returned func releases the store's resources.
func initStore(ctx context.Context, ko *koanf.Koanf, lo *slog.Logger) (store.AdminConfigurationStore, func(), error) {
	switch typ := ko.String("store.type"); typ {
	case "", "file":
		path := ko.MustString("store.path")
		lo.Info("using file admin configuration store", "path", path)
		return store.NewFileStore(path), func() {}, nil

	case "postgres", "sqlite":
		driver, dialect := "pgx", store.DialectPostgres
		if typ == "sqlite" {
			driver, dialect = "sqlite", store.DialectSQLite
		}

		db, err := sql.Open(driver, ko.MustString("store.dsn"))
		if err != nil {
			return nil, nil, fmt.Errorf("error opening %s store: %w", typ, err)
		}
		if typ == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("error connecting to %s store: %w", typ, err)
		}

		st := store.NewSQLStore(db, dialect)
		if err := st.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}

		lo.Info("using sql admin configuration store", "driver", driver)
		return st, func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown store type: %s", typ)
	}
}

// initProviders loads all the local notifiers specified in the config and
// starts their workers. They stop when ctx is cancelled.
func initProviders(ctx context.Context, ko *koanf.Koanf, lo *slog.Logger, m *metrics.Manager) ([]prvs.Provider, error) {
	provs := make([]prvs.Provider, 0)

	// Loop over all local notifiers listed in config.
	for _, name := range ko.MapKeys("local") {
		cfgKey := fmt.Sprintf("local.%s", name)
		provType := ko.String(fmt.Sprintf("%s.type", cfgKey))

		switch provType {
		case "google_chat":
			gchat, err := google_chat.NewGoogleChat(
				google_chat.GoogleChatOpts{
					Log:             lo,
					Metrics:         m,
					Timeout:         ko.Duration(fmt.Sprintf("%s.timeout", cfgKey)),
					MaxIdleConn:     ko.Int(fmt.Sprintf("%s.max_idle_conns", cfgKey)),
					MaxRetries:      ko.Int(fmt.Sprintf("%s.max_retries", cfgKey)),
					ProxyURL:        ko.String(fmt.Sprintf("%s.proxy_url", cfgKey)),
					Endpoint:        ko.String(fmt.Sprintf("%s.endpoint", cfgKey)),
					OrgID:           ko.Int64(fmt.Sprintf("%s.org_id", cfgKey)),
					Template:        ko.MustString(fmt.Sprintf("%s.template", cfgKey)),
					ActiveAlertsTTL: ko.Duration(fmt.Sprintf("%s.active_alerts_ttl", cfgKey)),
					RatePerSec:      ko.Float64(fmt.Sprintf("%s.rate_per_sec", cfgKey)),
					QueueCapacity:   ko.Int(fmt.Sprintf("%s.queue_capacity", cfgKey)),
					DryRun:          ko.Bool(fmt.Sprintf("%s.dry_run", cfgKey)),
				},
			)
			if err != nil {
				return nil, fmt.Errorf("error initialising google chat provider %s: %w", name, err)
			}

			// Start a background worker to deliver alerts and cleanup
			// active alerts based on TTL mechanism.
			go gchat.Run(ctx, 1*time.Hour)

			lo.Info("initialised provider", "name", name, "org", gchat.OrgID())
			provs = append(provs, gchat)
		default:
			return nil, fmt.Errorf("unknown provider type %q for %s", provType, name)
		}
	}

	if len(provs) == 0 {
		lo.Warn("no local notifiers listed in config, alerts are only sent to external alertmanagers")
	}

	return provs, nil
}

// initNotifier initializes a Notifier instance.
func initNotifier(lo *slog.Logger, provs []prvs.Provider) (*notifier.Notifier, error) {
	return notifier.Init(notifier.Opts{
		Providers: provs,
		Log:       lo,
	})
}

// senderFactory builds external senders sharing the same options.
func senderFactory(opts sender.Opts) dispatcher.SenderFactory {
	return func(orgID int64) (dispatcher.Sender, error) {
		o := opts
		o.OrgID = orgID
		s, err := sender.New(o)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// initDispatcher initializes the dispatcher of alert notifications.
func initDispatcher(ko *koanf.Koanf, lo *slog.Logger, m *metrics.Manager, st store.AdminConfigurationStore, n *notifier.Notifier) (*dispatcher.Dispatcher, error) {
	var appURL *url.URL
	if s := ko.String("app.app_url"); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid app.app_url: %w", err)
		}
		appURL = u
	}

	return dispatcher.New(dispatcher.Opts{
		Store:     st,
		Notifiers: n,
		NewSender: senderFactory(sender.Opts{
			Log:              lo,
			Metrics:          m,
			Timeout:          ko.Duration("sender.timeout"),
			MaxRetries:       ko.Int("sender.max_retries"),
			QueueCapacity:    ko.Int("sender.queue_capacity"),
			FailureThreshold: ko.Int("sender.failure_threshold"),
		}),
		AppURL:       appURL,
		DisabledOrgs: ko.Int64s("app.disabled_orgs"),
		PollInterval: ko.Duration("app.admin_config_poll_interval"),
		Log:          lo,
		Metrics:      m,
	})
}
