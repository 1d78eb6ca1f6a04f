package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mr-karan/amdispatch/internal/models"
)

// Dialect selects the bind variable style of the underlying driver.
type Dialect int

const (
	// DialectPostgres uses $1, $2 ... (pgx).
	DialectPostgres Dialect = iota
	// DialectSQLite uses ? (modernc.org/sqlite).
	DialectSQLite
)

const schema = `CREATE TABLE IF NOT EXISTS admin_configuration (
	org_id BIGINT PRIMARY KEY,
	alertmanagers TEXT NOT NULL DEFAULT '[]',
	send_alerts_to TEXT NOT NULL DEFAULT 'internal'
)`

// SQLStore keeps admin configurations in a SQL table.
type SQLStore struct {
	DB      *sql.DB
	dialect Dialect
}

// NewSQLStore returns a SQLStore over an opened database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{DB: db, dialect: dialect}
}

// Migrate creates the admin_configuration table if it doesn't exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create admin_configuration table: %w", err)
	}
	return nil
}

// FetchAll implements AdminConfigurationStore. A single undecodable row
// fails the whole fetch: a partial snapshot would read as deleted orgs.
func (s *SQLStore) FetchAll(ctx context.Context) ([]*models.AdminConfiguration, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT org_id, alertmanagers, send_alerts_to FROM admin_configuration ORDER BY org_id`)
	if err != nil {
		return nil, fmt.Errorf("query admin configurations: %w", err)
	}
	defer rows.Close()

	cfgs := make([]*models.AdminConfiguration, 0)
	for rows.Next() {
		var (
			orgID  int64
			rawAMs string
			rawTo  string
		)
		if err := rows.Scan(&orgID, &rawAMs, &rawTo); err != nil {
			return nil, fmt.Errorf("scan admin configuration: %w", err)
		}

		cfg := &models.AdminConfiguration{OrgID: orgID}
		if err := json.Unmarshal([]byte(rawAMs), &cfg.Alertmanagers); err != nil {
			return nil, fmt.Errorf("%w: org %d alertmanagers: %s", ErrInvalidConfiguration, orgID, err)
		}
		if cfg.SendAlertsTo, err = models.ParseAlertmanagersChoice(rawTo); err != nil {
			return nil, fmt.Errorf("%w: org %d: %s", ErrInvalidConfiguration, orgID, err)
		}
		cfgs = append(cfgs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate admin configurations: %w", err)
	}

	return cfgs, nil
}

// Save inserts or replaces the configuration of cfg.OrgID.
func (s *SQLStore) Save(ctx context.Context, cfg *models.AdminConfiguration) error {
	if cfg == nil {
		return errors.New("admin configuration is required")
	}

	ams := cfg.Alertmanagers
	if ams == nil {
		ams = []string{}
	}
	raw, err := json.Marshal(ams)
	if err != nil {
		return fmt.Errorf("encode alertmanagers: %w", err)
	}

	q := s.rebind(`INSERT INTO admin_configuration (org_id, alertmanagers, send_alerts_to)
VALUES (?, ?, ?)
ON CONFLICT (org_id) DO UPDATE SET alertmanagers = excluded.alertmanagers, send_alerts_to = excluded.send_alerts_to`)
	if _, err := s.DB.ExecContext(ctx, q, cfg.OrgID, string(raw), cfg.SendAlertsTo.String()); err != nil {
		return fmt.Errorf("save admin configuration for org %d: %w", cfg.OrgID, err)
	}
	return nil
}

// Delete removes the configuration of an organization.
func (s *SQLStore) Delete(ctx context.Context, orgID int64) error {
	if _, err := s.DB.ExecContext(ctx, s.rebind(`DELETE FROM admin_configuration WHERE org_id = ?`), orgID); err != nil {
		return fmt.Errorf("delete admin configuration for org %d: %w", orgID, err)
	}
	return nil
}

// rebind rewrites ? bind variables for the store's dialect.
func (s *SQLStore) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}

	var (
		b strings.Builder
		n int
	)
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
