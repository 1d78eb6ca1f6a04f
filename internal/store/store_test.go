package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/mr-karan/amdispatch/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "admin.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestFileStoreFetchAll(t *testing.T) {
	t.Run("reads all orgs sorted by id", func(t *testing.T) {
		p := writeFile(t, `
[orgs.2]
alertmanagers = ["http://am-b:9093"]
send_alerts_to = "all"

[orgs.1]
alertmanagers = ["http://am-a:9093", "http://am-c:9093"]
send_alerts_to = "external"

[orgs.3]
send_alerts_to = "internal"
`)
		cfgs, err := NewFileStore(p).FetchAll(context.Background())
		require.NoError(t, err)
		require.Len(t, cfgs, 3)

		assert.Equal(t, int64(1), cfgs[0].OrgID)
		assert.Equal(t, []string{"http://am-a:9093", "http://am-c:9093"}, cfgs[0].Alertmanagers)
		assert.Equal(t, models.ExternalAlertmanagers, cfgs[0].SendAlertsTo)

		assert.Equal(t, int64(2), cfgs[1].OrgID)
		assert.Equal(t, models.AllAlertmanagers, cfgs[1].SendAlertsTo)

		assert.Equal(t, int64(3), cfgs[2].OrgID)
		assert.Empty(t, cfgs[2].Alertmanagers)
		assert.Equal(t, models.InternalAlertmanager, cfgs[2].SendAlertsTo)
	})

	t.Run("missing file is an error", func(t *testing.T) {
		_, err := NewFileStore(filepath.Join(t.TempDir(), "nope.toml")).FetchAll(context.Background())
		assert.Error(t, err)
	})

	t.Run("non numeric org id", func(t *testing.T) {
		p := writeFile(t, "[orgs.main]\nsend_alerts_to = \"all\"\n")
		_, err := NewFileStore(p).FetchAll(context.Background())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("unknown choice", func(t *testing.T) {
		p := writeFile(t, "[orgs.1]\nsend_alerts_to = \"elsewhere\"\n")
		_, err := NewFileStore(p).FetchAll(context.Background())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("picks up edits", func(t *testing.T) {
		p := writeFile(t, "[orgs.1]\nalertmanagers = [\"http://a:9093\"]\n")
		s := NewFileStore(p)

		cfgs, err := s.FetchAll(context.Background())
		require.NoError(t, err)
		require.Len(t, cfgs, 1)

		require.NoError(t, os.WriteFile(p, []byte("[orgs.1]\nalertmanagers = []\n[orgs.5]\nalertmanagers = [\"http://b:9093\"]\n"), 0o600))
		cfgs, err = s.FetchAll(context.Background())
		require.NoError(t, err)
		require.Len(t, cfgs, 2)
		assert.Empty(t, cfgs[0].Alertmanagers)
		assert.Equal(t, int64(5), cfgs[1].OrgID)
	})
}

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// A second connection would see a different in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(db, DialectSQLite)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()

	t.Run("empty table", func(t *testing.T) {
		s := newSQLiteStore(t)
		cfgs, err := s.FetchAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, cfgs)
	})

	t.Run("save, overwrite and delete", func(t *testing.T) {
		s := newSQLiteStore(t)

		require.NoError(t, s.Save(ctx, &models.AdminConfiguration{
			OrgID:         2,
			Alertmanagers: []string{"http://am:9093"},
			SendAlertsTo:  models.ExternalAlertmanagers,
		}))
		require.NoError(t, s.Save(ctx, &models.AdminConfiguration{OrgID: 1}))

		cfgs, err := s.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, cfgs, 2)
		assert.Equal(t, int64(1), cfgs[0].OrgID)
		assert.Empty(t, cfgs[0].Alertmanagers)
		assert.Equal(t, models.InternalAlertmanager, cfgs[0].SendAlertsTo)
		assert.Equal(t, []string{"http://am:9093"}, cfgs[1].Alertmanagers)
		assert.Equal(t, models.ExternalAlertmanagers, cfgs[1].SendAlertsTo)

		require.NoError(t, s.Save(ctx, &models.AdminConfiguration{
			OrgID:         2,
			Alertmanagers: []string{"http://am:9093", "http://am2:9093"},
			SendAlertsTo:  models.AllAlertmanagers,
		}))
		require.NoError(t, s.Delete(ctx, 1))

		cfgs, err = s.FetchAll(ctx)
		require.NoError(t, err)
		require.Len(t, cfgs, 1)
		assert.Equal(t, []string{"http://am:9093", "http://am2:9093"}, cfgs[0].Alertmanagers)
		assert.Equal(t, models.AllAlertmanagers, cfgs[0].SendAlertsTo)
	})

	t.Run("corrupt row fails the whole fetch", func(t *testing.T) {
		s := newSQLiteStore(t)
		require.NoError(t, s.Save(ctx, &models.AdminConfiguration{OrgID: 1}))
		_, err := s.DB.ExecContext(ctx, `INSERT INTO admin_configuration (org_id, alertmanagers, send_alerts_to) VALUES (2, 'not json', 'all')`)
		require.NoError(t, err)

		cfgs, err := s.FetchAll(ctx)
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
		assert.Nil(t, cfgs)
	})

	t.Run("save requires a config", func(t *testing.T) {
		s := newSQLiteStore(t)
		assert.Error(t, s.Save(ctx, nil))
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: DialectPostgres}
	assert.Equal(t, "SELECT $1, $2 WHERE a = $3", pg.rebind("SELECT ?, ? WHERE a = ?"))

	lite := &SQLStore{dialect: DialectSQLite}
	assert.Equal(t, "SELECT ?, ?", lite.rebind("SELECT ?, ?"))
}
