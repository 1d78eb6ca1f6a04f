package store

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/file"
	"github.com/mr-karan/amdispatch/internal/models"
)

// FileStore reads admin configurations from a TOML file. The file is
// re-read on every fetch so edits are picked up by the next sync.
//
//	[orgs.1]
//	alertmanagers = ["http://alertmanager:9093"]
//	send_alerts_to = "external"
type FileStore struct {
	path string
}

// NewFileStore returns a FileStore for the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// FetchAll implements AdminConfigurationStore.
func (s *FileStore) FetchAll(ctx context.Context) ([]*models.AdminConfiguration, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ko := koanf.New(".")
	if err := ko.Load(file.Provider(s.path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("error loading admin configuration file: %w", err)
	}

	keys := ko.MapKeys("orgs")
	cfgs := make([]*models.AdminConfiguration, 0, len(keys))
	for _, k := range keys {
		orgID, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: org key %q is not a number", ErrInvalidConfiguration, k)
		}

		choice, err := models.ParseAlertmanagersChoice(ko.String(fmt.Sprintf("orgs.%s.send_alerts_to", k)))
		if err != nil {
			return nil, fmt.Errorf("%w: org %d: %s", ErrInvalidConfiguration, orgID, err)
		}

		cfgs = append(cfgs, &models.AdminConfiguration{
			OrgID:         orgID,
			Alertmanagers: ko.Strings(fmt.Sprintf("orgs.%s.alertmanagers", k)),
			SendAlertsTo:  choice,
		})
	}

	sort.Slice(cfgs, func(i, j int) bool { return cfgs[i].OrgID < cfgs[j].OrgID })
	return cfgs, nil
}
