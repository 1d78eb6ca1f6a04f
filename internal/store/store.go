// Package store contains the sources of administrator configuration the
// dispatcher reconciles against. Every implementation returns a complete
// snapshot on each call; there are no incremental updates.
package store

import (
	"context"
	"errors"

	"github.com/mr-karan/amdispatch/internal/models"
)

// ErrInvalidConfiguration is returned when a stored configuration can't be decoded.
var ErrInvalidConfiguration = errors.New("invalid admin configuration")

// AdminConfigurationStore gives read access to the admin configuration of all organizations.
type AdminConfigurationStore interface {
	FetchAll(ctx context.Context) ([]*models.AdminConfiguration, error)
}
