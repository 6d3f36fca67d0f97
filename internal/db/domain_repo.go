package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"messaging/internal/types"
)

// DomainRepository reads per-domain settings.
type DomainRepository struct {
	db DBTX
}

// NewDomainRepository creates a new DomainRepository.
func NewDomainRepository(db DBTX) *DomainRepository {
	return &DomainRepository{db: db}
}

// GetSettings returns a domain's settings. A domain without a row gets zero
// settings so process-wide defaults apply.
func (r *DomainRepository) GetSettings(ctx context.Context, domain string) (types.DomainSettings, error) {
	settings := types.DomainSettings{Name: domain}
	err := r.db.QueryRow(ctx,
		`SELECT default_timezone, use_phone_entries FROM domains WHERE name = $1`,
		domain,
	).Scan(&settings.DefaultTimezone, &settings.UsePhoneEntries)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.DomainSettings{Name: domain}, nil
		}
		return types.DomainSettings{}, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve domain settings", err)
	}
	return settings, nil
}
