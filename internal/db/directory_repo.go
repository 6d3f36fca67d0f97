package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"messaging/internal/types"
)

// DirectoryRepository reads cases, users, groups, locations and phone entries.
// It satisfies both recipients.Directory and contact.Directory. Every query is
// scoped to a domain, so an id from another domain reads as not found.
type DirectoryRepository struct {
	db DBTX
}

// NewDirectoryRepository creates a new DirectoryRepository.
func NewDirectoryRepository(db DBTX) *DirectoryRepository {
	return &DirectoryRepository{db: db}
}

const (
	caseColumns     = `id, domain, case_type, owner_id, last_modified_by, external_id, properties, indices, closed, deleted`
	userColumns     = `id, domain, kind, username, phone_numbers, email, language, timezone, location_ids, is_active, deleted`
	locationColumns = `id, domain, name, location_type_id, parent_id, archived`
)

// GetCase returns a case by id.
func (r *DirectoryRepository) GetCase(ctx context.Context, domain, caseID string) (*types.Case, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE domain = $1 AND id = $2`,
		domain, caseID)
	c, err := scanCase(row)
	if err != nil {
		return nil, lookupError(err, "case", caseID)
	}
	return c, nil
}

// GetUserCase returns the non-deleted case that mirrors a user.
func (r *DirectoryRepository) GetUserCase(ctx context.Context, domain, userID string) (*types.Case, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE domain = $1 AND case_type = 'commcare-user'
		   AND properties->>'hq_user_id' = $2 AND NOT deleted
		 ORDER BY id
		 LIMIT 1`,
		domain, userID)
	c, err := scanCase(row)
	if err != nil {
		return nil, lookupError(err, "user case", userID)
	}
	return c, nil
}

// ListSubcases returns cases whose parent index points at parentCaseID.
func (r *DirectoryRepository) ListSubcases(ctx context.Context, domain, parentCaseID string) ([]*types.Case, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+caseColumns+` FROM cases
		 WHERE domain = $1 AND indices->>'parent' = $2
		 ORDER BY id`,
		domain, parentCaseID)
	if err != nil {
		return nil, directoryError(err, "failed to list subcases")
	}
	defer rows.Close()

	var out []*types.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, directoryError(err, "failed to scan case")
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, directoryError(err, "error iterating cases")
	}
	return out, nil
}

// GetUser returns a mobile worker or web user by id.
func (r *DirectoryRepository) GetUser(ctx context.Context, domain, userID string) (*types.User, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE domain = $1 AND id = $2`,
		domain, userID)
	u, err := scanUser(row)
	if err != nil {
		return nil, lookupError(err, "user", userID)
	}
	return u, nil
}

// ListUsersAtLocation returns users assigned to exactly locationID.
func (r *DirectoryRepository) ListUsersAtLocation(ctx context.Context, domain, locationID string) ([]*types.User, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE domain = $1 AND $2 = ANY(location_ids)
		 ORDER BY id`,
		domain, locationID)
	if err != nil {
		return nil, directoryError(err, "failed to list users at location")
	}
	defer rows.Close()

	var out []*types.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, directoryError(err, "failed to scan user")
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, directoryError(err, "error iterating users")
	}
	return out, nil
}

// GetGroup returns a user group by id.
func (r *DirectoryRepository) GetGroup(ctx context.Context, domain, groupID string) (*types.Group, error) {
	var g types.Group
	err := r.db.QueryRow(ctx,
		`SELECT id, domain, name, user_ids FROM user_groups WHERE domain = $1 AND id = $2`,
		domain, groupID,
	).Scan(&g.ID, &g.Domain, &g.Name, &g.UserIDs)
	if err != nil {
		return nil, lookupError(err, "group", groupID)
	}
	return &g, nil
}

// GetCaseGroup returns a case group by id.
func (r *DirectoryRepository) GetCaseGroup(ctx context.Context, domain, groupID string) (*types.CaseGroup, error) {
	var g types.CaseGroup
	err := r.db.QueryRow(ctx,
		`SELECT id, domain, name, case_ids FROM case_groups WHERE domain = $1 AND id = $2`,
		domain, groupID,
	).Scan(&g.ID, &g.Domain, &g.Name, &g.CaseIDs)
	if err != nil {
		return nil, lookupError(err, "case group", groupID)
	}
	return &g, nil
}

// GetLocation returns a location by id.
func (r *DirectoryRepository) GetLocation(ctx context.Context, domain, locationID string) (*types.Location, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+locationColumns+` FROM locations WHERE domain = $1 AND id = $2`,
		domain, locationID)
	l, err := scanLocation(row)
	if err != nil {
		return nil, lookupError(err, "location", locationID)
	}
	return l, nil
}

// ListChildLocations returns the unarchived direct children of a location.
func (r *DirectoryRepository) ListChildLocations(ctx context.Context, domain, parentID string) ([]*types.Location, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+locationColumns+` FROM locations
		 WHERE domain = $1 AND parent_id = $2 AND NOT archived
		 ORDER BY id`,
		domain, parentID)
	if err != nil {
		return nil, directoryError(err, "failed to list child locations")
	}
	defer rows.Close()

	var out []*types.Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, directoryError(err, "failed to scan location")
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, directoryError(err, "error iterating locations")
	}
	return out, nil
}

// ListPhoneEntries returns an owner's phone entries, oldest first.
func (r *DirectoryRepository) ListPhoneEntries(ctx context.Context, domain string, kind types.OwnerKind, ownerID string) ([]*types.PhoneEntry, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, domain, owner_kind, owner_id, phone_number, is_two_way, verified, created_at
		 FROM phone_entries
		 WHERE domain = $1 AND owner_kind = $2 AND owner_id = $3
		 ORDER BY created_at, id`,
		domain, string(kind), ownerID)
	if err != nil {
		return nil, directoryError(err, "failed to list phone entries")
	}
	defer rows.Close()

	var out []*types.PhoneEntry
	for rows.Next() {
		var (
			e         types.PhoneEntry
			ownerKind string
		)
		if err := rows.Scan(&e.ID, &e.Domain, &ownerKind, &e.OwnerID, &e.PhoneNumber,
			&e.IsTwoWay, &e.Verified, &e.CreatedAt); err != nil {
			return nil, directoryError(err, "failed to scan phone entry")
		}
		e.OwnerKind = types.OwnerKind(ownerKind)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, directoryError(err, "error iterating phone entries")
	}
	return out, nil
}

func scanCase(row pgx.Row) (*types.Case, error) {
	var c types.Case
	if err := row.Scan(
		&c.ID,
		&c.Domain,
		&c.Type,
		&c.OwnerID,
		&c.LastModifiedBy,
		&c.ExternalID,
		(*types.StringMap)(&c.Properties),
		(*types.StringMap)(&c.Indices),
		&c.Closed,
		&c.Deleted,
	); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanUser(row pgx.Row) (*types.User, error) {
	var (
		u    types.User
		kind string
	)
	if err := row.Scan(
		&u.ID,
		&u.Domain,
		&kind,
		&u.Username,
		&u.PhoneNumbers,
		&u.Email,
		&u.Language,
		&u.Timezone,
		&u.LocationIDs,
		&u.IsActive,
		&u.Deleted,
	); err != nil {
		return nil, err
	}
	u.Kind = types.UserKind(kind)
	return &u, nil
}

func scanLocation(row pgx.Row) (*types.Location, error) {
	var (
		l        types.Location
		parentID *string
	)
	if err := row.Scan(&l.ID, &l.Domain, &l.Name, &l.LocationTypeID, &parentID, &l.Archived); err != nil {
		return nil, err
	}
	l.ParentID = derefString(parentID)
	return &l, nil
}

func lookupError(err error, entity, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return types.NewAppErrorWithDetails(types.ErrCodeNotFoundRecipient, entity+" not found", nil,
			map[string]any{"id": id})
	}
	return directoryError(err, "failed to retrieve "+entity)
}

func directoryError(err error, msg string) error {
	return types.NewAppError(types.ErrCodeUpstreamDirectory, msg, err)
}
