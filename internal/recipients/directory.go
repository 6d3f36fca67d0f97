// Package recipients turns (recipient_type, recipient_id) pairs into directory
// entities and expands coarse recipients (groups, case groups, locations) into
// the individuals that messages are actually sent to.
package recipients

import (
	"context"

	"messaging/internal/types"
)

// Directory is the read-only view of cases, users and the organization hierarchy.
// Every lookup is scoped to a domain. A missing entity is reported as an
// AppError with code not_found_recipient.
type Directory interface {
	GetCase(ctx context.Context, domain, caseID string) (*types.Case, error)
	GetUser(ctx context.Context, domain, userID string) (*types.User, error)
	GetGroup(ctx context.Context, domain, groupID string) (*types.Group, error)
	GetCaseGroup(ctx context.Context, domain, groupID string) (*types.CaseGroup, error)
	GetLocation(ctx context.Context, domain, locationID string) (*types.Location, error)

	// ListChildLocations returns the direct children of a location.
	ListChildLocations(ctx context.Context, domain, parentID string) ([]*types.Location, error)
	// ListUsersAtLocation returns users assigned to exactly this location.
	ListUsersAtLocation(ctx context.Context, domain, locationID string) ([]*types.User, error)
	// ListSubcases returns cases whose parent index points at parentCaseID.
	ListSubcases(ctx context.Context, domain, parentCaseID string) ([]*types.Case, error)
}
