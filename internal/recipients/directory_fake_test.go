package recipients

import (
	"context"
	"errors"
	"slices"

	"messaging/internal/types"
)

var errDirectoryDown = errors.New("directory unavailable")

// memDirectory is an in-memory Directory keyed by domain then id.
type memDirectory struct {
	cases      map[string]*types.Case
	users      map[string]*types.User
	groups     map[string]*types.Group
	caseGroups map[string]*types.CaseGroup
	locations  map[string]*types.Location

	// failOn makes the named method return errDirectoryDown.
	failOn map[string]bool
}

func newMemDirectory() *memDirectory {
	return &memDirectory{
		cases:      make(map[string]*types.Case),
		users:      make(map[string]*types.User),
		groups:     make(map[string]*types.Group),
		caseGroups: make(map[string]*types.CaseGroup),
		locations:  make(map[string]*types.Location),
		failOn:     make(map[string]bool),
	}
}

func notFound() error {
	return types.NewAppError(types.ErrCodeNotFoundRecipient, "not found", nil)
}

func (m *memDirectory) addCase(c *types.Case) *types.Case {
	m.cases[c.ID] = c
	return c
}

func (m *memDirectory) addUser(u *types.User) *types.User {
	m.users[u.ID] = u
	return u
}

func (m *memDirectory) addGroup(g *types.Group) *types.Group {
	m.groups[g.ID] = g
	return g
}

func (m *memDirectory) addLocation(l *types.Location) *types.Location {
	m.locations[l.ID] = l
	return l
}

func (m *memDirectory) GetCase(_ context.Context, domain, id string) (*types.Case, error) {
	if m.failOn["GetCase"] {
		return nil, errDirectoryDown
	}
	c, ok := m.cases[id]
	if !ok || c.Domain != domain {
		return nil, notFound()
	}
	return c, nil
}

func (m *memDirectory) GetUser(_ context.Context, domain, id string) (*types.User, error) {
	if m.failOn["GetUser"] {
		return nil, errDirectoryDown
	}
	u, ok := m.users[id]
	if !ok || u.Domain != domain {
		return nil, notFound()
	}
	return u, nil
}

func (m *memDirectory) GetGroup(_ context.Context, domain, id string) (*types.Group, error) {
	g, ok := m.groups[id]
	if !ok || g.Domain != domain {
		return nil, notFound()
	}
	return g, nil
}

func (m *memDirectory) GetCaseGroup(_ context.Context, domain, id string) (*types.CaseGroup, error) {
	g, ok := m.caseGroups[id]
	if !ok || g.Domain != domain {
		return nil, notFound()
	}
	return g, nil
}

func (m *memDirectory) GetLocation(_ context.Context, domain, id string) (*types.Location, error) {
	l, ok := m.locations[id]
	if !ok || l.Domain != domain {
		return nil, notFound()
	}
	return l, nil
}

func (m *memDirectory) ListChildLocations(_ context.Context, domain, parentID string) ([]*types.Location, error) {
	if m.failOn["ListChildLocations"] {
		return nil, errDirectoryDown
	}
	var out []*types.Location
	for _, id := range sortedKeys(m.locations) {
		l := m.locations[id]
		if l.Domain == domain && l.ParentID == parentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *memDirectory) ListUsersAtLocation(_ context.Context, domain, locationID string) ([]*types.User, error) {
	var out []*types.User
	for _, id := range sortedKeys(m.users) {
		u := m.users[id]
		if u.Domain != domain {
			continue
		}
		for _, l := range u.LocationIDs {
			if l == locationID {
				out = append(out, u)
				break
			}
		}
	}
	return out, nil
}

func (m *memDirectory) ListSubcases(_ context.Context, domain, parentCaseID string) ([]*types.Case, error) {
	var out []*types.Case
	for _, id := range sortedKeys(m.cases) {
		c := m.cases[id]
		if c.Domain == domain && c.Indices[types.ParentIndexIdentifier] == parentCaseID {
			out = append(out, c)
		}
	}
	return out, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
