package recipients

import (
	"context"
	"iter"
	"log/slog"
	"slices"

	"messaging/internal/types"
)

// Expander flattens coarse recipients into individuals.
type Expander struct {
	dir    Directory
	logger *slog.Logger
}

// NewExpander creates an Expander. A nil logger falls back to slog.Default().
func NewExpander(dir Directory, logger *slog.Logger) *Expander {
	if logger == nil {
		logger = slog.Default()
	}
	return &Expander{dir: dir, logger: logger}
}

// Expand returns a fresh, single-use sequence of the individuals r stands for.
//
// Groups yield their active mobile workers, case groups and case lists yield
// their cases, and locations yield the active mobile workers assigned to each
// contributing location. Individuals expand to themselves. A directory error
// is yielded once and ends the sequence. An empty result is not an error.
func (e *Expander) Expand(ctx context.Context, r *types.Recipient, s *types.Schedule) iter.Seq2[*types.Recipient, error] {
	return func(yield func(*types.Recipient, error) bool) {
		if r == nil {
			return
		}
		switch r.Kind {
		case types.KindCase, types.KindMobileWorker, types.KindWebUser:
			yield(r, nil)
		case types.KindGroup:
			e.expandGroup(ctx, r.Group, yield)
		case types.KindCaseGroup:
			e.expandCaseGroup(ctx, r.CaseGroup, yield)
		case types.KindCaseList:
			for _, c := range r.Cases {
				if !yield(types.CaseRecipient(c), nil) {
					return
				}
			}
		case types.KindLocation:
			e.expandLocation(ctx, r.Location, s, yield)
		default:
			e.logger.WarnContext(ctx, "cannot expand recipient", "kind", string(r.Kind))
		}
	}
}

func (e *Expander) expandGroup(ctx context.Context, g *types.Group, yield func(*types.Recipient, error) bool) {
	for _, userID := range g.UserIDs {
		u, err := e.dir.GetUser(ctx, g.Domain, userID)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundRecipient) {
				continue
			}
			yield(nil, err)
			return
		}
		if !messageableWorker(u) {
			continue
		}
		if !yield(types.UserRecipient(u), nil) {
			return
		}
	}
}

func (e *Expander) expandCaseGroup(ctx context.Context, g *types.CaseGroup, yield func(*types.Recipient, error) bool) {
	for _, caseID := range g.CaseIDs {
		c, err := e.dir.GetCase(ctx, g.Domain, caseID)
		if err != nil {
			if types.IsCode(err, types.ErrCodeNotFoundRecipient) {
				continue
			}
			yield(nil, err)
			return
		}
		if c.Deleted {
			continue
		}
		if !yield(types.CaseRecipient(c), nil) {
			return
		}
	}
}

// expandLocation walks the location subtree with an explicit queue, keeps the
// locations that pass the type filter and yields their workers once each.
func (e *Expander) expandLocation(ctx context.Context, root *types.Location, s *types.Schedule, yield func(*types.Recipient, error) bool) {
	includeDescendants := s != nil && s.IncludeDescendantLocations
	var typeFilter []string
	if s != nil {
		typeFilter = s.LocationTypeFilter
	}

	queue := []*types.Location{root}
	visited := map[string]bool{root.ID: true}
	seenUsers := make(map[string]bool)

	for len(queue) > 0 {
		loc := queue[0]
		queue = queue[1:]

		if includeDescendants {
			children, err := e.dir.ListChildLocations(ctx, loc.Domain, loc.ID)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, child := range children {
				if !visited[child.ID] {
					visited[child.ID] = true
					queue = append(queue, child)
				}
			}
		}

		if len(typeFilter) > 0 && !slices.Contains(typeFilter, loc.LocationTypeID) {
			continue
		}

		users, err := e.dir.ListUsersAtLocation(ctx, loc.Domain, loc.ID)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, u := range users {
			if seenUsers[u.ID] || !messageableWorker(u) {
				continue
			}
			seenUsers[u.ID] = true
			if !yield(types.UserRecipient(u), nil) {
				return
			}
		}
	}
}

func messageableWorker(u *types.User) bool {
	return u.Kind == types.UserMobile && u.IsActive && !u.Deleted
}
