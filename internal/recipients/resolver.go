package recipients

import (
	"context"
	"log/slog"
	"time"

	"messaging/internal/types"
)

// resolveFunc resolves one recipient type. c is the instance's case for
// case-relative types and nil otherwise.
type resolveFunc func(ctx context.Context, domain, id string, c *types.Case) (*types.Recipient, error)

// ResolverConfig holds dependencies for creating a Resolver.
type ResolverConfig struct {
	Directory Directory
	Logger    *slog.Logger
	// LookupTimeout bounds a single Resolve call. Zero disables the bound.
	LookupTimeout time.Duration
}

// Resolver maps a recipient type and id to a directory entity. Resolve fails
// closed: anything short of a clean hit yields nil. ResolveStrict reports
// directory failures instead.
type Resolver struct {
	dir     Directory
	logger  *slog.Logger
	timeout time.Duration
	table   map[types.RecipientType]resolveFunc
}

// NewResolver creates a Resolver.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{
		dir:     cfg.Directory,
		logger:  logger,
		timeout: cfg.LookupTimeout,
	}
	r.table = map[types.RecipientType]resolveFunc{
		types.RecipientCase:               r.resolveCase,
		types.RecipientMobileWorker:       r.userOfKind(types.UserMobile),
		types.RecipientWebUser:            r.userOfKind(types.UserWeb),
		types.RecipientCaseGroup:          r.resolveCaseGroup,
		types.RecipientUserGroup:          r.resolveGroup,
		types.RecipientLocation:           r.resolveLocation,
		types.RecipientSelf:               r.resolveSelf,
		types.RecipientCaseOwner:          r.resolveOwner,
		types.RecipientParentCase:         r.resolveParent,
		types.RecipientSubcase:            r.resolveSubcases,
		types.RecipientLastSubmittingUser: r.resolveLastSubmitter,
	}
	return r
}

// Resolve returns the recipient addressed by recipientType and recipientID in
// domain, or nil. caseID is required for case-relative types and ignored
// otherwise. Lookup failures are logged and also yield nil.
func (r *Resolver) Resolve(ctx context.Context, domain string, recipientType types.RecipientType, recipientID, caseID string) *types.Recipient {
	recipient, err := r.ResolveStrict(ctx, domain, recipientType, recipientID, caseID)
	if err != nil {
		r.logger.WarnContext(ctx, "recipient lookup failed",
			"domain", domain,
			"recipient_type", string(recipientType),
			"recipient_id", recipientID,
			"case_id", caseID,
			"error", err,
		)
		return nil
	}
	return recipient
}

// ResolveStrict is Resolve without the fail-closed collapse. A recipient that
// is missing, deleted, or of the wrong kind yields (nil, nil); any other
// directory failure is returned so callers can tell "gone" from "unknown".
func (r *Resolver) ResolveStrict(ctx context.Context, domain string, recipientType types.RecipientType, recipientID, caseID string) (*types.Recipient, error) {
	fn, ok := r.table[recipientType]
	if !ok {
		r.logger.WarnContext(ctx, "unknown recipient type",
			"domain", domain,
			"recipient_type", string(recipientType),
		)
		return nil, nil
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	var c *types.Case
	if recipientType.CaseRelative() {
		if caseID == "" {
			return nil, nil
		}
		var err error
		c, err = r.dir.GetCase(ctx, domain, caseID)
		if err != nil {
			return nil, dropNotFound(err)
		}
		if c.Deleted {
			return nil, nil
		}
	}

	recipient, err := fn(ctx, domain, recipientID, c)
	if err != nil {
		return nil, dropNotFound(err)
	}
	return recipient, nil
}

func dropNotFound(err error) error {
	if types.IsCode(err, types.ErrCodeNotFoundRecipient) {
		return nil
	}
	return err
}

func (r *Resolver) resolveCase(ctx context.Context, domain, id string, _ *types.Case) (*types.Recipient, error) {
	c, err := r.dir.GetCase(ctx, domain, id)
	if err != nil || c.Deleted {
		return nil, err
	}
	return types.CaseRecipient(c), nil
}

func (r *Resolver) userOfKind(kind types.UserKind) resolveFunc {
	return func(ctx context.Context, domain, id string, _ *types.Case) (*types.Recipient, error) {
		u, err := r.dir.GetUser(ctx, domain, id)
		if err != nil || u.Deleted || u.Kind != kind {
			return nil, err
		}
		return types.UserRecipient(u), nil
	}
}

func (r *Resolver) resolveCaseGroup(ctx context.Context, domain, id string, _ *types.Case) (*types.Recipient, error) {
	g, err := r.dir.GetCaseGroup(ctx, domain, id)
	if err != nil {
		return nil, err
	}
	return types.CaseGroupRecipient(g), nil
}

func (r *Resolver) resolveGroup(ctx context.Context, domain, id string, _ *types.Case) (*types.Recipient, error) {
	g, err := r.dir.GetGroup(ctx, domain, id)
	if err != nil {
		return nil, err
	}
	return types.GroupRecipient(g), nil
}

func (r *Resolver) resolveLocation(ctx context.Context, domain, id string, _ *types.Case) (*types.Recipient, error) {
	l, err := r.dir.GetLocation(ctx, domain, id)
	if err != nil {
		return nil, err
	}
	return types.LocationRecipient(l), nil
}

func (r *Resolver) resolveSelf(_ context.Context, _, _ string, c *types.Case) (*types.Recipient, error) {
	return types.CaseRecipient(c), nil
}

// resolveOwner interprets the case's owner id as a location, then a group,
// then a user of either kind.
func (r *Resolver) resolveOwner(ctx context.Context, domain, _ string, c *types.Case) (*types.Recipient, error) {
	ownerID := c.OwnerID
	if ownerID == "" {
		return nil, nil
	}

	if l, err := r.dir.GetLocation(ctx, domain, ownerID); err == nil {
		return types.LocationRecipient(l), nil
	} else if !types.IsCode(err, types.ErrCodeNotFoundRecipient) {
		return nil, err
	}

	if g, err := r.dir.GetGroup(ctx, domain, ownerID); err == nil {
		return types.GroupRecipient(g), nil
	} else if !types.IsCode(err, types.ErrCodeNotFoundRecipient) {
		return nil, err
	}

	u, err := r.dir.GetUser(ctx, domain, ownerID)
	if err != nil || u.Deleted {
		return nil, err
	}
	return types.UserRecipient(u), nil
}

func (r *Resolver) resolveParent(ctx context.Context, domain, _ string, c *types.Case) (*types.Recipient, error) {
	parentID := c.Indices[types.ParentIndexIdentifier]
	if parentID == "" {
		return nil, nil
	}
	return r.resolveCase(ctx, domain, parentID, nil)
}

func (r *Resolver) resolveSubcases(ctx context.Context, domain, _ string, c *types.Case) (*types.Recipient, error) {
	children, err := r.dir.ListSubcases(ctx, domain, c.ID)
	if err != nil {
		return nil, err
	}
	open := make([]*types.Case, 0, len(children))
	for _, child := range children {
		if !child.Closed && !child.Deleted {
			open = append(open, child)
		}
	}
	return types.CaseListRecipient(open), nil
}

func (r *Resolver) resolveLastSubmitter(ctx context.Context, domain, _ string, c *types.Case) (*types.Recipient, error) {
	userID := c.LastModifiedBy
	if userID == "" || userID == types.SystemUserID {
		return nil, nil
	}
	u, err := r.dir.GetUser(ctx, domain, userID)
	if err != nil || u.Deleted {
		return nil, err
	}
	return types.UserRecipient(u), nil
}
