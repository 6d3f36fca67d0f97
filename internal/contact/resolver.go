// Package contact decides where a message for an individual recipient goes:
// a registered two-way phone entry, a raw one-way number, or an email address.
package contact

import (
	"context"
	"strings"

	"messaging/internal/types"
)

// Directory is the subset of directory lookups channel resolution needs.
type Directory interface {
	// ListPhoneEntries returns the owner's entries ordered by creation time.
	ListPhoneEntries(ctx context.Context, domain string, kind types.OwnerKind, ownerID string) ([]*types.PhoneEntry, error)
	// GetUserCase returns the case that mirrors a user, or a not_found_recipient AppError.
	GetUserCase(ctx context.Context, domain, userID string) (*types.Case, error)
}

// Options carries per-domain toggles that change resolution.
type Options struct {
	// UsePhoneEntries enables two-way entry lookup. When false only raw
	// numbers are considered, even if verified entries exist.
	UsePhoneEntries bool
}

// Resolver resolves contact channels for individual recipients.
type Resolver struct {
	dir Directory
}

// NewResolver creates a Resolver.
func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the phone channel for target, or nil when it has none.
//
// Users prefer their own two-way entry, then their user case's two-way entry,
// then their first raw number, then the user case's contact_phone_number.
// Cases consult only themselves.
func (r *Resolver) Resolve(ctx context.Context, target *types.Recipient, opts Options) (*types.ContactChannel, error) {
	if target == nil {
		return nil, nil
	}
	switch target.Kind {
	case types.KindCase:
		return r.resolveCase(ctx, target.Case, opts)
	case types.KindMobileWorker, types.KindWebUser:
		return r.resolveUser(ctx, target.User, opts)
	}
	return nil, nil
}

func (r *Resolver) resolveCase(ctx context.Context, c *types.Case, opts Options) (*types.ContactChannel, error) {
	if opts.UsePhoneEntries {
		entry, err := r.twoWayEntry(ctx, c.Domain, types.OwnerCase, c.ID)
		if err != nil || entry != nil {
			return channelFor(entry), err
		}
	}
	if number := cleanNumber(c.Property(types.CasePropertyContactPhone)); number != "" {
		return &types.ContactChannel{PhoneNumber: number}, nil
	}
	return nil, nil
}

func (r *Resolver) resolveUser(ctx context.Context, u *types.User, opts Options) (*types.ContactChannel, error) {
	userCase, err := r.userCase(ctx, u)
	if err != nil {
		return nil, err
	}

	if opts.UsePhoneEntries {
		entry, err := r.twoWayEntry(ctx, u.Domain, types.OwnerUser, u.ID)
		if err != nil || entry != nil {
			return channelFor(entry), err
		}
		if userCase != nil {
			entry, err := r.twoWayEntry(ctx, userCase.Domain, types.OwnerCase, userCase.ID)
			if err != nil || entry != nil {
				return channelFor(entry), err
			}
		}
	}

	for _, number := range u.PhoneNumbers {
		if number = cleanNumber(number); number != "" {
			return &types.ContactChannel{PhoneNumber: number}, nil
		}
	}
	if userCase != nil {
		if number := cleanNumber(userCase.Property(types.CasePropertyContactPhone)); number != "" {
			return &types.ContactChannel{PhoneNumber: number}, nil
		}
	}
	return nil, nil
}

// ResolveEmail returns the email address for target, or "" when it has none.
// Users fall back to their user case's email property.
func (r *Resolver) ResolveEmail(ctx context.Context, target *types.Recipient) (string, error) {
	if target == nil {
		return "", nil
	}
	switch target.Kind {
	case types.KindCase:
		return strings.TrimSpace(target.Case.Property(types.CasePropertyEmail)), nil
	case types.KindMobileWorker, types.KindWebUser:
		if email := strings.TrimSpace(target.User.Email); email != "" {
			return email, nil
		}
		userCase, err := r.userCase(ctx, target.User)
		if err != nil || userCase == nil {
			return "", err
		}
		return strings.TrimSpace(userCase.Property(types.CasePropertyEmail)), nil
	}
	return "", nil
}

func (r *Resolver) userCase(ctx context.Context, u *types.User) (*types.Case, error) {
	c, err := r.dir.GetUserCase(ctx, u.Domain, u.ID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundRecipient) {
			return nil, nil
		}
		return nil, err
	}
	if c.Deleted {
		return nil, nil
	}
	return c, nil
}

func (r *Resolver) twoWayEntry(ctx context.Context, domain string, kind types.OwnerKind, ownerID string) (*types.PhoneEntry, error) {
	entries, err := r.dir.ListPhoneEntries(ctx, domain, kind, ownerID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.IsTwoWay && e.Verified {
			return e, nil
		}
	}
	return nil, nil
}

func channelFor(entry *types.PhoneEntry) *types.ContactChannel {
	if entry == nil {
		return nil
	}
	return &types.ContactChannel{Entry: entry}
}

func cleanNumber(s string) string {
	return strings.TrimSpace(s)
}
