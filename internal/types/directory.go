package types

import "time"

// Case is a tracked entity (patient, household, ...) as seen by the engine.
type Case struct {
	ID     string `json:"id"`
	Domain string `json:"domain"`
	Type   string `json:"type"`

	// OwnerID is a user, group or location id.
	OwnerID string `json:"owner_id"`
	// LastModifiedBy is the id of the user whose submission last touched the case.
	LastModifiedBy string `json:"last_modified_by"`
	ExternalID     string `json:"external_id,omitempty"`

	Properties map[string]string `json:"properties"`
	// Indices maps an index identifier (e.g. "parent") to the referenced case id.
	Indices map[string]string `json:"indices,omitempty"`

	Closed  bool `json:"closed"`
	Deleted bool `json:"deleted"`
}

// Property returns a case property, or "" when unset.
func (c *Case) Property(name string) string {
	if c == nil || c.Properties == nil {
		return ""
	}
	return c.Properties[name]
}

// User is a mobile worker or web user.
type User struct {
	ID       string   `json:"id"`
	Kind     UserKind `json:"kind"`
	Domain   string   `json:"domain"`
	Username string   `json:"username"`

	// PhoneNumbers are kept in the order they were added; the first is the default.
	PhoneNumbers []string `json:"phone_numbers"`
	Email        string   `json:"email,omitempty"`
	Language     string   `json:"language,omitempty"`
	Timezone     string   `json:"timezone,omitempty"`

	LocationIDs []string `json:"location_ids,omitempty"`
	IsActive    bool     `json:"is_active"`
	Deleted     bool     `json:"deleted"`
}

// Group is a named set of users.
type Group struct {
	ID      string   `json:"id"`
	Domain  string   `json:"domain"`
	Name    string   `json:"name"`
	UserIDs []string `json:"user_ids"`
}

// CaseGroup is a named set of cases.
type CaseGroup struct {
	ID      string   `json:"id"`
	Domain  string   `json:"domain"`
	Name    string   `json:"name"`
	CaseIDs []string `json:"case_ids"`
}

// Location is a node of a domain's organization hierarchy.
type Location struct {
	ID             string `json:"id"`
	Domain         string `json:"domain"`
	Name           string `json:"name"`
	LocationTypeID string `json:"location_type_id"`
	ParentID       string `json:"parent_id,omitempty"`
	Archived       bool   `json:"archived"`
}

// PhoneEntry is a registered phone number. Two-way entries are verified and can
// receive replies; the rest are send-only.
type PhoneEntry struct {
	ID          string    `json:"id"`
	Domain      string    `json:"domain"`
	OwnerKind   OwnerKind `json:"owner_kind"`
	OwnerID     string    `json:"owner_id"`
	PhoneNumber string    `json:"phone_number"`
	IsTwoWay    bool      `json:"is_two_way"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
}

// Recipient is a tagged union over every addressable entity. Exactly one payload
// field is set, selected by Kind.
type Recipient struct {
	Kind      RecipientKind
	Case      *Case
	User      *User
	Group     *Group
	CaseGroup *CaseGroup
	Location  *Location
	Cases     []*Case
}

// CaseRecipient wraps a case.
func CaseRecipient(c *Case) *Recipient { return &Recipient{Kind: KindCase, Case: c} }

// UserRecipient wraps a user, tagging it by user kind.
func UserRecipient(u *User) *Recipient {
	if u.Kind == UserWeb {
		return &Recipient{Kind: KindWebUser, User: u}
	}
	return &Recipient{Kind: KindMobileWorker, User: u}
}

// GroupRecipient wraps a user group.
func GroupRecipient(g *Group) *Recipient { return &Recipient{Kind: KindGroup, Group: g} }

// CaseGroupRecipient wraps a case group.
func CaseGroupRecipient(g *CaseGroup) *Recipient {
	return &Recipient{Kind: KindCaseGroup, CaseGroup: g}
}

// LocationRecipient wraps a location.
func LocationRecipient(l *Location) *Recipient { return &Recipient{Kind: KindLocation, Location: l} }

// CaseListRecipient wraps a list of cases (subcases).
func CaseListRecipient(cases []*Case) *Recipient {
	return &Recipient{Kind: KindCaseList, Cases: cases}
}

// ID returns the id of the wrapped entity, or "" for case lists.
func (r *Recipient) ID() string {
	switch r.Kind {
	case KindCase:
		return r.Case.ID
	case KindMobileWorker, KindWebUser:
		return r.User.ID
	case KindGroup:
		return r.Group.ID
	case KindCaseGroup:
		return r.CaseGroup.ID
	case KindLocation:
		return r.Location.ID
	}
	return ""
}

// Key returns the absolute RecipientKey addressing the wrapped entity.
func (r *Recipient) Key() RecipientKey {
	switch r.Kind {
	case KindCase:
		return RecipientKey{Type: RecipientCase, ID: r.Case.ID}
	case KindMobileWorker:
		return RecipientKey{Type: RecipientMobileWorker, ID: r.User.ID}
	case KindWebUser:
		return RecipientKey{Type: RecipientWebUser, ID: r.User.ID}
	case KindGroup:
		return RecipientKey{Type: RecipientUserGroup, ID: r.Group.ID}
	case KindCaseGroup:
		return RecipientKey{Type: RecipientCaseGroup, ID: r.CaseGroup.ID}
	case KindLocation:
		return RecipientKey{Type: RecipientLocation, ID: r.Location.ID}
	}
	return RecipientKey{}
}

// Individual reports whether the recipient can be messaged directly.
func (r *Recipient) Individual() bool {
	switch r.Kind {
	case KindCase, KindMobileWorker, KindWebUser:
		return true
	}
	return false
}

// Language returns the recipient's preferred language code, if any.
func (r *Recipient) Language() string {
	switch r.Kind {
	case KindCase:
		return r.Case.Property(CasePropertyLanguage)
	case KindMobileWorker, KindWebUser:
		return r.User.Language
	}
	return ""
}

// Timezone returns the recipient's IANA time zone name, if any.
func (r *Recipient) Timezone() string {
	switch r.Kind {
	case KindCase:
		return r.Case.Property(CasePropertyTimezone)
	case KindMobileWorker, KindWebUser:
		return r.User.Timezone
	}
	return ""
}

// ContactChannel is the result of channel resolution: either a two-way phone
// entry or a one-way raw number.
type ContactChannel struct {
	Entry       *PhoneEntry
	PhoneNumber string
}

// TwoWay reports whether the channel can receive replies.
func (c *ContactChannel) TwoWay() bool {
	return c != nil && c.Entry != nil && c.Entry.IsTwoWay
}

// Number returns the phone number to send to.
func (c *ContactChannel) Number() string {
	if c == nil {
		return ""
	}
	if c.Entry != nil {
		return c.Entry.PhoneNumber
	}
	return c.PhoneNumber
}
