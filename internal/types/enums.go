package types

// RecipientType identifies how a ScheduleInstance's recipient_id is interpreted.
// These values MUST match the CHECK constraint on schedule_instances.recipient_type.
type RecipientType string

const (
	// Absolute types address a directory entity by id.
	RecipientCase         RecipientType = "CommCareCase"
	RecipientMobileWorker RecipientType = "CommCareUser"
	RecipientWebUser      RecipientType = "WebUser"
	RecipientCaseGroup    RecipientType = "CommCareCaseGroup"
	RecipientUserGroup    RecipientType = "Group"
	RecipientLocation     RecipientType = "Location"

	// Relative types resolve against the case a CaseScheduleInstance belongs to.
	RecipientSelf               RecipientType = "Self"
	RecipientCaseOwner          RecipientType = "Owner"
	RecipientParentCase         RecipientType = "ParentCase"
	RecipientSubcase            RecipientType = "Subcase"
	RecipientLastSubmittingUser RecipientType = "LastSubmittingUser"
)

// AllRecipientTypes lists every valid RecipientType.
var AllRecipientTypes = []RecipientType{
	RecipientCase,
	RecipientMobileWorker,
	RecipientWebUser,
	RecipientCaseGroup,
	RecipientUserGroup,
	RecipientLocation,
	RecipientSelf,
	RecipientCaseOwner,
	RecipientParentCase,
	RecipientSubcase,
	RecipientLastSubmittingUser,
}

// Valid reports whether t is a known recipient type.
func (t RecipientType) Valid() bool {
	for _, v := range AllRecipientTypes {
		if v == t {
			return true
		}
	}
	return false
}

// CaseRelative reports whether t can only be resolved in the context of a case.
func (t RecipientType) CaseRelative() bool {
	switch t {
	case RecipientSelf, RecipientCaseOwner, RecipientParentCase, RecipientSubcase, RecipientLastSubmittingUser:
		return true
	}
	return false
}

// ScheduleType distinguishes anchored (timed) schedules from relative (alert) ones.
type ScheduleType string

const (
	ScheduleTimed ScheduleType = "timed"
	ScheduleAlert ScheduleType = "alert"
)

// ContentType enumerates the payload kinds an Event can carry.
type ContentType string

const (
	ContentSMS   ContentType = "sms"
	ContentEmail ContentType = "email"
)

// UserKind separates mobile workers from web users. Both live in the users table.
type UserKind string

const (
	UserMobile UserKind = "mobile"
	UserWeb    UserKind = "web"
)

// RecipientKind is the tag of the Recipient union.
type RecipientKind string

const (
	KindCase         RecipientKind = "case"
	KindMobileWorker RecipientKind = "mobile_worker"
	KindWebUser      RecipientKind = "web_user"
	KindGroup        RecipientKind = "group"
	KindCaseGroup    RecipientKind = "case_group"
	KindLocation     RecipientKind = "location"
	KindCaseList     RecipientKind = "case_list"
)

// OwnerKind identifies what a PhoneEntry belongs to.
type OwnerKind string

const (
	OwnerUser OwnerKind = "user"
	OwnerCase OwnerKind = "case"
)

// Case property names the engine reads.
const (
	CasePropertyContactPhone = "contact_phone_number"
	CasePropertyEmail        = "email"
	CasePropertyLanguage     = "language_code"
	CasePropertyTimezone     = "time_zone"
	CasePropertyHQUserID     = "hq_user_id"

	// ParentIndexIdentifier is the index name linking a child case to its parent.
	ParentIndexIdentifier = "parent"

	// SystemUserID marks case modifications made by the platform itself.
	SystemUserID = "system"
)
