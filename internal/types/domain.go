package types

import "time"

// RepeatIndefinitely is the TotalIterations sentinel for schedules that never end.
const RepeatIndefinitely = -1

// Schedule is the immutable-once-published definition of when and what to send.
// Timed schedules anchor events to a start date; alert schedules chain events
// relative to the moment the previous one fired.
type Schedule struct {
	ID     string       `json:"id"`
	Domain string       `json:"domain" validate:"required"`
	Type   ScheduleType `json:"type" validate:"required,oneof=timed alert"`
	Events EventList    `json:"events" validate:"min=1,dive"`

	// TotalIterations is a positive count or RepeatIndefinitely.
	TotalIterations int `json:"total_iterations"`

	// Location expansion options; only meaningful for Location recipients.
	IncludeDescendantLocations bool     `json:"include_descendant_locations"`
	LocationTypeFilter         []string `json:"location_type_filter,omitempty"`

	DefaultLanguageCode string `json:"default_language_code,omitempty"`
	Active              bool   `json:"active"`
	Deleted             bool   `json:"deleted"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Repeats reports whether the schedule has no iteration limit.
func (s *Schedule) Repeats() bool {
	return s.TotalIterations == RepeatIndefinitely
}

// Event is one entry of a schedule's ordered event sequence.
// Timed schedules use Day and Time; alert schedules use MinutesToWait.
type Event struct {
	Day           int       `json:"day,omitempty" validate:"gte=0"`
	Time          TimeOfDay `json:"time"`
	MinutesToWait int       `json:"minutes_to_wait,omitempty" validate:"gte=0"`
	Content       Content   `json:"content"`
}

// EventList is the JSONB-backed ordered event sequence of a Schedule.
type EventList []Event

// Content is the payload sent when an event fires. Message and Subject are keyed
// by language code; "*" is the catch-all translation.
type Content struct {
	Type    ContentType       `json:"type" validate:"required,oneof=sms email"`
	Message map[string]string `json:"message"`
	Subject map[string]string `json:"subject,omitempty"`
}

// Progress is the cursor shared by every schedule instance variant. It is only
// mutated by the schedule algorithm.
type Progress struct {
	CurrentEventNum int       `json:"current_event_num"`
	IterationNum    int       `json:"schedule_iteration_num"`
	NextEventDue    time.Time `json:"next_event_due"`
	StartDate       Date      `json:"start_date"`
	Active          bool      `json:"active"`
}

// ScheduleInstance tracks one recipient's progress through a schedule.
// The recipient is a weak reference: it may have been deleted since creation.
type ScheduleInstance struct {
	ID            string        `json:"id"`
	Domain        string        `json:"domain"`
	ScheduleID    string        `json:"schedule_id"`
	RecipientType RecipientType `json:"recipient_type"`
	RecipientID   string        `json:"recipient_id,omitempty"`

	Progress

	// Version increments on every persisted change and backs the
	// compare-and-swap used by Claim and Update.
	Version     int64      `json:"version"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Common returns the instance itself.
func (i *ScheduleInstance) Common() *ScheduleInstance { return i }

// RecipientCaseID is empty: plain instances have no owning case.
func (i *ScheduleInstance) RecipientCaseID() string { return "" }

// Key returns the recipient key the instance was created for.
func (i *ScheduleInstance) Key() RecipientKey {
	return RecipientKey{Type: i.RecipientType, ID: i.RecipientID}
}

// CaseScheduleInstance is a schedule instance created by a case rule. Its
// relative recipient types (Self, Owner, ParentCase, ...) resolve against CaseID.
type CaseScheduleInstance struct {
	ScheduleInstance
	CaseID string `json:"case_id"`
	RuleID string `json:"rule_id,omitempty"`
}

// RecipientCaseID returns the case relative recipients resolve against.
func (i *CaseScheduleInstance) RecipientCaseID() string { return i.CaseID }

// Instance is implemented by *ScheduleInstance and *CaseScheduleInstance.
type Instance interface {
	Common() *ScheduleInstance
	RecipientCaseID() string
}

var (
	_ Instance = (*ScheduleInstance)(nil)
	_ Instance = (*CaseScheduleInstance)(nil)
)

// RecipientKey is a (recipient_type, recipient_id) pair as configured on a
// schedule or rule. Relative types carry an empty ID.
type RecipientKey struct {
	Type RecipientType `json:"type" validate:"required"`
	ID   string        `json:"id,omitempty"`
}

// String formats the key as type:id.
func (k RecipientKey) String() string {
	return string(k.Type) + ":" + k.ID
}

// DomainSettings are the per-domain knobs the engine reads.
type DomainSettings struct {
	Name            string `json:"name"`
	DefaultTimezone string `json:"default_timezone"`
	// UsePhoneEntries overrides the process-wide default when set.
	UsePhoneEntries *bool `json:"use_phone_entries,omitempty"`
}

// PhoneEntriesEnabled resolves the phone entry toggle against a process default.
func (d DomainSettings) PhoneEntriesEnabled(processDefault bool) bool {
	if d.UsePhoneEntries != nil {
		return *d.UsePhoneEntries
	}
	return processDefault
}
