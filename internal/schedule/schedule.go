// Package schedule owns schedule definitions and the algorithm that decides when
// an instance's next event is due.
//
// Timed schedules anchor every event to the instance's start date: event n of
// iteration k is due on start + (k-1)*cycle + event.Day at event.Time in the
// recipient's time zone. Alert schedules chain events instead: each event is due
// MinutesToWait after the previous one fired, so processing delays push the
// rest of the chain forward rather than causing catch-up bursts.
package schedule

import (
	"time"

	"github.com/google/uuid"

	"messaging/internal/types"
)

// Option customizes a schedule built by one of the constructors.
type Option func(*types.Schedule)

// WithID overrides the generated schedule id.
func WithID(id string) Option {
	return func(s *types.Schedule) { s.ID = id }
}

// WithDescendantLocations makes Location recipients include all descendant locations.
func WithDescendantLocations(include bool) Option {
	return func(s *types.Schedule) { s.IncludeDescendantLocations = include }
}

// WithLocationTypeFilter restricts contributing locations to the given type ids.
func WithLocationTypeFilter(typeIDs ...string) Option {
	return func(s *types.Schedule) { s.LocationTypeFilter = append([]string(nil), typeIDs...) }
}

// WithDefaultLanguage sets the fallback translation used when a recipient has none.
func WithDefaultLanguage(code string) Option {
	return func(s *types.Schedule) { s.DefaultLanguageCode = code }
}

// WithActive sets the schedule's initial active flag (default true).
func WithActive(active bool) Option {
	return func(s *types.Schedule) { s.Active = active }
}

// NewSimpleDailySchedule builds a timed schedule that sends content once a day at
// the given time for totalIterations days (or RepeatIndefinitely).
func NewSimpleDailySchedule(domain string, at types.TimeOfDay, content types.Content, totalIterations int, opts ...Option) (*types.Schedule, error) {
	return NewCustomDailySchedule(domain, []types.Event{{Day: 0, Time: at, Content: content}}, totalIterations, opts...)
}

// NewCustomDailySchedule builds a timed schedule from explicit events. The cycle
// repeats every max(event.Day)+1 days.
func NewCustomDailySchedule(domain string, events []types.Event, totalIterations int, opts ...Option) (*types.Schedule, error) {
	return build(domain, types.ScheduleTimed, events, totalIterations, opts)
}

// NewSimpleAlert builds an alert schedule that sends content once, immediately.
func NewSimpleAlert(domain string, content types.Content, opts ...Option) (*types.Schedule, error) {
	return NewCustomAlert(domain, []types.Event{{MinutesToWait: 0, Content: content}}, opts...)
}

// NewCustomAlert builds a single-iteration alert schedule from explicit events.
func NewCustomAlert(domain string, events []types.Event, opts ...Option) (*types.Schedule, error) {
	return build(domain, types.ScheduleAlert, events, 1, opts)
}

func build(domain string, typ types.ScheduleType, events []types.Event, totalIterations int, opts []Option) (*types.Schedule, error) {
	now := time.Now().UTC()
	s := &types.Schedule{
		ID:              uuid.NewString(),
		Domain:          domain,
		Type:            typ,
		Events:          append(types.EventList(nil), events...),
		TotalIterations: totalIterations,
		Active:          true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := Validate(s); err != nil {
		return nil, err
	}
	return s, nil
}

// CycleLengthDays returns the number of days one iteration of a timed schedule spans.
func CycleLengthDays(s *types.Schedule) int {
	maxDay := 0
	for _, ev := range s.Events {
		if ev.Day > maxDay {
			maxDay = ev.Day
		}
	}
	return maxDay + 1
}
