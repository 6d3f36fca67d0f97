package schedule

import (
	"time"

	"messaging/internal/types"
)

// Start resets p to the first event of the first iteration.
//
// For timed schedules the first due time derives from startDate and the
// schedule's events. For alerts it is anchor plus the first event's wait.
func Start(s *types.Schedule, p *types.Progress, startDate types.Date, anchor time.Time, loc *time.Location) {
	p.StartDate = startDate
	p.CurrentEventNum = 0
	p.IterationNum = 1
	p.Active = true
	p.NextEventDue = dueAfter(s, p, anchor, loc)
}

// Advance moves p past its current event, which fired at firedAt.
//
// When the last event of the final iteration has been consumed the instance is
// deactivated. NextEventDue is still computed for the would-be next event so the
// cursor stays well defined.
func Advance(s *types.Schedule, p *types.Progress, firedAt time.Time, loc *time.Location) {
	p.CurrentEventNum++
	if p.CurrentEventNum >= len(s.Events) {
		p.CurrentEventNum = 0
		p.IterationNum++
	}
	if !s.Repeats() && p.IterationNum > s.TotalIterations {
		p.Active = false
	}
	p.NextEventDue = dueAfter(s, p, firedAt, loc)
}

// MoveToNextEventNotInThePast advances p without sending until NextEventDue is
// not before now or the instance becomes inactive. Skipped alert events are
// treated as having fired at their due time. It returns the number of events
// skipped.
func MoveToNextEventNotInThePast(s *types.Schedule, p *types.Progress, now time.Time, loc *time.Location) int {
	skipped := 0
	for p.Active && p.NextEventDue.Before(now) {
		Advance(s, p, p.NextEventDue, loc)
		skipped++
	}
	return skipped
}

// Recalculate rebuilds p from scratch for startDate and then skips everything
// that is already in the past relative to now. Nothing is sent.
func Recalculate(s *types.Schedule, p *types.Progress, startDate types.Date, now time.Time, loc *time.Location) int {
	Start(s, p, startDate, now, loc)
	return MoveToNextEventNotInThePast(s, p, now, loc)
}

// Exhausted reports whether every event of every iteration has been consumed.
func Exhausted(s *types.Schedule, p *types.Progress) bool {
	return !s.Repeats() && p.IterationNum > s.TotalIterations
}

func dueAfter(s *types.Schedule, p *types.Progress, previous time.Time, loc *time.Location) time.Time {
	ev := s.Events[p.CurrentEventNum]
	if s.Type == types.ScheduleAlert {
		return previous.Add(time.Duration(ev.MinutesToWait) * time.Minute).UTC()
	}
	day := p.StartDate.AddDays((p.IterationNum-1)*CycleLengthDays(s) + ev.Day)
	return day.At(ev.Time, loc).UTC()
}

// ImpliedLocation recovers the UTC offset that p's current due time was
// computed in. It lets an instance keep its recipient's zone after the
// recipient can no longer be looked up. It returns nil for alerts, whose due
// times do not depend on a zone, and for progress it cannot interpret.
func ImpliedLocation(s *types.Schedule, p *types.Progress) *time.Location {
	if s.Type == types.ScheduleAlert || p.NextEventDue.IsZero() {
		return nil
	}
	if p.CurrentEventNum < 0 || p.CurrentEventNum >= len(s.Events) {
		return nil
	}
	ev := s.Events[p.CurrentEventNum]
	wall := p.StartDate.AddDays((p.IterationNum-1)*CycleLengthDays(s) + ev.Day).At(ev.Time, time.UTC)
	offset := wall.Sub(p.NextEventDue)
	return time.FixedZone("", int(offset.Seconds()))
}
