package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"messaging/internal/types"
)

// validate is safe for concurrent use and caches struct metadata.
var validate = validator.New()

// Validate checks a schedule definition. Any problem is reported as a single
// validation_invalid_schedule AppError whose details list every violation.
func Validate(s *types.Schedule) error {
	if s == nil {
		return types.NewAppError(types.ErrCodeValidationInvalidSchedule, "schedule is nil", nil)
	}

	var problems []string
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if s.TotalIterations <= 0 && s.TotalIterations != types.RepeatIndefinitely {
		problems = append(problems, fmt.Sprintf("total_iterations must be positive or %d, got %d",
			types.RepeatIndefinitely, s.TotalIterations))
	}

	for i, ev := range s.Events {
		if !hasMessage(ev.Content) {
			problems = append(problems, fmt.Sprintf("event %d has no message", i))
		}
	}

	switch s.Type {
	case types.ScheduleTimed:
		problems = append(problems, checkTimedOrdering(s.Events)...)
	case types.ScheduleAlert:
		if s.Repeats() && totalWait(s.Events) == 0 {
			problems = append(problems, "repeating alert schedule must wait a positive number of minutes per iteration")
		}
	}

	if len(problems) > 0 {
		return types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidSchedule,
			"invalid schedule definition: "+strings.Join(problems, "; "),
			nil,
			map[string]any{"schedule_id": s.ID, "problems": problems},
		)
	}
	return nil
}

// checkTimedOrdering enforces strictly increasing (day, time) offsets.
func checkTimedOrdering(events types.EventList) []string {
	var problems []string
	for i := 1; i < len(events); i++ {
		prev, cur := offsetMinutes(events[i-1]), offsetMinutes(events[i])
		if cur <= prev {
			problems = append(problems, fmt.Sprintf("event %d (day %d %s) is not after event %d (day %d %s)",
				i, events[i].Day, events[i].Time, i-1, events[i-1].Day, events[i-1].Time))
		}
	}
	return problems
}

func offsetMinutes(ev types.Event) int {
	return ev.Day*24*60 + ev.Time.Minutes()
}

func totalWait(events types.EventList) int {
	total := 0
	for _, ev := range events {
		total += ev.MinutesToWait
	}
	return total
}

func hasMessage(c types.Content) bool {
	for _, msg := range c.Message {
		if strings.TrimSpace(msg) != "" {
			return true
		}
	}
	return false
}
