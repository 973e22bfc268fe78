package scheduler

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses 6-field expressions: sec min hour dom month dow,
// evaluated in UTC only.
var cronParser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ValidateCron rejects anything but a parseable 6-field expression.
func ValidateCron(expression string) error {
	fields := len(strings.Fields(expression))
	if fields != 6 {
		return fmt.Errorf("%w: expected 6 fields, got %d", ErrScheduleInvalid, fields)
	}
	if _, err := cronParser.Parse(expression); err != nil {
		return fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
	}
	return nil
}

// NextCronRun returns the least t > after matching the expression, in
// UTC.
func NextCronRun(expression string, after time.Time) (time.Time, error) {
	if err := ValidateCron(expression); err != nil {
		return time.Time{}, err
	}
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrScheduleInvalid, err)
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: no next run for %q", ErrScheduleInvalid, expression)
	}
	return next.UTC(), nil
}
