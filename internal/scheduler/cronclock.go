package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions only (minute hour
// dom month dow); constructing it without cron.Descriptor means named
// aliases like "@daily" are rejected, per §4.5.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateCronExpression reports whether expr parses as a standard
// five-field cron expression.
func ValidateCronExpression(expr string) error {
	_, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// nextExecution returns the smallest time strictly after from that
// matches expr, evaluated in the named IANA timezone. An empty
// timezone means UTC. Deterministic: the same (expr, from, tz) always
// yields the same result, since it only consults the parsed schedule
// and the from timestamp.
func nextExecution(expr string, from time.Time, tz string) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}

	loc := time.UTC
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("load timezone %q: %w", tz, err)
		}
		loc = l
	}

	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("cron expression %q has no future occurrence after %s", expr, from)
	}
	return next.UTC(), nil
}
