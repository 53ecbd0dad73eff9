package recurring

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts standard five-field expressions and descriptors such as
// @hourly, @daily and @weekly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateCronExpr checks that expr parses.
func ValidateCronExpr(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// NextDue returns the first due time strictly after from, in UTC. Cron
// expressions are evaluated in the schedule's timezone, falling back to UTC
// when it cannot be loaded. A one-shot schedule is due at RunAt even when
// that lies before from, and never again once it has run.
func NextDue(s *Schedule, from time.Time) (time.Time, error) {
	if s.OneShot() {
		if s.RunCount > 0 {
			return time.Time{}, ErrScheduleSpent
		}
		return s.RunAt.UTC(), nil
	}

	if s.CronExpr != "" {
		loc, err := time.LoadLocation(s.Timezone)
		if err != nil {
			loc = time.UTC
		}
		sched, err := cronParser.Parse(s.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron expression %q: %w", s.CronExpr, err)
		}
		return sched.Next(from.In(loc)).UTC(), nil
	}

	if s.Interval > 0 {
		return from.Add(s.Interval).UTC(), nil
	}

	return time.Time{}, ErrNoTrigger
}
