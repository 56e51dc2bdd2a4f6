package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron validates a standard five-field expression (or a descriptor
// such as @daily).
func ParseCron(expr string) (cron.Schedule, error) {
	s, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidJob, expr, err)
	}
	return s, nil
}

// NextTick returns the first activation of expr strictly after from.
func NextTick(expr string, from time.Time) (time.Time, error) {
	s, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(from), nil
}

// NextRun is when a recurring job runs again after finishing at now.
func NextRun(j *Job, now time.Time) (time.Time, error) {
	if j.CronExpr != "" {
		return NextTick(j.CronExpr, now)
	}
	if j.IntervalMinutes > 0 {
		return now.Add(time.Duration(j.IntervalMinutes) * time.Minute), nil
	}
	return time.Time{}, fmt.Errorf("%w: %s is not recurring", ErrInvalidJob, j.ID)
}
