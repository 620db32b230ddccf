// Package cron runs scheduled jobs from the job table: interval and cron
// schedules, per-job single-flight, session modes, retries, and history.
package cron

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	robfig "github.com/robfig/cron/v3"
)

// ErrBadSchedule marks an expression that is neither an interval nor a
// six-field cron line.
var ErrBadSchedule = errors.New("unrecognized schedule")

// intervalRE matches shorthand intervals like "5m" or "2h".
var intervalRE = regexp.MustCompile(`^(\d+)([mh])$`)

// cronParser accepts six fields: second minute hour dom month dow.
var cronParser = robfig.NewParser(
	robfig.Second | robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow)

// ParseSchedule parses a job schedule. Interval shorthands become constant
// delays; everything else must be a six-field cron expression evaluated in
// the server's timezone.
func ParseSchedule(expr string) (robfig.Schedule, error) {
	if m := intervalRE.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrBadSchedule, expr)
		}
		unit := time.Minute
		if m[2] == "h" {
			unit = time.Hour
		}
		return robfig.Every(time.Duration(n) * unit), nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadSchedule, expr, err)
	}
	return sched, nil
}
