package interval

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// CadenceMS derives the step size in milliseconds for a cron expression by
// measuring the gap between its next two scheduled firings from a fixed
// reference point. This assumes a regular cadence (daily, hourly, ...),
// which holds for the regular cadences models are expected to use; an
// irregular cadence (e.g. "0 9 * * 1-5") will report the gap observed from
// the reference time rather than a true period.
func CadenceMS(cronExpr string) (int64, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return 0, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	ref := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	first := sched.Next(ref)
	second := sched.Next(first)
	step := second.Sub(first)
	if step <= 0 {
		return 0, fmt.Errorf("cron expression %q produced non-positive cadence", cronExpr)
	}
	return step.Milliseconds(), nil
}
