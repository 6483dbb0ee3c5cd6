package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/berth-dev/berth/internal/models"
)

// Five-field, minute-granularity expressions plus descriptors such as @hourly.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a cron expression. Errors wrap models.ErrInvalidSchedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", models.ErrInvalidSchedule)
	}
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q: @every is not supported", models.ErrInvalidSchedule, expr)
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", models.ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// NextRuns returns the next n firing times strictly after from.
func NextRuns(expr string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	at := from
	for i := 0; i < n; i++ {
		at = sched.Next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at)
	}
	return out, nil
}
