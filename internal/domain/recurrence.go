package domain

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

var recurrenceParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseRecurrence parses a cron expression (optional seconds field, descriptors such as
// @hourly, and a CRON_TZ= prefix). @every is rejected: trigger times must be a pure
// function of the expression, not of when evaluation happened to start.
func ParseRecurrence(expr string) (cron.Schedule, error) {
	e := strings.TrimSpace(expr)
	if e == "" {
		return nil, fmt.Errorf("%w: empty recurrence", ErrInvalidDefinition)
	}
	if strings.Contains(e, "@every") {
		return nil, fmt.Errorf("%w: @every is not supported, use a cron expression", ErrInvalidDefinition)
	}
	s, err := recurrenceParser.Parse(e)
	if err != nil {
		return nil, fmt.Errorf("%w: recurrence %q: %v", ErrInvalidDefinition, expr, err)
	}
	return s, nil
}
