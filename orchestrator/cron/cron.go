package cron

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidExpression is returned when an expression cannot be parsed.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrNoMatch is returned when Next finds no time within a year of the reference.
	ErrNoMatch = errors.New("cron: no matching time found within iteration limit")
	// ErrNilSchedule is returned when Next is called on a nil schedule.
	ErrNilSchedule = errors.New("cron schedule is nil")
)

const everyPrefix = "@every "

// field bounds, in cron field order.
var fieldBounds = [5][2]int{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 31}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

var fieldNames = [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}

// Schedule computes the next activation strictly after a reference time.
type Schedule interface {
	Next(from time.Time) (time.Time, error)
}

// Every is a fixed-interval schedule.
type Every time.Duration

// Next returns from plus the interval.
func (every Every) Next(from time.Time) (time.Time, error) {
	if every <= 0 {
		return time.Time{}, fmt.Errorf("%w: non-positive interval", ErrInvalidExpression)
	}

	return from.UTC().Add(time.Duration(every)), nil
}

type calendar struct {
	fields [5][]int
}

// Parse parses a five-field expression or an "@every" descriptor.
func Parse(expr string) (Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidExpression)
	}

	if strings.HasPrefix(expr, everyPrefix) {
		interval, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(expr, everyPrefix)))
		if err != nil || interval < time.Second {
			return nil, fmt.Errorf("%w: @every needs a duration of at least 1s", ErrInvalidExpression)
		}

		return Every(interval), nil
	}

	parts := strings.Fields(expr)
	if len(parts) != len(fieldBounds) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fieldBounds), len(parts))
	}

	sched := &calendar{}

	for i, part := range parts {
		values, err := parseField(part, fieldBounds[i][0], fieldBounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("invalid %s field: %w", fieldNames[i], err)
		}

		sched.fields[i] = values
	}

	return sched, nil
}

// MustParse is Parse for package-level schedules known to be valid.
func MustParse(expr string) Schedule {
	sched, err := Parse(expr)
	if err != nil {
		panic(err)
	}

	return sched
}

// Next walks forward minute by minute, skipping whole months, days and hours
// that cannot match.
func (sched *calendar) Next(from time.Time) (time.Time, error) {
	if sched == nil {
		return time.Time{}, ErrNilSchedule
	}

	candidate := from.UTC().Truncate(time.Minute).Add(time.Minute)

	const maxIterations = 366 * 24 * 60
	for range maxIterations {
		switch {
		case !slices.Contains(sched.fields[3], int(candidate.Month())):
			candidate = time.Date(candidate.Year(), candidate.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !slices.Contains(sched.fields[2], candidate.Day()),
			!slices.Contains(sched.fields[4], int(candidate.Weekday())):
			candidate = time.Date(candidate.Year(), candidate.Month(), candidate.Day()+1, 0, 0, 0, 0, time.UTC)
		case !slices.Contains(sched.fields[1], candidate.Hour()):
			candidate = candidate.Truncate(time.Hour).Add(time.Hour)
		case !slices.Contains(sched.fields[0], candidate.Minute()):
			candidate = candidate.Add(time.Minute)
		default:
			return candidate, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func parseField(field string, lo, hi int) ([]int, error) {
	var values []int

	for _, part := range strings.Split(field, ",") {
		partValues, err := parsePart(part, lo, hi)
		if err != nil {
			return nil, err
		}

		values = append(values, partValues...)
	}

	slices.Sort(values)

	return slices.Compact(values), nil
}

func parsePart(part string, lo, hi int) ([]int, error) {
	rangePart, stepPart, hasStep := strings.Cut(part, "/")

	step := 1

	if hasStep {
		parsed, err := strconv.Atoi(stepPart)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}

		step = parsed
	}

	start, end := lo, hi

	switch {
	case rangePart == "*":
	case strings.Contains(rangePart, "-"):
		first, last, _ := strings.Cut(rangePart, "-")

		from, err := boundedAtoi(first, lo, hi)
		if err != nil {
			return nil, err
		}

		to, err := boundedAtoi(last, lo, hi)
		if err != nil {
			return nil, err
		}

		if from > to {
			return nil, fmt.Errorf("%w: range %d-%d is inverted", ErrInvalidExpression, from, to)
		}

		start, end = from, to
	default:
		value, err := boundedAtoi(rangePart, lo, hi)
		if err != nil {
			return nil, err
		}

		if !hasStep {
			return []int{value}, nil
		}

		start = value
	}

	values := make([]int, 0, (end-start)/step+1)
	for v := start; v <= end; v += step {
		values = append(values, v)
	}

	return values, nil
}

func boundedAtoi(raw string, lo, hi int) (int, error) {
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, raw)
	}

	if value < lo || value > hi {
		return 0, fmt.Errorf("%w: value %d out of bounds [%d, %d]", ErrInvalidExpression, value, lo, hi)
	}

	return value, nil
}
