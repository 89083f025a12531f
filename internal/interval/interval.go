// Package interval implements weekly recurring time windows used as merge
// embargoes.
package interval

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// weekTime is a point in a week, measured from Monday 00:00.
type weekTime time.Duration

func newWeekTime(day time.Weekday, timeOfDay time.Duration) weekTime {
	// time.Weekday starts with Sunday
	dayIdx := (int(day) + 6) % 7
	return weekTime(time.Duration(dayIdx)*24*time.Hour + timeOfDay)
}

func weekTimeOf(t time.Time) weekTime {
	h, m, s := t.Clock()
	tod := time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(t.Nanosecond())

	return newWeekTime(t.Weekday(), tod)
}

func (w weekTime) String() string {
	d := time.Duration(w)
	day := time.Weekday((int(d/(24*time.Hour)) + 1) % 7)
	tod := d % (24 * time.Hour)

	return fmt.Sprintf("%s@%02d:%02d", day.String()[:3], tod/time.Hour, (tod%time.Hour)/time.Minute)
}

// WeeklyInterval is a recurring window in a week, e.g. Fri@18:00 to
// Mon@08:00. Both bounds are inclusive.
type WeeklyInterval struct {
	from weekTime
	to   weekTime
}

// NewWeeklyInterval returns an interval from fromDay at fromTime to toDay
// at toTime. Times are durations since midnight.
// If the start is later in the week than the end, the interval wraps
// around the end of the week.
func NewWeeklyInterval(fromDay time.Weekday, fromTime time.Duration, toDay time.Weekday, toTime time.Duration) (*WeeklyInterval, error) {
	if fromTime < 0 || fromTime >= 24*time.Hour {
		return nil, fmt.Errorf("start time %s is not within a day", fromTime)
	}
	if toTime < 0 || toTime >= 24*time.Hour {
		return nil, fmt.Errorf("end time %s is not within a day", toTime)
	}

	return &WeeklyInterval{
		from: newWeekTime(fromDay, fromTime),
		to:   newWeekTime(toDay, toTime),
	}, nil
}

// wraps returns true if the interval spans the end of the week.
func (w *WeeklyInterval) wraps() bool {
	return w.from > w.to
}

// Covers returns true if t lies within the interval, evaluated in the
// location of t.
func (w *WeeklyInterval) Covers(t time.Time) bool {
	wt := weekTimeOf(t)

	if w.wraps() {
		// complement of the open interval (to, from)
		return !(wt > w.to && wt < w.from)
	}

	return wt >= w.from && wt <= w.to
}

func (w *WeeklyInterval) String() string {
	return w.from.String() + " - " + w.to.String()
}

// IntervalUnion is a set of WeeklyIntervals, it covers a point in time if
// one of its intervals does.
type IntervalUnion struct {
	intervals []*WeeklyInterval
}

func NewIntervalUnion(intervals ...*WeeklyInterval) *IntervalUnion {
	return &IntervalUnion{intervals: intervals}
}

// Covers returns true if one of the intervals covers t.
// An empty or nil union covers nothing.
func (u *IntervalUnion) Covers(t time.Time) bool {
	if u == nil {
		return false
	}

	for _, i := range u.intervals {
		if i.Covers(t) {
			return true
		}
	}

	return false
}

// Empty returns true if the union contains no intervals.
func (u *IntervalUnion) Empty() bool {
	return u == nil || len(u.intervals) == 0
}

func (u *IntervalUnion) String() string {
	if u == nil {
		return ""
	}

	strs := make([]string, 0, len(u.intervals))
	for _, i := range u.intervals {
		strs = append(strs, i.String())
	}

	return strings.Join(strs, ", ")
}

// ParseIntervalUnion parses a comma separated list of intervals like
// "Fri@6pm - Mon@7:30am, Wed@12:00 - Wed@13:00".
// An empty string results in an empty union.
func ParseIntervalUnion(s string) (*IntervalUnion, error) {
	var result IntervalUnion

	if strings.TrimSpace(s) == "" {
		return &result, nil
	}

	for _, part := range strings.Split(s, ",") {
		i, err := ParseWeeklyInterval(part)
		if err != nil {
			return nil, err
		}

		result.intervals = append(result.intervals, i)
	}

	return &result, nil
}

// ParseWeeklyInterval parses an interval in the format
// "<day>@<time> - <day>@<time>".
func ParseWeeklyInterval(s string) (*WeeklyInterval, error) {
	from, to, found := strings.Cut(s, "-")
	if !found {
		return nil, fmt.Errorf("interval %q: missing '-' separator", strings.TrimSpace(s))
	}

	fromDay, fromTime, err := parseDayTime(from)
	if err != nil {
		return nil, fmt.Errorf("interval %q: %w", strings.TrimSpace(s), err)
	}

	toDay, toTime, err := parseDayTime(to)
	if err != nil {
		return nil, fmt.Errorf("interval %q: %w", strings.TrimSpace(s), err)
	}

	return NewWeeklyInterval(fromDay, fromTime, toDay, toTime)
}

func parseDayTime(s string) (time.Weekday, time.Duration, error) {
	dayStr, timeStr, found := strings.Cut(strings.TrimSpace(s), "@")
	if !found {
		return 0, 0, fmt.Errorf("%q: expected format <day>@<time>", strings.TrimSpace(s))
	}

	day, err := parseWeekday(dayStr)
	if err != nil {
		return 0, 0, err
	}

	tod, err := parseTimeOfDay(timeStr)
	if err != nil {
		return 0, 0, err
	}

	return day, tod, nil
}

func parseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	if len(s) >= 3 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			name := strings.ToLower(d.String())
			if strings.HasPrefix(name, s) {
				return d, nil
			}
		}
	}

	return 0, fmt.Errorf("%q is not a weekday", s)
}

var timeOfDayRe = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)

var errInvalidTime = errors.New("invalid time of day")

func parseTimeOfDay(s string) (time.Duration, error) {
	m := timeOfDayRe.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, fmt.Errorf("%q: %w", s, errInvalidTime)
	}

	hour, _ := strconv.Atoi(m[1])
	var minute int
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}

	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, fmt.Errorf("%q: %w", s, errInvalidTime)
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, fmt.Errorf("%q: %w", s, errInvalidTime)
		}
		if hour != 12 {
			hour += 12
		}
	}

	if hour > 23 || minute > 59 {
		return 0, fmt.Errorf("%q: %w", s, errInvalidTime)
	}

	return time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute, nil
}
