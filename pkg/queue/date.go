package queue

import "time"

// DefaultTimeZone is the calendar offboarding days are counted in.
const DefaultTimeZone = "Australia/Sydney"

// TodaysDate returns the calendar date of now in loc as YYYY-MM-DD. A nil
// loc is treated as UTC.
func TodaysDate(now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return now.In(loc).Format(DateLayout)
}

// LoadLocation resolves a time zone name, falling back to DefaultTimeZone
// when name is empty.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimeZone
	}
	return time.LoadLocation(name)
}
