package stamp

import (
	"fmt"
	"strings"
	"time"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

var defaultLoc = time.UTC

// SetDefaultLocation sets the zone the gateway's date_stamp/time_stamp are read in (fallback UTC).
func SetDefaultLocation(loc *time.Location) {
	if loc != nil {
		defaultLoc = loc
	}
}

// Location returns the zone stamps are currently read in.
func Location() *time.Location {
	return defaultLoc
}

// Parse combines the gateway's date_stamp (YYYY-MM-DD) and optional time_stamp
// (HH:MM:SS) into an instant in loc.
func Parse(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = defaultLoc
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if date == "" {
		return time.Time{}, fmt.Errorf("date stamp is empty")
	}
	if clock == "" {
		return time.ParseInLocation(dateLayout, date, loc)
	}
	return time.ParseInLocation(dateLayout+" "+timeLayout, date+" "+clock, loc)
}

// ValidatedAt returns the gateway's stamp when it parses, otherwise now.
func ValidatedAt(date, clock string, now time.Time) time.Time {
	t, err := Parse(date, clock, nil)
	if err != nil {
		return now
	}
	return t
}
