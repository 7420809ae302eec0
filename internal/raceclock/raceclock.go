// Package raceclock converts between UTC (the storage and wire timezone for
// every timestamp in the system) and a race's local timezone, and answers
// the day-boundary questions the flight separator needs: which local date a
// fix falls on, and how long until the next local midnight.
package raceclock

import (
	"fmt"
	"strings"
	"time"
)

// CommonTimezones is a curated list of IANA zones, one per unique STD/DST
// offset pair, offered to operators configuring a race's local timezone.
// Ordered west to east: -11:00 (Niue) to +14:00 (Kiritimati).
var CommonTimezones = []string{
	"Pacific/Niue", "America/Adak", "Pacific/Honolulu", "Pacific/Marquesas",
	"America/Anchorage", "Pacific/Gambier", "America/Los_Angeles", "Pacific/Pitcairn",
	"America/Denver", "America/Phoenix", "America/Chicago", "America/Mexico_City",
	"America/New_York", "America/Lima", "America/Barbados", "America/Santiago",
	"America/St_Johns", "America/Miquelon", "America/Sao_Paulo", "America/Godthab",
	"Atlantic/South_Georgia", "Atlantic/Azores", "Atlantic/Cape_Verde", "UTC",
	"Africa/Abidjan", "Europe/Dublin", "Antarctica/Troll", "Africa/Lagos",
	"Europe/Berlin", "Africa/Johannesburg", "Europe/Athens", "Africa/Nairobi",
	"Asia/Tehran", "Asia/Dubai", "Asia/Kabul", "Asia/Karachi", "Asia/Kolkata",
	"Asia/Kathmandu", "Asia/Dhaka", "Asia/Yangon", "Asia/Bangkok", "Asia/Singapore",
	"Australia/Eucla", "Asia/Seoul", "Australia/Darwin", "Australia/Adelaide",
	"Australia/Brisbane", "Australia/Sydney", "Australia/Lord_Howe",
	"Pacific/Bougainville", "Pacific/Norfolk", "Pacific/Fiji", "Pacific/Auckland",
	"Pacific/Chatham", "Pacific/Apia", "Pacific/Kiritimati",
}

// IsValid reports whether tz can be loaded from the system tz database.
func IsValid(tz string) bool {
	if tz == "" {
		return false
	}
	_, err := time.LoadLocation(tz)
	return err == nil
}

// IsCommon reports whether tz is one of the curated CommonTimezones.
func IsCommon(tz string) bool {
	for _, z := range CommonTimezones {
		if tz == z {
			return true
		}
	}
	return false
}

// ValidTimezonesString returns a comma-separated list of CommonTimezones for
// use in validation error messages.
func ValidTimezonesString() string {
	return strings.Join(CommonTimezones, ", ")
}

// ToLocal converts a UTC timestamp into the named timezone for display.
// Every timestamp at rest and on the wire is UTC; this is the one place
// that projects it into a race's local time.
func ToLocal(utc time.Time, tz string) (time.Time, error) {
	if tz == "" || tz == "UTC" {
		return utc.UTC(), nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return utc, fmt.Errorf("load timezone %s: %w", tz, err)
	}
	return utc.In(loc), nil
}

// LocalDate returns the calendar date (in tz) that t falls on, as a
// normalized UTC midnight timestamp. The flight separator uses this to
// decide whether two fixes from the same device belong to the same day, per
// the day-boundary rule: a gap that crosses a local midnight always starts a
// new flight even if the inactivity gap threshold was not reached.
func LocalDate(t time.Time, tz string) (time.Time, error) {
	local, err := ToLocal(t, tz)
	if err != nil {
		return time.Time{}, err
	}
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

// CrossesDayBoundary reports whether a and b, both UTC instants, fall on
// different local calendar dates in tz.
func CrossesDayBoundary(a, b time.Time, tz string) (bool, error) {
	da, err := LocalDate(a, tz)
	if err != nil {
		return false, err
	}
	db, err := LocalDate(b, tz)
	if err != nil {
		return false, err
	}
	return !da.Equal(db), nil
}
