// Package hours decides whether a tenant may send right now.
package hours

import (
	"fmt"
	"time"

	"github.com/Cypherspark/outreach-dispatch/internal/core"
)

type Result struct {
	Open         bool
	Reason       string
	NextOpenHint string
}

// Location resolves a tenant timezone, falling back to UTC.
func Location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IsOpen evaluates w at nowUTC in timezone tz. Start == End means the
// whole day; Start > End wraps past midnight and belongs to the day it
// started on.
func IsOpen(w core.SendWindow, tz string, nowUTC time.Time) Result {
	if !w.Enabled {
		return Result{Open: true, Reason: "window disabled"}
	}
	local := nowUTC.In(Location(tz))
	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	inWindow, windowDay := false, day
	switch {
	case w.StartMinute == w.EndMinute:
		inWindow = true
	case w.StartMinute < w.EndMinute:
		inWindow = minute >= w.StartMinute && minute < w.EndMinute
	default:
		if minute >= w.StartMinute {
			inWindow = true
		} else if minute < w.EndMinute {
			inWindow = true
			windowDay = (day + 6) % 7
		}
	}

	if inWindow && dayAllowed(w.Days, windowDay) {
		return Result{Open: true, Reason: "within window"}
	}
	reason := "outside allowed hours"
	if inWindow {
		reason = fmt.Sprintf("%s is not an allowed day", windowDay)
	}
	return Result{Open: false, Reason: reason, NextOpenHint: nextOpen(w, day, minute)}
}

func dayAllowed(days []time.Weekday, d time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, x := range days {
		if x == d {
			return true
		}
	}
	return false
}

func nextOpen(w core.SendWindow, today time.Weekday, minute int) string {
	at := clock(w.StartMinute)
	if minute < w.StartMinute && dayAllowed(w.Days, today) {
		return "opens today at " + at
	}
	for i := 1; i <= 7; i++ {
		d := (today + time.Weekday(i)) % 7
		if dayAllowed(w.Days, d) {
			if i == 1 {
				return "opens tomorrow at " + at
			}
			return fmt.Sprintf("opens %s at %s", d, at)
		}
	}
	return ""
}

func clock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
