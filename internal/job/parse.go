package job

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSchedule turns a human-readable schedule string into a Schedule.
//
// Accepted forms:
//
//	"every 30s" / "every 5m" / "every 2h"
//	"at 14:30" / "at 14:30:15"
//	"on Mon,Wed at 09:00"
//	"on 1st Mon at 10:00"
//	anything else is treated as a cron expression
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "every "):
		secs, err := parseDuration(strings.TrimSpace(strings.TrimPrefix(s, "every ")))
		if err != nil {
			return Schedule{}, err
		}
		return Schedule{Kind: ScheduleEvery, Every: secs}, nil
	case strings.HasPrefix(s, "at ") || strings.HasPrefix(s, "on "):
		return parseCalendar(s)
	default:
		return Schedule{Kind: ScheduleCron, Cron: s}, nil
	}
}

func parseDuration(s string) (uint64, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	num, unit := s[:len(s)-1], s[len(s)-1:]
	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch unit {
	case "s":
		return n, nil
	case "m":
		return n * 60, nil
	case "h":
		return n * 3600, nil
	default:
		return 0, fmt.Errorf("unknown duration unit %q (use s, m or h)", unit)
	}
}

func parseCalendar(s string) (Schedule, error) {
	var datePart, timePart string
	if idx := strings.Index(s, " at "); idx >= 0 {
		datePart = strings.TrimSpace(s[:idx])
		timePart = strings.TrimSpace(s[idx+len(" at "):])
	} else if strings.HasPrefix(s, "at ") {
		timePart = strings.TrimSpace(strings.TrimPrefix(s, "at "))
	} else {
		return Schedule{}, fmt.Errorf("missing 'at' time specification in %q", s)
	}

	t, err := parseClockTime(timePart)
	if err != nil {
		return Schedule{}, err
	}

	params := &CalendarParams{Time: t}
	if strings.HasPrefix(datePart, "on ") {
		spec := strings.TrimSpace(strings.TrimPrefix(datePart, "on "))
		if nth, ok := parseNthWeekday(spec); ok {
			params.NthWeekday = &nth
		} else {
			for _, dayStr := range strings.Split(spec, ",") {
				day, err := parseWeekday(strings.TrimSpace(dayStr))
				if err != nil {
					return Schedule{}, err
				}
				params.DaysOfWeek = append(params.DaysOfWeek, day)
			}
		}
	}

	return Schedule{Kind: ScheduleCalendar, Calendar: params}, nil
}

func parseClockTime(s string) (ClockTime, error) {
	parts := strings.Split(s, ":")
	var nums [3]int
	if len(parts) != 2 && len(parts) != 3 {
		return ClockTime{}, fmt.Errorf("invalid time %q (use HH:MM or HH:MM:SS)", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ClockTime{}, fmt.Errorf("invalid time %q: %w", s, err)
		}
		nums[i] = n
	}
	return ClockTime{Hour: nums[0], Minute: nums[1], Second: nums[2]}, nil
}

func parseWeekday(s string) (int, error) {
	switch strings.ToLower(s) {
	case "mon", "monday":
		return 1, nil
	case "tue", "tuesday":
		return 2, nil
	case "wed", "wednesday":
		return 3, nil
	case "thu", "thursday":
		return 4, nil
	case "fri", "friday":
		return 5, nil
	case "sat", "saturday":
		return 6, nil
	case "sun", "sunday":
		return 7, nil
	default:
		return 0, fmt.Errorf("invalid weekday %q", s)
	}
}

func parseNthWeekday(s string) (NthWeekday, bool) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return NthWeekday{}, false
	}
	var n int
	switch strings.ToLower(parts[0]) {
	case "1st":
		n = 1
	case "2nd":
		n = 2
	case "3rd":
		n = 3
	case "4th":
		n = 4
	default:
		return NthWeekday{}, false
	}
	day, err := parseWeekday(parts[1])
	if err != nil {
		return NthWeekday{}, false
	}
	return NthWeekday{N: n, Weekday: day}, true
}
