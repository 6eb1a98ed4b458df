package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

var dayNames = map[string]string{
	"0": "Sundays", "1": "Mondays", "2": "Tuesdays", "3": "Wednesdays",
	"4": "Thursdays", "5": "Fridays", "6": "Saturdays", "7": "Sundays",
}

var monthNames = map[string]string{
	"1": "January", "2": "February", "3": "March", "4": "April",
	"5": "May", "6": "June", "7": "July", "8": "August",
	"9": "September", "10": "October", "11": "November", "12": "December",
}

// CronToHuman renders a 5-field cron expression as a short English
// phrase for the common shapes, falling back to the raw expression.
func CronToHuman(expr string) string {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) != 5 {
		return expr
	}
	minute, hour, dom, month, dow := fields[0], fields[1], fields[2], fields[3], fields[4]
	if dom != "*" || month != "*" {
		return domToHuman(expr, minute, hour, dom, month, dow)
	}

	// */N * * * * is every N minutes.
	if strings.HasPrefix(minute, "*/") && hour == "*" && dow == "*" {
		if n, err := strconv.Atoi(minute[2:]); err == nil && n > 0 {
			if n == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", n)
		}
		return expr
	}

	// 0 * * * * is hourly.
	if minute == "0" && hour == "*" && dow == "*" {
		return "Every hour"
	}

	m, err := strconv.Atoi(minute)
	if err != nil || m < 0 || m > 59 {
		return expr
	}

	// m */N * * * is every N hours.
	if strings.HasPrefix(hour, "*/") && dow == "*" {
		if n, err := strconv.Atoi(hour[2:]); err == nil && n > 0 {
			if n == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", n)
		}
		return expr
	}

	h, err := strconv.Atoi(hour)
	if err != nil || h < 0 || h > 23 {
		return expr
	}
	clock := clockTime(h, m)

	switch {
	case dow == "*":
		return fmt.Sprintf("Every day at %s", clock)
	case dow == "1-5":
		return fmt.Sprintf("Weekdays at %s", clock)
	case dow == "0,6" || dow == "6,0" || dow == "6,7":
		return fmt.Sprintf("Weekends at %s", clock)
	default:
		if day, ok := dayNames[dow]; ok {
			return fmt.Sprintf("%s at %s", day, clock)
		}
		return expr
	}
}

// domToHuman covers the day-of-month shapes: a fixed day every month,
// or a fixed day in one month every year.
func domToHuman(expr, minute, hour, dom, month, dow string) string {
	if dow != "*" {
		return expr
	}
	m, err := strconv.Atoi(minute)
	if err != nil || m < 0 || m > 59 {
		return expr
	}
	h, err := strconv.Atoi(hour)
	if err != nil || h < 0 || h > 23 {
		return expr
	}
	d, err := strconv.Atoi(dom)
	if err != nil || d < 1 || d > 31 {
		return expr
	}
	clock := clockTime(h, m)
	if month == "*" {
		return fmt.Sprintf("Monthly on day %d at %s", d, clock)
	}
	if name, ok := monthNames[month]; ok {
		return fmt.Sprintf("Yearly on %s %d at %s", name, d, clock)
	}
	return expr
}

func clockTime(h, m int) string {
	period := "AM"
	display := h
	switch {
	case h == 0:
		display = 12
	case h == 12:
		period = "PM"
	case h > 12:
		display = h - 12
		period = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", display, m, period)
}
