package business

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

type DateRange struct {
	From  time.Time
	To    time.Time
	Label string
}

var lastNDays = regexp.MustCompile(`^(?:last|past)\s+(\d+)\s+(days|weeks|months)$`)

// ResolveDateRange turns a time phrase into a half-open [From, To) range.
// Unrecognized or empty phrases default to the last 7 days.
func ResolveDateRange(phrase string, now time.Time) DateRange {
	phrase = strings.ToLower(strings.Join(strings.Fields(phrase), " "))
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	weekStart := day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	quarterStart := time.Date(now.Year(), time.Month((int(now.Month())-1)/3*3+1), 1, 0, 0, 0, 0, now.Location())
	yearStart := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location())

	switch phrase {
	case "today", "tonight", "this morning", "this afternoon", "this evening":
		return DateRange{From: day, To: now, Label: "today"}
	case "yesterday", "last night":
		return DateRange{From: day.AddDate(0, 0, -1), To: day, Label: "yesterday"}
	case "this week":
		return DateRange{From: weekStart, To: now, Label: "this week"}
	case "last week":
		return DateRange{From: weekStart.AddDate(0, 0, -7), To: weekStart, Label: "last week"}
	case "this weekend", "last weekend":
		sat := weekStart.AddDate(0, 0, 5)
		if phrase == "last weekend" || sat.After(now) {
			sat = sat.AddDate(0, 0, -7)
		}
		return DateRange{From: sat, To: sat.AddDate(0, 0, 2), Label: phrase}
	case "this month", "month to date":
		return DateRange{From: monthStart, To: now, Label: "this month"}
	case "last month":
		return DateRange{From: monthStart.AddDate(0, -1, 0), To: monthStart, Label: "last month"}
	case "this quarter":
		return DateRange{From: quarterStart, To: now, Label: "this quarter"}
	case "last quarter":
		return DateRange{From: quarterStart.AddDate(0, -3, 0), To: quarterStart, Label: "last quarter"}
	case "this year", "year to date":
		return DateRange{From: yearStart, To: now, Label: "this year"}
	case "last year":
		return DateRange{From: yearStart.AddDate(-1, 0, 0), To: yearStart, Label: "last year"}
	}

	if m := lastNDays.FindStringSubmatch(phrase); m != nil {
		n, _ := strconv.Atoi(m[1])
		if n > 0 {
			from := now
			switch m[2] {
			case "days":
				from = now.AddDate(0, 0, -n)
			case "weeks":
				from = now.AddDate(0, 0, -7*n)
			case "months":
				from = now.AddDate(0, -n, 0)
			}
			return DateRange{From: from, To: now, Label: phrase}
		}
	}

	return DateRange{From: now.AddDate(0, 0, -7), To: now, Label: "last 7 days"}
}

// Previous returns the range of equal length immediately before r.
func (r DateRange) Previous() DateRange {
	span := r.To.Sub(r.From)
	return DateRange{From: r.From.Add(-span), To: r.From, Label: "previous period"}
}
