package approval

import (
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/models"
)

const maxScheduleAhead = 7 * 24 * time.Hour

// scheduleSlots are offered on the schedule keyboard, in order
var scheduleSlots = []struct {
	When  string
	Label string
}{
	{"now", "Now"},
	{"+1h", "In 1h"},
	{"+3h", "In 3h"},
	{"+6h", "In 6h"},
	{"tomorrow9", "Tomorrow 9:00"},
	{"tomorrow13", "Tomorrow 13:00"},
	{"tomorrow18", "Tomorrow 18:00"},
	{"best", "Best time"},
}

// defaultPostingHours are used by the best time heuristic without history
var defaultPostingHours = []int{9, 13, 18}

// ResolveWhen turns a schedule word into a timestamp. Accepted: now,
// +<duration> up to a week (e.g. +1h, +90m), tomorrow<hour> (e.g. tomorrow9)
// and best, which asks best for a time.
func ResolveWhen(when string, now time.Time, loc *time.Location, best func() time.Time) (time.Time, error) {
	when = strings.ToLower(strings.TrimSpace(when))
	switch {
	case when == "now":
		return now, nil
	case when == "best":
		return best(), nil
	case strings.HasPrefix(when, "+"):
		d, err := time.ParseDuration(when[1:])
		if err != nil || d <= 0 || d > maxScheduleAhead {
			return time.Time{}, fmt.Errorf("%w: cannot schedule %q", ErrValidation, when)
		}
		return now.Add(d), nil
	case strings.HasPrefix(when, "tomorrow"):
		var hour int
		if _, err := fmt.Sscanf(strings.TrimPrefix(when, "tomorrow"), "%d", &hour); err != nil || hour < 0 || hour > 23 {
			return time.Time{}, fmt.Errorf("%w: cannot schedule %q", ErrValidation, when)
		}
		local := now.In(loc)
		return time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc), nil
	}
	return time.Time{}, fmt.Errorf("%w: unknown time %q, try now, +1h, tomorrow9 or best", ErrValidation, when)
}

// BestTime picks the next occurrence of the hour whose posts earned the most
// engagement on average. Without useful history it picks the next of the
// default posting hours.
func BestTime(posted []models.Content, now time.Time, loc *time.Location) time.Time {
	var sum, count [24]int
	for _, c := range posted {
		if c.PostedAt == nil {
			continue
		}
		h := c.PostedAt.In(loc).Hour()
		sum[h] += c.Analytics.Engagement()
		count[h]++
	}

	bestHour, bestAvg := -1, 0.0
	for h := 0; h < 24; h++ {
		if count[h] == 0 {
			continue
		}
		if avg := float64(sum[h]) / float64(count[h]); avg > bestAvg {
			bestHour, bestAvg = h, avg
		}
	}
	if bestHour >= 0 {
		return nextHour(now, loc, bestHour)
	}

	next := nextHour(now, loc, defaultPostingHours[0])
	for _, h := range defaultPostingHours[1:] {
		if t := nextHour(now, loc, h); t.Before(next) {
			next = t
		}
	}
	return next
}

// nextHour returns the first hh:00 strictly after now in loc
func nextHour(now time.Time, loc *time.Location, hour int) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}
