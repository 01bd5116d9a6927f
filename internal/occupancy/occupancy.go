// Package occupancy aggregates a window of log entries into dashboard counts.
//
// Entries are bucketed by calendar date in the location of asOf: both the
// entry timestamp and asOf are rendered as YYYY-MM-DD in that location and
// compared as strings. Callers choose the reporting timezone by choosing the
// location of asOf; the result is deterministic for a given location.
//
// CurrentlyPresentEstimate is approximate. It counts today's entries minus
// today's exits, so members who entered on an earlier day and have not left
// are not counted.
package occupancy

import (
	"time"

	"labtrack/internal/presence"
)

const dateLayout = "2006-01-02"

// Summary holds the dashboard statistics.
type Summary struct {
	Date                     string `json:"date"`
	TodayEntries             int    `json:"today_entries"`
	TodayExits               int    `json:"today_exits"`
	CurrentlyPresentEstimate int    `json:"currently_present_estimate"`
	TotalMembers             int    `json:"total_members"`
}

// Summarize counts today's IN and OUT entries among logs.
func Summarize(logs []presence.LogEntry, asOf time.Time, totalMembers int) Summary {
	loc := asOf.Location()
	day := asOf.Format(dateLayout)

	s := Summary{Date: day, TotalMembers: totalMembers}
	for _, l := range logs {
		if l.Timestamp.In(loc).Format(dateLayout) != day {
			continue
		}
		switch l.Action {
		case presence.ActionIn:
			s.TodayEntries++
		case presence.ActionOut:
			s.TodayExits++
		}
	}
	s.CurrentlyPresentEstimate = max(0, s.TodayEntries-s.TodayExits)
	return s
}
