package reminder

import "time"

// Statistics aggregates one user's reminders.
type Statistics struct {
	Total          int              `json:"total"`
	Active         int              `json:"active"`
	Overdue        int              `json:"overdue"`
	Completed      int              `json:"completed"`
	CompletedToday int              `json:"completedToday"`
	TotalAlerts    int              `json:"totalAlerts"`
	AverageAlerts  float64          `json:"averageAlerts"`
	ByPriority     map[Priority]int `json:"byPriority"`
	ByCategory     map[Category]int `json:"byCategory"`
}

// ComputeStatistics counts rs as of now. "Completed today" uses the calendar
// day of now in loc, not a rolling 24 hours.
func ComputeStatistics(rs []*Reminder, now time.Time, loc *time.Location) *Statistics {
	if loc == nil {
		loc = time.Local
	}
	local := now.In(loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	st := &Statistics{
		ByPriority: make(map[Priority]int),
		ByCategory: make(map[Category]int),
	}
	for _, r := range rs {
		status := r.Status
		if status == StatusActive && !r.DueAt.After(now) {
			status = StatusOverdue
		}

		st.Total++
		st.ByPriority[r.Priority]++
		st.ByCategory[r.Category]++
		st.TotalAlerts += len(r.AlertTimings)

		switch status {
		case StatusActive:
			st.Active++
		case StatusOverdue:
			st.Overdue++
		case StatusCompleted:
			st.Completed++
			done := r.UpdatedAt
			if r.CompletedAt != nil {
				done = *r.CompletedAt
			}
			if !done.Before(dayStart) && done.Before(dayEnd) {
				st.CompletedToday++
			}
		}
	}
	if st.Total > 0 {
		st.AverageAlerts = float64(st.TotalAlerts) / float64(st.Total)
	}
	return st
}
