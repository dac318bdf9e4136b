package reminder

import (
	"time"
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusOverdue   Status = "overdue"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusOverdue:
		return true
	}
	return false
}

// Priority is ordered: low < medium < high < urgent.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns the ordinal of p, or 0 for an unknown value.
func (p Priority) Rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

type Category string

const (
	CategoryPersonal Category = "personal"
	CategoryWork     Category = "work"
	CategoryHealth   Category = "health"
	CategoryFinance  Category = "finance"
	CategoryShopping Category = "shopping"
	CategoryOther    Category = "other"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryPersonal, CategoryWork, CategoryHealth, CategoryFinance, CategoryShopping, CategoryOther:
		return true
	}
	return false
}

type Reminder struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Description         string     `json:"description"`
	DueAt               time.Time  `json:"dueAt"`
	Category            Category   `json:"category"`
	Priority            Priority   `json:"priority"`
	NotificationEnabled bool       `json:"notificationEnabled"`
	AlertTimings        []int      `json:"alertTimings"`
	Status              Status     `json:"status"`
	UserID              string     `json:"userId"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
	Version             int64      `json:"version"`
}

func NewReminder(userID, title, description string, dueAt time.Time) *Reminder {
	return &Reminder{
		Title:               title,
		Description:         description,
		DueAt:               dueAt,
		Category:            CategoryPersonal,
		Priority:            PriorityMedium,
		NotificationEnabled: true,
		Status:              StatusActive,
		UserID:              userID,
	}
}

// MarkCompleted moves the reminder into its terminal state.
func (r *Reminder) MarkCompleted(now time.Time) {
	r.Status = StatusCompleted
	r.CompletedAt = &now
}

// Snooze pushes the due time forward from now and reactivates the reminder.
func (r *Reminder) Snooze(minutes int, now time.Time) {
	r.DueAt = now.Add(time.Duration(minutes) * time.Minute).Truncate(TimePrecision)
	r.Status = StatusActive
	r.CompletedAt = nil
}

// RefreshStatus applies the automatic active -> overdue transition.
// It reports whether the status changed.
func (r *Reminder) RefreshStatus(now time.Time) bool {
	if r.Status == StatusActive && !r.DueAt.After(now) {
		r.Status = StatusOverdue
		return true
	}
	return false
}

// IsCompleted reports whether the reminder reached its terminal state.
func (r *Reminder) IsCompleted() bool {
	return r.Status == StatusCompleted
}

// Clone returns a deep copy that shares no memory with r.
func (r *Reminder) Clone() *Reminder {
	if r == nil {
		return nil
	}
	c := *r
	if r.AlertTimings != nil {
		c.AlertTimings = append([]int(nil), r.AlertTimings...)
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CloneAll deep-copies a slice of reminders.
func CloneAll(rs []*Reminder) []*Reminder {
	out := make([]*Reminder, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.Clone())
	}
	return out
}
