package reminder

import (
	"sort"
	"strings"
	"time"
)

type SortKey string

const (
	SortByDueAt     SortKey = "due_at"
	SortByPriority  SortKey = "priority"
	SortByTitle     SortKey = "title"
	SortByCreatedAt SortKey = "created_at"
	SortByUpdatedAt SortKey = "updated_at"
)

// Filter narrows a user's reminders. Zero values match everything.
// DueFrom and DueTo are inclusive.
type Filter struct {
	Status   Status
	Category Category
	Priority Priority
	DueFrom  *time.Time
	DueTo    *time.Time
	Sort     SortKey
}

// Match reports whether r passes every set criterion of f.
func (f Filter) Match(r *Reminder) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Category != "" && r.Category != f.Category {
		return false
	}
	if f.Priority != "" && r.Priority != f.Priority {
		return false
	}
	if f.DueFrom != nil && r.DueAt.Before(*f.DueFrom) {
		return false
	}
	if f.DueTo != nil && r.DueAt.After(*f.DueTo) {
		return false
	}
	return true
}

// Sort orders rs in place by key: due date ascending (default), priority
// descending, title lexicographic, created/updated newest first. Ties fall back to id.
func Sort(rs []*Reminder, key SortKey) {
	less := func(a, b *Reminder) int {
		switch key {
		case SortByPriority:
			return b.Priority.Rank() - a.Priority.Rank()
		case SortByTitle:
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
		case SortByCreatedAt:
			return compareTime(b.CreatedAt, a.CreatedAt)
		case SortByUpdatedAt:
			return compareTime(b.UpdatedAt, a.UpdatedAt)
		default:
			return compareTime(a.DueAt, b.DueAt)
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if c := less(rs[i], rs[j]); c != 0 {
			return c < 0
		}
		return rs[i].ID < rs[j].ID
	})
}

func compareTime(a, b time.Time) int {
	switch {
	case a.Before(b):
		return -1
	case a.After(b):
		return 1
	}
	return 0
}

// Select refreshes derived status, keeps the records owned by userID that
// match f, and sorts them. The input records are not modified.
func Select(rs []*Reminder, userID string, f Filter, now time.Time) []*Reminder {
	out := make([]*Reminder, 0)
	for _, r := range rs {
		if r.UserID != userID {
			continue
		}
		c := r.Clone()
		c.RefreshStatus(now)
		if f.Match(c) {
			out = append(out, c)
		}
	}
	Sort(out, f.Sort)
	return out
}
