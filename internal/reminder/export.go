package reminder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"reminder-store/internal/errs"
)

// ExportVersion is the envelope format written by ExportAllData.
const ExportVersion = 1

// Export is the versioned envelope for a user's full dataset.
type Export struct {
	Version     int              `json:"version"`
	Timestamp   time.Time        `json:"timestamp"`
	UserID      string           `json:"userId"`
	StorageType string           `json:"storageType"`
	Reminders   []*Reminder      `json:"reminders"`
	Preferences *UserPreferences `json:"preferences,omitempty"`
	Statistics  *Statistics      `json:"statistics,omitempty"`
}

// Marshal renders the envelope as indented UTF-8 JSON.
func (e *Export) Marshal() ([]byte, error) {
	return json.MarshalIndent(e, "", "  ")
}

// ExportFilename embeds the backend name and the ISO date of t.
func ExportFilename(storageType string, t time.Time) string {
	return fmt.Sprintf("reminders-%s-%s.json", storageType, t.Format("2006-01-02"))
}

type envelope struct {
	Version     int             `json:"version"`
	Timestamp   string          `json:"timestamp"`
	UserID      string          `json:"userId"`
	StorageType string          `json:"storageType"`
	Reminders   json.RawMessage `json:"reminders"`
	Preferences json.RawMessage `json:"preferences"`
}

// ParseExport decodes and validates an import payload. The whole payload is
// rejected with errs.ErrValidation if the reminders field is not an array or
// any element lacks a title or a parseable dueAt. Unknown fields are ignored
// and a missing preferences field is allowed.
func ParseExport(data []byte) (*Export, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object: %v", errs.ErrValidation, err)
	}
	raw := bytes.TrimSpace(env.Reminders)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, fmt.Errorf("%w: reminders must be an array", errs.ErrValidation)
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("%w: reminders: %v", errs.ErrValidation, err)
	}

	out := &Export{
		Version:     env.Version,
		UserID:      env.UserID,
		StorageType: env.StorageType,
		Reminders:   make([]*Reminder, 0, len(items)),
	}
	if env.Timestamp != "" {
		if ts, err := ParseTime(env.Timestamp); err == nil {
			out.Timestamp = ts
		}
	}

	for i, item := range items {
		r, err := decodeImported(item)
		if err != nil {
			return nil, fmt.Errorf("%w: reminders[%d]: %v", errs.ErrValidation, i, err)
		}
		out.Reminders = append(out.Reminders, r)
	}

	prefs := bytes.TrimSpace(env.Preferences)
	if len(prefs) > 0 && !bytes.Equal(prefs, []byte("null")) {
		var p UserPreferences
		if err := json.Unmarshal(prefs, &p); err != nil {
			return nil, fmt.Errorf("%w: preferences: %v", errs.ErrValidation, err)
		}
		out.Preferences = &p
	}
	return out, nil
}

// decodeImported checks the minimum fields and normalises dueAt before the
// record is decoded into a Reminder.
func decodeImported(item json.RawMessage) (*Reminder, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(item, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("not an object")
	}

	var title string
	if err := json.Unmarshal(fields["title"], &title); err != nil || strings.TrimSpace(title) == "" {
		return nil, fmt.Errorf("title is required")
	}
	var dueStr string
	if err := json.Unmarshal(fields["dueAt"], &dueStr); err != nil || dueStr == "" {
		return nil, fmt.Errorf("dueAt is required")
	}
	due, err := ParseTime(dueStr)
	if err != nil {
		return nil, fmt.Errorf("dueAt: %v", err)
	}

	delete(fields, "dueAt")
	for _, k := range []string{"createdAt", "updatedAt", "completedAt"} {
		var s string
		if json.Unmarshal(fields[k], &s) == nil {
			if t, err := ParseTime(s); err == nil {
				b, _ := json.Marshal(t)
				fields[k] = b
				continue
			}
		}
		delete(fields, k)
	}
	normalised, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	var r Reminder
	if err := json.Unmarshal(normalised, &r); err != nil {
		return nil, err
	}
	r.DueAt = due
	return &r, nil
}
