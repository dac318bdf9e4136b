package reminder

import "time"

// UserPreferences holds per-user settings. Writes replace the whole record.
type UserPreferences struct {
	UserID               string            `json:"userId"`
	DefaultAlertTimings  []int             `json:"defaultAlertTimings,omitempty"`
	NotificationsEnabled bool              `json:"notificationsEnabled"`
	SoundEnabled         bool              `json:"soundEnabled"`
	VibrationEnabled     bool              `json:"vibrationEnabled"`
	Theme                string            `json:"theme,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

func (p *UserPreferences) Clone() *UserPreferences {
	if p == nil {
		return nil
	}
	c := *p
	if p.DefaultAlertTimings != nil {
		c.DefaultAlertTimings = append([]int(nil), p.DefaultAlertTimings...)
	}
	if p.Extra != nil {
		c.Extra = make(map[string]string, len(p.Extra))
		for k, v := range p.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// Metadata is adapter bookkeeping, not user-facing.
type Metadata struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updatedAt"`
}
