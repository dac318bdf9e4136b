package config

import (
	"github.com/knadh/koanf/providers/confmap"
)

func DefaultConfig() map[string]interface{} {
	return map[string]interface{}{
		"storage": map[string]interface{}{
			"data_dir":       "~/.reminder-store",
			"indexed_driver": "sqlite",
			"mongo_uri":      "",
			"mongo_database": "reminder_store",
			"kv": map[string]interface{}{
				"quota":     5 << 20, // bytes, 0 means unbounded
				"retention": "720h",  // completed reminders older than this are evicted on quota errors
			},
			"import_batch_size": 100,
			"instrument":        false,
		},
		"probe": map[string]interface{}{
			"timeout":   "3s",
			"quota_cap": 10 << 20,
			"min_quota": 64 << 10,
		},
		"scheduler": map[string]interface{}{
			"horizon":        "24h",
			"sweep_interval": "30s",
		},
		"reminders": map[string]interface{}{
			"default_alert_timings": []int{15, 60},
			"timezone":              "Local",
		},
		"log": map[string]interface{}{
			"level":  "info",
			"format": "console",
		},
	}
}

func NewDefaultProvider() *confmap.Confmap {
	return confmap.Provider(DefaultConfig(), ".")
}

func GetDefaultConfigPath() string {
	return "~/.reminder-store/config.yaml"
}
