package dispatchnotification

import (
	"time"

	"portal-mailbox/internal/common/config"
)

type Config struct {
	Timeout time.Duration
	// AdminRole is the audience used when a job names no recipients.
	AdminRole string
}

func LoadConfig(cfg *config.Config) *Config {
	w := config.GetWorkerConfig(cfg, TaskType)
	return &Config{
		Timeout:   config.GetDuration(w.Timeout),
		AdminRole: cfg.Identity.AdminRole,
	}
}
