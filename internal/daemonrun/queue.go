package daemonrun

import (
	"fmt"
	"log/slog"
	"strings"

	"clipline/internal/config"
	"clipline/internal/jobqueue"
	"clipline/internal/jobqueue/amqp"
)

// OpenQueue connects to the job queue selected by queue.driver.
func OpenQueue(cfg *config.Config, logger *slog.Logger) (jobqueue.Queue, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Queue.Driver)) {
	case "", "sqlite":
		q, err := jobqueue.OpenSQLite(cfg.QueueDBPath(), cfg.Queue.Name,
			jobqueue.WithLogger(logger),
			jobqueue.WithPollInterval(cfg.PollInterval()),
			jobqueue.WithHeartbeat(cfg.HeartbeatInterval(), cfg.HeartbeatTimeout()),
			jobqueue.WithDrainTimeout(cfg.DrainTimeout()),
		)
		if err != nil {
			return nil, err
		}
		return q, nil
	case "amqp":
		q, err := amqp.Dial(cfg.Queue.URL, cfg.Queue.Name,
			amqp.WithLogger(logger),
			amqp.WithDrainTimeout(cfg.DrainTimeout()),
		)
		if err != nil {
			return nil, err
		}
		return q, nil
	default:
		return nil, fmt.Errorf("queue driver %q is not supported", cfg.Queue.Driver)
	}
}
