package collector

import (
	"context"
	"log/slog"
)

// Notification describes a batch outcome worth telling the operator about.
type Notification struct {
	TaskID  string
	Title   string
	Message string
	Success bool
}

// Notifier delivers one notification. Failures are the notifier's problem;
// the completion pipeline never blocks on delivery.
type Notifier func(ctx context.Context, n Notification)

// LogNotifier writes notifications to the service log.
func LogNotifier(log *slog.Logger) Notifier {
	return func(ctx context.Context, n Notification) {
		if n.Success {
			log.Info("collector: "+n.Title, "task_id", n.TaskID, "message", n.Message)
			return
		}
		log.Warn("collector: "+n.Title, "task_id", n.TaskID, "message", n.Message)
	}
}
