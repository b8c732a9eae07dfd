package notify

import (
	"context"

	logger "github.com/sirupsen/logrus"
)

// Log is the fallback notifier used when no Telegram credentials are
// configured: every event lands in the structured log instead.
type Log struct{}

func (Log) Publish(_ context.Context, event Event) {
	logger.WithFields(map[string]interface{}{
		"kind":  event.Kind(),
		"event": event,
	}).Info("notification")
}
