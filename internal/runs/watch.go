package runs

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/models"
	"github.com/sirupsen/logrus"
)

// Watch delivers every run saved by any process until ctx is done. A
// malformed payload is logged and skipped.
func Watch(ctx context.Context, client *redis.Client, logger *logrus.Logger, handler func(*models.ImportRun)) error {
	if logger == nil {
		logger = logrus.New()
	}

	pubsub := client.Subscribe(ctx, Channel)
	defer pubsub.Close()

	// wait for the subscription to be confirmed before reading
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	logger.WithField("channel", Channel).Info("subscribed to import runs")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var run models.ImportRun
			if err := json.Unmarshal([]byte(msg.Payload), &run); err != nil {
				logger.WithError(err).Warn("skipping malformed run update")
				continue
			}
			handler(&run)
		}
	}
}
