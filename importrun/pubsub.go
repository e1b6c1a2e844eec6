package importrun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strings"

	"cloud.google.com/go/pubsub"
	"github.com/gin-gonic/gin"

	"github.com/mmdatafocus/ops_backend/config"
	"github.com/mmdatafocus/ops_backend/utils"
)

// Publisher queues a request for a worker.
type Publisher func(ctx context.Context, req Request) error

func importRunTopic() string {
	topicName := strings.TrimSpace(os.Getenv("IMPORT_RUN_TOPIC"))
	if topicName == "" {
		topicName = "import-run"
	}
	return topicName
}

func PublishImportRun(ctx context.Context, req Request) error {
	client, err := config.GetClient(ctx)
	if err != nil {
		return err
	}

	topicName := importRunTopic()
	topic := client.Topic(topicName)
	if config.EnvBoolDefault("IMPORT_RUN_CREATE_TOPIC", false) {
		topic, err = config.CreateTopicIfNotExists(ctx, client, topicName)
		if err != nil {
			return err
		}
	}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	res := topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"business_id": req.BusinessId, "batch_id": req.BatchId},
	})
	_, err = res.Get(ctx)
	return err
}

// PubSubPushHandler acknowledges every message except one whose lock is held,
// which gets a 429 so Pub/Sub redelivers it after the running batch ends.
func (s *Service) PubSubPushHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !config.EnvBoolDefault("ENABLE_IMPORT_PUBSUB_PUSH_ENDPOINT", true) {
			c.Status(http.StatusNoContent)
			return
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var envelope PubSubPushEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil {
			c.Status(http.StatusNoContent)
			return
		}

		var req Request
		if err := json.Unmarshal(envelope.Message.Data, &req); err != nil {
			c.Status(http.StatusNoContent)
			return
		}
		if req.BatchId == "" || req.BusinessId == "" {
			c.Status(http.StatusNoContent)
			return
		}

		ctx := utils.SetCorrelationIdInContext(c.Request.Context(), envelope.Message.ID)
		if _, err := s.runner.Run(ctx, req); err != nil {
			if errors.Is(err, utils.ErrImportInProgress) {
				c.Status(http.StatusTooManyRequests)
				return
			}
			config.LogError(s.logger, "importrun", "PubSubPushHandler", "run", map[string]interface{}{
				"batch_id":   req.BatchId,
				"message_id": envelope.Message.ID,
			}, err)
		}
		c.Status(http.StatusNoContent)
	}
}
