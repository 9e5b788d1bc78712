package redpanda

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// topicAlreadyExists is Kafka protocol error code 36.
const topicAlreadyExists = 36

// createTopicIfNotExists issues a CreateTopics request and treats "already
// exists" as success.
func createTopicIfNotExists(ctx context.Context, client *kgo.Client, topic string, partitions int32, replicationFactor int16) error {
	if topic == "" {
		return fmt.Errorf("topic name cannot be empty")
	}

	req := kmsg.NewCreateTopicsRequest()
	req.TimeoutMillis = 30000

	topicReq := kmsg.NewCreateTopicsRequestTopic()
	topicReq.Topic = topic
	topicReq.NumPartitions = partitions
	topicReq.ReplicationFactor = replicationFactor
	req.Topics = append(req.Topics, topicReq)

	resp, err := client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("create topics request: %w", err)
	}
	createResp, ok := resp.(*kmsg.CreateTopicsResponse)
	if !ok {
		return fmt.Errorf("unexpected response type: %T", resp)
	}
	for _, topicResp := range createResp.Topics {
		if topicResp.ErrorCode == 0 || topicResp.ErrorCode == topicAlreadyExists {
			continue
		}
		msg := ""
		if topicResp.ErrorMessage != nil {
			msg = *topicResp.ErrorMessage
		}
		return fmt.Errorf("create topic %s: %s (code %d)", topicResp.Topic, msg, topicResp.ErrorCode)
	}
	return nil
}
