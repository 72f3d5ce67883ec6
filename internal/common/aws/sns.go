package aws

import (
	"context"
	"encoding/json"
	"fmt"

	"portal-mailbox/internal/bus"
	"portal-mailbox/internal/common/logger"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSAPI is the slice of the SNS client the forwarder uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

func NewSNSClient(ctx context.Context, region string) (*sns.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return sns.NewFromConfig(cfg), nil
}

// SNSForwarder mirrors change events onto an SNS topic so push and email
// channels outside the service can react to new notifications and messages.
type SNSForwarder struct {
	client   SNSAPI
	topicARN string
	kinds    map[string]struct{}
	log      logger.Logger
}

// DefaultForwardedKinds are the events worth waking an external channel for.
var DefaultForwardedKinds = []string{bus.KindNotificationCreated, bus.KindMessageAppended}

func NewSNSForwarder(client SNSAPI, topicARN string, log logger.Logger, kinds ...string) *SNSForwarder {
	if len(kinds) == 0 {
		kinds = DefaultForwardedKinds
	}
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return &SNSForwarder{
		client:   client,
		topicARN: topicARN,
		kinds:    set,
		log:      log.WithFields(map[string]interface{}{"component": "sns-forwarder"}),
	}
}

// Publish implements bus.Publisher. Events of other kinds are ignored.
func (f *SNSForwarder) Publish(ctx context.Context, ev bus.Event) error {
	if _, ok := f.kinds[ev.Kind]; !ok {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	out, err := f.client.Publish(ctx, &sns.PublishInput{
		TopicArn: awssdk.String(f.topicARN),
		Message:  awssdk.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: awssdk.String("String"), StringValue: awssdk.String(ev.Kind)},
			"key":  {DataType: awssdk.String("String"), StringValue: awssdk.String(ev.Key)},
		},
	})
	if err != nil {
		f.log.Warn("SNS publish failed", map[string]interface{}{
			"key":   ev.Key,
			"kind":  ev.Kind,
			"error": err.Error(),
		})
		return fmt.Errorf("sns publish: %w", err)
	}

	f.log.Debug("Event forwarded to SNS", map[string]interface{}{
		"key":       ev.Key,
		"kind":      ev.Kind,
		"messageId": awssdk.ToString(out.MessageId),
	})
	return nil
}
