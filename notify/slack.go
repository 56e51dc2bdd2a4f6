package notify

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/slack-go/slack"
)

// SlackChannel posts to Slack incoming-webhook URLs. The route address is
// the webhook URL.
type SlackChannel struct {
	client *http.Client
}

// NewSlackChannel creates a Slack channel. A nil client uses a 10s-timeout
// default.
func NewSlackChannel(client *http.Client) *SlackChannel {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{client: client}
}

// Name implements Channel.
func (c *SlackChannel) Name() string { return "slack" }

// Send implements Channel.
func (c *SlackChannel) Send(ctx context.Context, address string, p Payload) error {
	att := slack.Attachment{
		Color: priorityColor(p.Priority),
		Title: p.Title,
		Text:  BodyText(p.Body),
	}
	keys := make([]string, 0, len(p.Data))
	for k := range p.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		att.Fields = append(att.Fields, slack.AttachmentField{
			Title: k,
			Value: fmt.Sprint(p.Data[k]),
			Short: true,
		})
	}

	msg := &slack.WebhookMessage{
		Text:        p.Title,
		Attachments: []slack.Attachment{att},
	}
	if err := slack.PostWebhookCustomHTTPContext(ctx, address, c.client, msg); err != nil {
		return fmt.Errorf("slack: %w", err)
	}
	return nil
}

func priorityColor(p Priority) string {
	switch p {
	case PriorityHigh:
		return "danger"
	case PriorityLow:
		return "#999999"
	default:
		return "warning"
	}
}
