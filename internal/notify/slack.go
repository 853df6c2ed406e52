package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackClient is the subset of the Slack API the notifier uses.
type SlackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts events to a Slack channel.
type SlackNotifier struct {
	client  SlackClient
	channel string
}

// NewSlackNotifier creates a Slack-backed notifier.
func NewSlackNotifier(token, channel string) *SlackNotifier {
	return &SlackNotifier{client: slack.New(token), channel: channel}
}

// NewSlackNotifierWithClient injects a client, for tests.
func NewSlackNotifierWithClient(client SlackClient, channel string) *SlackNotifier {
	return &SlackNotifier{client: client, channel: channel}
}

func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(ev.Text(), false))
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	return nil
}
