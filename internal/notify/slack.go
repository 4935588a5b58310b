package notify

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/slack-go/slack"
)

// SlackSink posts messages to one Slack channel as a colour-coded
// attachment. Target IDs are not Slack addresses and are ignored.
type SlackSink struct {
	client  *slack.Client
	channel string
}

// NewSlack returns a SlackSink using a bot token. opts are passed to
// slack.New, e.g. slack.OptionAPIURL in tests.
func NewSlack(token, channel string, opts ...slack.Option) *SlackSink {
	return &SlackSink{client: slack.New(token, opts...), channel: channel}
}

// Name implements Sink.
func (s *SlackSink) Name() string { return "slack" }

// Send implements Sink.
func (s *SlackSink) Send(ctx context.Context, _ Target, msg Message) error {
	fields := make([]slack.AttachmentField, 0, len(msg.Fields))
	for _, f := range msg.Fields {
		fields = append(fields, slack.AttachmentField{
			Title: f.Label,
			Value: f.Value,
			Short: f.Label != "Detail",
		})
	}
	attachment := slack.Attachment{
		Color:    msg.Color,
		Title:    msg.Subject,
		Fallback: msg.Subject,
		Fields:   fields,
		Footer:   "fleetwatch",
		Ts:       json.Number(strconv.FormatInt(msg.At.Unix(), 10)),
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(msg.Subject, false),
		slack.MsgOptionAttachments(attachment),
	)
	return err
}
