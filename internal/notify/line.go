package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
)

// DefaultLineEndpoint is the LINE Messaging API base URL.
const DefaultLineEndpoint = "https://api.line.me"

// LineSink pushes text messages through a LINE Official Account. Every user
// ID and group ID in the target receives its own push.
type LineSink struct {
	token    string
	endpoint string
	client   *http.Client
}

// NewLine returns a LineSink authenticating with the channel access token.
// An empty endpoint selects DefaultLineEndpoint; a nil client uses one with a
// 10 s timeout.
func NewLine(token, endpoint string, client *http.Client) *LineSink {
	if endpoint == "" {
		endpoint = DefaultLineEndpoint
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &LineSink{token: token, endpoint: endpoint, client: client}
}

// Name implements Sink.
func (s *LineSink) Name() string { return "line" }

// Send implements Sink.
func (s *LineSink) Send(ctx context.Context, to Target, msg Message) error {
	ids := make([]string, 0, len(to.UserIDs)+len(to.GroupIDs))
	ids = append(ids, to.UserIDs...)
	ids = append(ids, to.GroupIDs...)
	if len(ids) == 0 {
		return nil
	}

	// The API client carries its context, so each Send gets its own.
	api, err := messaging_api.NewMessagingApiAPI(s.token,
		messaging_api.WithEndpoint(s.endpoint),
		messaging_api.WithHTTPClient(s.client),
	)
	if err != nil {
		return fmt.Errorf("line client: %w", err)
	}
	api = api.WithContext(ctx)

	text := plainText(msg)
	var errs []error
	for _, id := range ids {
		_, err := api.PushMessage(&messaging_api.PushMessageRequest{
			To:       id,
			Messages: []messaging_api.MessageInterface{&messaging_api.TextMessage{Text: text}},
		}, "")
		if err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", shortID(id), err))
		}
	}
	return errors.Join(errs...)
}

// shortID keeps recipient IDs out of logs beyond a recognisable prefix.
func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "..."
}
