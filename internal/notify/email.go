package notify

import (
	"context"
	"strings"

	"gopkg.in/gomail.v2"
)

// mailSender is satisfied by *gomail.Dialer.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailSink sends plain-text mail over SMTP to a fixed recipient list plus
// any target user IDs that are e-mail addresses.
type EmailSink struct {
	sender mailSender
	from   string
	to     []string
}

// NewEmail returns an EmailSink dialing host:port with the given
// credentials for every message.
func NewEmail(host string, port int, username, password, from string, to []string) *EmailSink {
	return &EmailSink{
		sender: gomail.NewDialer(host, port, username, password),
		from:   from,
		to:     to,
	}
}

// Name implements Sink.
func (s *EmailSink) Name() string { return "email" }

// Send implements Sink. gomail has no context support; the dial runs in its
// own goroutine and Send returns early when ctx ends.
func (s *EmailSink) Send(ctx context.Context, to Target, msg Message) error {
	rcpts := s.recipients(to)
	if len(rcpts) == 0 {
		return nil
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", rcpts...)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", plainText(msg))

	done := make(chan error, 1)
	go func() { done <- s.sender.DialAndSend(m) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *EmailSink) recipients(to Target) []string {
	out := append([]string(nil), s.to...)
	seen := make(map[string]bool, len(out))
	for _, r := range out {
		seen[strings.ToLower(r)] = true
	}
	for _, id := range to.UserIDs {
		if strings.Contains(id, "@") && !seen[strings.ToLower(id)] {
			seen[strings.ToLower(id)] = true
			out = append(out, id)
		}
	}
	return out
}
