// Package notify delivers alert events to people. A Sink is one delivery
// channel (LINE, Slack, e-mail, Web Push); Fanout sends to several;
// Dispatcher queues events and sends them from a worker so the alert
// evaluation cycle never waits on a remote API.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Target names the recipients of a message. Sinks interpret the IDs in
// their own namespace and ignore those they cannot address.
type Target struct {
	UserIDs  []string `yaml:"user_ids"`
	GroupIDs []string `yaml:"group_ids"`
}

// Field is one labelled line of a Message.
type Field struct {
	Label string
	Value string
}

// Message is a rendered notification.
type Message struct {
	Subject string
	Text    string
	Color   string // hex, e.g. "#FF0000"
	Fields  []Field
	At      time.Time

	// The source event, for sinks that route by site.
	Kind         string
	HospitalCode string
	CompanyName  string
}

// Sink delivers a Message. Implementations must honour ctx cancellation.
type Sink interface {
	Name() string
	Send(ctx context.Context, to Target, msg Message) error
}

// DeliveryError reports a failed send through one sink.
type DeliveryError struct {
	Sink string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify: %s delivery failed: %v", e.Sink, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Fanout sends every message through each of its sinks in order. A failing
// sink does not stop the others; the failures are joined.
type Fanout []Sink

// Name implements Sink.
func (f Fanout) Name() string { return "fanout" }

// Send implements Sink.
func (f Fanout) Send(ctx context.Context, to Target, msg Message) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, to, msg); err != nil {
			errs = append(errs, &DeliveryError{Sink: s.Name(), Err: err})
		}
	}
	return errors.Join(errs...)
}
