package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/fleetwatch/dashboard/internal/server/storage"
)

// Subscriptions is the part of the store the Web Push sink reads and prunes.
type Subscriptions interface {
	ListPushSubscriptions(ctx context.Context) ([]storage.PushSubscription, error)
	DeletePushSubscription(ctx context.Context, endpoint string) (bool, error)
}

// WebPushOptions configures a WebPushSink. Subscriber is the VAPID contact,
// a mailto: address or an https URL.
type WebPushOptions struct {
	PublicKey  string
	PrivateKey string
	Subscriber string
	TTL        time.Duration // default 1h
	Client     *http.Client  // default: 10 s timeout
}

// WebPushSink delivers alerts to browsers subscribed through the dashboard.
// A subscription bound to a hospital or company only receives that site's
// alerts. Subscriptions the push service reports as gone are deleted.
// Target IDs are not push endpoints and are ignored.
type WebPushSink struct {
	subs Subscriptions
	opts WebPushOptions
}

// NewWebPush returns a WebPushSink reading subscriptions from subs.
func NewWebPush(subs Subscriptions, opts WebPushOptions) *WebPushSink {
	if opts.TTL <= 0 {
		opts.TTL = time.Hour
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebPushSink{subs: subs, opts: opts}
}

// Name implements Sink.
func (s *WebPushSink) Name() string { return "webpush" }

// pushPayload is what the dashboard's service worker renders.
type pushPayload struct {
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Tag       string            `json:"tag"`
	Data      map[string]string `json:"data,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Send implements Sink.
func (s *WebPushSink) Send(ctx context.Context, _ Target, msg Message) error {
	subs, err := s.subs.ListPushSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}

	payload, err := json.Marshal(pushPayload{
		Title: msg.Subject,
		Body:  msg.Text,
		Tag:   "alert-" + msg.Kind,
		Data: map[string]string{
			"alert_type":    msg.Kind,
			"hospital_code": msg.HospitalCode,
		},
		Timestamp: msg.At.UnixMilli(),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, sub := range subs {
		if !subscribed(sub, msg) {
			continue
		}
		if err := s.push(ctx, sub, payload); err != nil {
			errs = append(errs, fmt.Errorf("push to %s: %w", shortID(sub.Endpoint), err))
		}
	}
	return errors.Join(errs...)
}

func subscribed(sub storage.PushSubscription, msg Message) bool {
	if sub.HospitalCode != "" && sub.HospitalCode != msg.HospitalCode {
		return false
	}
	return sub.CompanyName == "" || sub.CompanyName == msg.CompanyName
}

func (s *WebPushSink) push(ctx context.Context, sub storage.PushSubscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dh, Auth: sub.Auth},
	}, &webpush.Options{
		HTTPClient:      s.opts.Client,
		Subscriber:      s.opts.Subscriber,
		VAPIDPublicKey:  s.opts.PublicKey,
		VAPIDPrivateKey: s.opts.PrivateKey,
		TTL:             int(s.opts.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		// The browser unsubscribed or the subscription expired.
		if _, err := s.subs.DeletePushSubscription(ctx, sub.Endpoint); err != nil {
			return fmt.Errorf("drop expired subscription: %w", err)
		}
		return nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, detail)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
