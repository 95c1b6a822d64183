// Package notify publishes domain events to downstream consumers: booking
// confirmation, receipts and the email sender.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/nats-io/nats.go"
)

// Subjects published by the service
const (
	SubjectPaymentSucceeded      = "payment.succeeded"
	SubjectPaymentFailed         = "payment.failed"
	SubjectPaymentRefunded       = "payment.refunded"
	SubjectVerificationRequested = "email.verification.requested"
)

// Publisher delivers an event. msgID identifies the event so consumers and
// the broker can drop duplicates of an at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, subject, msgID string, payload any) error
	Close() error
}

// NATSPublisher publishes over a NATS connection
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATS connects to url
func NewNATS(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("pawguard"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc}, nil
}

// Publish sends payload as JSON with the message id header set
func (p *NATSPublisher) Publish(ctx context.Context, subject, msgID string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: marshal %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	if msgID != "" {
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("notify: publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}

// LogPublisher writes events to the system log. It is used when no broker
// is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, subject, msgID string, payload any) error {
	logger.Info("event published", logger.LogContext{
		RequestID: msgID,
		Fields:    map[string]any{"subject": subject, "payload": payload},
	})
	return nil
}

func (LogPublisher) Close() error { return nil }

// Message is an event captured by Recorder
type Message struct {
	Subject string
	ID      string
	Payload any
}

// Recorder keeps published events in memory
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) Publish(_ context.Context, subject, msgID string, payload any) error {
	r.mu.Lock()
	r.messages = append(r.messages, Message{Subject: subject, ID: msgID, Payload: payload})
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Close() error { return nil }

// Messages returns the events published on subject, or all when subject is empty
func (r *Recorder) Messages(subject string) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Message
	for _, m := range r.messages {
		if subject == "" || m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}
