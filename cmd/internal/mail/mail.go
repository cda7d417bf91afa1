// Package mail delivers transactional email.
package mail

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

var ErrInvalidMessage = errors.New("mail: invalid message")

// Message is a single HTML email.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Validate checks the minimum fields for delivery.
func (m Message) Validate() error {
	if strings.TrimSpace(m.To) == "" || strings.ContainsAny(m.To, "\r\n") {
		return ErrInvalidMessage
	}
	if strings.TrimSpace(m.Subject) == "" || strings.ContainsAny(m.Subject, "\r\n") {
		return ErrInvalidMessage
	}
	return nil
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NoopSender drops every message.
type NoopSender struct{}

func (NoopSender) Send(context.Context, Message) error { return nil }

// LogSender logs messages instead of sending them. Bodies are not logged.
type LogSender struct {
	Log *slog.Logger
}

func (s LogSender) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "mail.send.logged", "to", msg.To, "subject", msg.Subject, "bytes", len(msg.HTML))
	return nil
}
