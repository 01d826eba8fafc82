// Package event defines the external triggers that produce jobs.
//
// An Event is the raw payload handed over by an ingress surface (repository
// webhook, board-sync poller, CLI). Events are identified for idempotency by
// their delivery id: at most one job may ever be created per delivery.
package event

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// Source identifies the external system that emitted an event.
type Source string

const (
	SourceRepo    Source = "repo"
	SourceTracker Source = "tracker"
	SourceManual  Source = "manual"
)

// KnownSources lists every source accepted at the ingress boundary.
func KnownSources() []Source {
	return []Source{SourceRepo, SourceTracker, SourceManual}
}

// ParseSource validates a source string from an untrusted caller.
func ParseSource(s string) (Source, error) {
	src := Source(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range KnownSources() {
		if src == known {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown event source: %q", s)
}

// Event is one external trigger occurrence.
//
// DeliveryID is the sender's idempotency key. Senders may redeliver the same
// event; the queue's delivery records guarantee only the first delivery
// produces a job.
type Event struct {
	Source     Source         `json:"source"`
	Type       string         `json:"event_type"`
	DeliveryID string         `json:"delivery_id"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Signature  string         `json:"signature,omitempty"`
}

// Validate checks the fields the queue depends on.
func (e *Event) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if _, err := ParseSource(string(e.Source)); err != nil {
		return err
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("event_type is required")
	}
	if strings.TrimSpace(e.DeliveryID) == "" {
		return errors.New("delivery_id is required")
	}
	return nil
}

// Ref is a short human-readable reference for logs and notifications,
// e.g. "tracker/card.moved.todo#d-1".
func (e *Event) Ref() string {
	return fmt.Sprintf("%s/%s#%s", e.Source, e.Type, e.DeliveryID)
}

// DeliveryRecord marks a delivery id as already turned into a job.
//
// Records are never mutated after creation and expire after a bounded
// retention window. Expiry bounds table growth; it is not required for
// correctness because senders stop redelivering long before the window ends.
type DeliveryRecord struct {
	DeliveryID  string    `json:"delivery_id"`
	JobID       string    `json:"job_id"`
	ProcessedAt time.Time `json:"processed_at"`
}

// IssuePayload is the typed shape of a repository issue event payload.
type IssuePayload struct {
	IssueNumber int    `mapstructure:"issue_number"`
	Title       string `mapstructure:"title"`
	Body        string `mapstructure:"body"`
	Repo        string `mapstructure:"repo"`
	Author      string `mapstructure:"author"`
}

// CardPayload is the typed shape of a board card event payload.
type CardPayload struct {
	CardID   string `mapstructure:"card_id"`
	ListSlug string `mapstructure:"list_slug"`
	Title    string `mapstructure:"title"`
	Body     string `mapstructure:"description"`
	BoardID  string `mapstructure:"board_id"`
}

// DecodeIssue extracts a typed issue payload from the opaque payload bag.
func (e *Event) DecodeIssue() (*IssuePayload, error) {
	var p IssuePayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode issue payload: %w", err)
	}
	return &p, nil
}

// DecodeCard extracts a typed card payload from the opaque payload bag.
func (e *Event) DecodeCard() (*CardPayload, error) {
	var p CardPayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode card payload: %w", err)
	}
	return &p, nil
}

func decodePayload(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}
