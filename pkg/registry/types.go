package registry

import (
	"context"

	"github.com/spotify/comet-core/pkg/models"
)

// EventContainer carries one raw message through the ingestion pipeline
// before it becomes a persisted record.
type EventContainer struct {
	SourceType string

	// Message is the parsed payload, the input to fingerprinting.
	Message map[string]any

	Owner       string
	Fingerprint string

	// Metadata is filled by hydrators and stored next to the payload.
	Metadata map[string]any
}

// SetMetadata records a hydrated attribute on the container.
func (c *EventContainer) SetMetadata(key string, value any) {
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	c.Metadata[key] = value
}

// Record converts the container into its persisted form.
func (c *EventContainer) Record() *models.EventRecord {
	return &models.EventRecord{
		SourceType:    c.SourceType,
		Fingerprint:   c.Fingerprint,
		Owner:         c.Owner,
		Data:          c.Message,
		EventMetadata: c.Metadata,
	}
}

// Parser turns a raw source message into a payload map. Each source type
// has exactly one.
type Parser interface {
	Parse(rawMessage []byte) (map[string]any, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(rawMessage []byte) (map[string]any, error)

func (f ParserFunc) Parse(rawMessage []byte) (map[string]any, error) { return f(rawMessage) }

// Hydrator enriches a parsed container, typically setting the owner,
// fingerprint or metadata.
type Hydrator interface {
	Hydrate(ctx context.Context, container *EventContainer) error
}

// HydratorFunc adapts a function to the Hydrator interface.
type HydratorFunc func(ctx context.Context, container *EventContainer) error

func (f HydratorFunc) Hydrate(ctx context.Context, container *EventContainer) error {
	return f(ctx, container)
}

// Filter inspects a hydrated container and returns the container to keep
// processing, a replacement container, or nil to drop the event.
type Filter interface {
	Filter(ctx context.Context, container *EventContainer) (*EventContainer, error)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(ctx context.Context, container *EventContainer) (*EventContainer, error)

func (f FilterFunc) Filter(ctx context.Context, container *EventContainer) (*EventContainer, error) {
	return f(ctx, container)
}

// Router delivers a batch of events to their owner.
type Router interface {
	Route(ctx context.Context, sourceType, owner string, events []*models.EventRecord) error
}

// RouterFunc adapts a function to the Router interface.
type RouterFunc func(ctx context.Context, sourceType, owner string, events []*models.EventRecord) error

func (f RouterFunc) Route(ctx context.Context, sourceType, owner string, events []*models.EventRecord) error {
	return f(ctx, sourceType, owner, events)
}

// Escalator notifies the escalation recipient of a source type about
// unaddressed events.
type Escalator interface {
	Escalate(ctx context.Context, sourceType string, events []*models.EventRecord) error
}

// EscalatorFunc adapts a function to the Escalator interface.
type EscalatorFunc func(ctx context.Context, sourceType string, events []*models.EventRecord) error

func (f EscalatorFunc) Escalate(ctx context.Context, sourceType string, events []*models.EventRecord) error {
	return f(ctx, sourceType, events)
}

// ConfigProvider resolves the per-event processing configuration of a
// real-time source, keyed off the event payload (for example its subtype).
// Recognized keys include "escalate_cadence" (time.Duration or duration
// string); a present but falsy value exempts the event from escalation.
type ConfigProvider interface {
	EventConfig(ctx context.Context, event *models.EventRecord) (map[string]any, error)
}

// ConfigProviderFunc adapts a function to the ConfigProvider interface.
type ConfigProviderFunc func(ctx context.Context, event *models.EventRecord) (map[string]any, error)

func (f ConfigProviderFunc) EventConfig(ctx context.Context, event *models.EventRecord) (map[string]any, error) {
	return f(ctx, event)
}

// MessageCallback hands a raw message to the ingestion pipeline. It
// reports whether the message was accepted and stored.
type MessageCallback func(ctx context.Context, sourceType string, rawMessage []byte) bool

// Input is a running message source, started when the scheduler starts.
type Input interface {
	Stop()
}

// InputFactory builds and starts an input with the ingestion callback.
type InputFactory func(ctx context.Context, callback MessageCallback) (Input, error)
