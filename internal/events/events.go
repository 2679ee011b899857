// Package events publishes workflow transitions to NATS.
//
// Subjects have the form <prefix>.<workflow id>.<type>, for example
//
//	patchflow.workflow.7d0c....transition
//
// so consumers can follow one workflow with <prefix>.<id>.> or every
// terminal outcome with <prefix>.*.done.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/patchflow/internal/workflow"
)

// Type names an event and is the last subject token.
type Type string

const (
	Started    Type = "started"
	Transition Type = "transition"
	Waiting    Type = "waiting"
	Approval   Type = "approval"
	Done       Type = "done"
	Failed     Type = "failed"
)

// DefaultPrefix is the subject prefix when none is configured.
const DefaultPrefix = "patchflow.workflow"

// Event describes one state change.
type Event struct {
	Type       Type                 `json:"type"`
	WorkflowID string               `json:"workflow_id"`
	Phase      workflow.Phase       `json:"phase"`
	Attempt    int                  `json:"attempt,omitempty"`
	Status     workflow.Status      `json:"status"`
	Outcome    workflow.Outcome     `json:"outcome,omitempty"`
	Next       workflow.Phase       `json:"next,omitempty"`
	Kind       workflow.FailureKind `json:"kind,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	At         time.Time            `json:"at"`
}

// Publisher emits events. Publishing is best effort; callers log errors.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// NATS publishes events as JSON on core NATS subjects.
type NATS struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// Connect dials url and returns a publisher owning the connection.
func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("patchflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p := NewNATS(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATS publishes on an existing connection.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATS{nc: nc, prefix: prefix}
}

// Subject returns the subject for e.
func (p *NATS) Subject(e Event) string {
	return Subject(p.prefix, e.WorkflowID, e.Type)
}

// Subject builds <prefix>.<id>.<type>.
func Subject(prefix, id string, t Type) string {
	return fmt.Sprintf("%s.%s.%s", prefix, id, t)
}

func (p *NATS) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("publish %s event: %w", e.Type, err)
	}
	return nil
}

// Close drains the connection if this publisher opened it.
func (p *NATS) Close() error {
	if !p.owned {
		return nil
	}
	return p.nc.Drain()
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	events := r.Events()
	types := make([]Type, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}
