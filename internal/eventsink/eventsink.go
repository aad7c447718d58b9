// Package eventsink forwards execution events to the log without ever
// blocking the publisher.
package eventsink

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

type Event struct {
	ExecutionID string
	Level       slog.Level
	Message     string
	At          time.Time
}

type Sink struct {
	logger  *slog.Logger
	events  chan Event
	dropped atomic.Int64
	now     func() time.Time
}

// New returns a sink buffering up to size events. Events published while the
// buffer is full are dropped and counted.
func New(logger *slog.Logger, size int) *Sink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if size <= 0 {
		size = 1024
	}
	return &Sink{
		logger: logger,
		events: make(chan Event, size),
		now:    time.Now,
	}
}

func (s *Sink) Publish(executionID string, level slog.Level, message string) {
	event := Event{ExecutionID: executionID, Level: level, Message: message, At: s.now().UTC()}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Run drains the buffer until ctx ends, then flushes what is left.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case event := <-s.events:
			s.write(ctx, event)
		case <-ctx.Done():
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	for {
		select {
		case event := <-s.events:
			s.write(context.Background(), event)
		default:
			if dropped := s.dropped.Swap(0); dropped > 0 {
				s.logger.Warn("execution events dropped", "count", dropped)
			}
			return
		}
	}
}

func (s *Sink) write(ctx context.Context, event Event) {
	s.logger.Log(ctx, event.Level, event.Message,
		"execution_id", event.ExecutionID,
		"event_at", event.At,
	)
}
