// Package dispatcher delivers lifecycle events asynchronously with buffering,
// retry and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"

	"recon/pkg/cloudevent"
)

// ErrBufferFull is returned when the buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// Dispatcher handles async delivery of events.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close stops accepting events and delivers what is queued until ctx ends.
	Close(ctx context.Context) error
}

// Event is an event addressed to a webhook.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // webhook URL
	SigningKey  string // HMAC key, empty means unsigned
	requeues    int
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int   // current queue size
	Queued       int64 // total events accepted
	Delivered    int64 // successful deliveries
	Failed       int64 // failed after retries
	Dropped      int64 // dropped due to full buffer or max requeues
	Requeued     int64 // requeued due to open circuit
	RetriesTotal int64 // total retry attempts
	BreakersOpen int   // currently open breakers
}
