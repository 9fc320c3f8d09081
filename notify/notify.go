// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// notify.go - Events for external collaborators.

// Package notify delivers events to an external consumer such as a UI.
// Producers never block.
package notify

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gopkg.in/eapache/channels.v1"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/core/worker"
	"github.com/circlehost/circlehost/identity"
)

// Event is the generic event sent over the event sink.
type Event interface {
	// String returns a string representation of the Event.
	String() string
}

// ConnectionRequestReceivedEvent is sent when a connection request was
// stored as pending.
type ConnectionRequestReceivedEvent struct {
	Sender     identity.Identity
	ReceivedAt time.Time
}

func (e *ConnectionRequestReceivedEvent) String() string {
	return fmt.Sprintf("ConnectionRequestReceived: %v", e.Sender)
}

// ConnectionAcceptedEvent is sent on the original sender once the
// recipient's acceptance was verified and the connection established.
type ConnectionAcceptedEvent struct {
	Remote identity.Identity
}

func (e *ConnectionAcceptedEvent) String() string {
	return fmt.Sprintf("ConnectionAccepted: %v", e.Remote)
}

// TransferFailedEvent is sent when an outbox item was dropped without
// being delivered.
type TransferFailedEvent struct {
	Drive     uuid.UUID
	File      uuid.UUID
	Recipient identity.Identity
	Status    string
	Attempts  int
}

func (e *TransferFailedEvent) String() string {
	return fmt.Sprintf("TransferFailed: %v/%v to %v: %v after %d attempts", e.Drive, e.File, e.Recipient, e.Status, e.Attempts)
}

// Notifier buffers events without bound and hands them to EventSink in
// order.
type Notifier struct {
	worker.Worker

	log     *logging.Logger
	eventCh channels.Channel

	// EventSink is closed when the Notifier is halted.
	EventSink chan Event
}

// Notify queues ev.
func (n *Notifier) Notify(ev Event) {
	n.log.Debugf("Event: %v", ev)
	n.eventCh.In() <- ev
}

func (n *Notifier) eventSinkWorker() {
	defer func() {
		n.log.Debug("Event sink worker terminating gracefully.")
		close(n.EventSink)
	}()
	for {
		var event interface{}
		select {
		case <-n.HaltCh():
			return
		case event = <-n.eventCh.Out():
		}
		select {
		case n.EventSink <- event.(Event):
		case <-n.HaltCh():
			return
		}
	}
}

// New starts a Notifier.
func New(logBackend *log.Backend) *Notifier {
	n := &Notifier{
		log:       logBackend.GetLogger("notify"),
		eventCh:   channels.NewInfiniteChannel(),
		EventSink: make(chan Event),
	}
	n.Go(n.eventSinkWorker)
	return n
}
