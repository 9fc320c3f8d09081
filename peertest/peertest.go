// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// peertest.go - In-memory federation of identity hosts.

// Package peertest runs several identity hosts in one process, connected by
// a loopback transport, for tests.
package peertest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/config"
	"github.com/circlehost/circlehost/handshake"
	"github.com/circlehost/circlehost/host"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/transfer"
)

// ErrUnreachable is returned for deliveries to a host marked unreachable.
var ErrUnreachable = errors.New("peertest: connection refused")

// FileHook intercepts a file delivery.  Returning handled == false passes
// the delivery on to the recipient.
type FileHook func(attempt int, from, to identity.Identity, msg *transfer.PeerFileMessage) (resp *transfer.PeerResponse, err error, handled bool)

// Federation is a set of hosts that reach each other in memory.
type Federation struct {
	sync.Mutex

	dir   string
	nodes map[identity.Identity]*Node

	unreachable  map[identity.Identity]bool
	fileHook     FileHook
	fileAttempts int
	keyFetches   map[identity.Identity]int
	configOutbox config.Outbox
}

// Node is one host of a Federation together with its owner session and
// fake collaborators.
type Node struct {
	*host.Host

	ID        identity.Identity
	MasterKey *keys.SymmetricKey
	Owner     *caller.Context
	Drives    *Drives
	Circles   *Circles
}

// New returns an empty federation keeping host state under dir.
func New(dir string) *Federation {
	return &Federation{
		dir:         dir,
		nodes:       make(map[identity.Identity]*Node),
		unreachable: make(map[identity.Identity]bool),
		keyFetches:  make(map[identity.Identity]int),
		configOutbox: config.Outbox{
			ProcessInterval: 60 * 60 * 1000,
			RetryBaseDelay:  1,
			RetryMaxDelay:   1,
		},
	}
}

// SetOutboxConfig changes the outbox configuration of hosts added later.
func (f *Federation) SetOutboxConfig(o config.Outbox) {
	f.Lock()
	defer f.Unlock()
	f.configOutbox = o
}

// Add starts a host named name and initializes its keys.
func (f *Federation) Add(name string) (*Node, error) {
	f.Lock()
	oCfg := f.configOutbox
	f.Unlock()
	cfg := &config.Config{
		Host: &config.Host{
			Identity: name,
			DataDir:  filepath.Join(f.dir, name),
		},
		Logging: &config.Logging{Disable: true},
		Outbox:  &oCfg,
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	id := identity.MustParse(cfg.Host.Identity)

	n := &Node{
		ID:      id,
		Drives:  NewDrives(),
		Circles: NewCircles(),
	}
	var err error
	if n.Host, err = host.New(cfg, &host.Collaborators{
		Peers:   &client{from: id, fed: f},
		Drives:  n.Drives,
		Circles: n.Circles,
		Files:   n.Drives,
		Sink:    n.Drives,
	}); err != nil {
		return nil, err
	}
	if n.MasterKey, err = keys.NewRandomKey(); err != nil {
		n.Shutdown()
		return nil, err
	}
	n.Owner = caller.Owner(id, n.MasterKey)
	if err = n.Initialize(n.Owner); err != nil {
		n.Shutdown()
		return nil, err
	}

	f.Lock()
	defer f.Unlock()
	f.nodes[id] = n
	return n, nil
}

// Shutdown stops every host.
func (f *Federation) Shutdown() {
	f.Lock()
	nodes := make([]*Node, 0, len(f.nodes))
	for _, n := range f.nodes {
		nodes = append(nodes, n)
	}
	f.Unlock()
	for _, n := range nodes {
		n.Shutdown()
		n.MasterKey.Wipe()
	}
}

// SetUnreachable makes deliveries to id fail with ErrUnreachable.
func (f *Federation) SetUnreachable(id identity.Identity, v bool) {
	f.Lock()
	defer f.Unlock()
	f.unreachable[id] = v
}

// SetFileHook installs h for every file delivery.
func (f *Federation) SetFileHook(h FileHook) {
	f.Lock()
	defer f.Unlock()
	f.fileHook = h
	f.fileAttempts = 0
}

// FileAttempts returns the number of file deliveries since the last
// SetFileHook.
func (f *Federation) FileAttempts() int {
	f.Lock()
	defer f.Unlock()
	return f.fileAttempts
}

// KeyFetches returns how often the public key of id was fetched.
func (f *Federation) KeyFetches(id identity.Identity) int {
	f.Lock()
	defer f.Unlock()
	return f.keyFetches[id]
}

func (f *Federation) node(id identity.Identity) (*Node, error) {
	f.Lock()
	defer f.Unlock()
	if f.unreachable[id] {
		return nil, ErrUnreachable
	}
	n, ok := f.nodes[id]
	if !ok {
		return nil, fmt.Errorf("peertest: no such host: %v", id)
	}
	return n, nil
}

// Connect runs a full handshake in which a sends a request granting
// aCircles and b accepts it granting bCircles.
func (f *Federation) Connect(ctx context.Context, a, b *Node, aCircles, bCircles []uuid.UUID) error {
	if err := a.Handshake.SendConnectionRequest(ctx, a.Owner, &handshake.SendRequest{
		Recipient:   b.ID,
		ContactData: registry.ContactData{Name: a.ID.String()},
		Message:     "hello from " + a.ID.String(),
		Circles:     aCircles,
	}); err != nil {
		return err
	}
	return b.Handshake.AcceptConnectionRequest(ctx, b.Owner, &handshake.AcceptRequest{
		Sender:      a.ID,
		ContactData: registry.ContactData{Name: b.ID.String()},
		Circles:     bCircles,
	})
}

// NextEvent returns the next event of n, or nil after timeout.
func (n *Node) NextEvent(timeout time.Duration) notify.Event {
	select {
	case ev := <-n.Notifier.EventSink:
		return ev
	case <-time.After(timeout):
		return nil
	}
}

// client is the loopback transport seen from one host.
type client struct {
	from identity.Identity
	fed  *Federation
}

func (c *client) GetPublicKey(_ context.Context, remote identity.Identity) (*keys.PublishedKey, error) {
	n, err := c.fed.node(remote)
	if err != nil {
		return nil, err
	}
	c.fed.Lock()
	c.fed.keyFetches[remote]++
	c.fed.Unlock()
	return n.GetPublicKey()
}

func (c *client) DeliverConnectionRequest(ctx context.Context, recipient identity.Identity, env *handshake.RequestEnvelope) (*handshake.DeliveryResponse, error) {
	n, err := c.fed.node(recipient)
	if err != nil {
		return nil, err
	}
	b, err := handshake.EncodeRequestEnvelope(env)
	if err != nil {
		return nil, err
	}
	if env, err = handshake.DecodeRequestEnvelope(b); err != nil {
		return nil, err
	}
	return n.HandleDeliverConnectionRequest(ctx, c.from, env), nil
}

func (c *client) EstablishConnection(ctx context.Context, recipient identity.Identity, env *handshake.ReplyEnvelope, bearer []byte) (*handshake.DeliveryResponse, error) {
	n, err := c.fed.node(recipient)
	if err != nil {
		return nil, err
	}
	b, err := handshake.EncodeReplyEnvelope(env)
	if err != nil {
		return nil, err
	}
	if env, err = handshake.DecodeReplyEnvelope(b); err != nil {
		return nil, err
	}
	return n.HandleEstablishConnection(ctx, c.from, env, bearer), nil
}

func (c *client) DeliverFile(ctx context.Context, recipient identity.Identity, bearer []byte, msg *transfer.PeerFileMessage) (*transfer.PeerResponse, error) {
	c.fed.Lock()
	attempt := c.fed.fileAttempts
	c.fed.fileAttempts++
	hook := c.fed.fileHook
	c.fed.Unlock()
	if hook != nil {
		if resp, err, handled := hook(attempt, c.from, recipient, msg); handled {
			return resp, err
		}
	}
	n, err := c.fed.node(recipient)
	if err != nil {
		return nil, err
	}
	return n.HandleDeliverFile(ctx, c.from, bearer, msg), nil
}
