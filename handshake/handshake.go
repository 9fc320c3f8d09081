// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// handshake.go - Connection request protocol.

// Package handshake implements the connection request protocol between two
// identity hosts.  Per ordered pair (sender, recipient) the state moves from
// none to sent/received pending to connected on both sides; a pending
// request can be abandoned by deleting it.  No ICR exists on either side
// until both have verified the other's half of the exchange.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/hostkeys"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/pubkeys"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
)

var (
	// ErrSelfConnection is returned when a host addresses itself.
	ErrSelfConnection = errors.New("handshake: cannot connect to self")

	// ErrAlreadyConnected is returned when sending a request to an
	// identity that is already connected.
	ErrAlreadyConnected = errors.New("handshake: already connected")

	// ErrMissingField is returned for messages lacking a required field.
	ErrMissingField = errors.New("handshake: missing required field")

	// ErrSenderMismatch is returned when the identity inside a message
	// disagrees with the transport authenticated caller.
	ErrSenderMismatch = errors.New("handshake: sender does not match caller")

	// ErrPublicKeyInvalid is returned when a request was sealed to a key
	// other than the host's current public key.
	ErrPublicKeyInvalid = errors.New("handshake: request sealed to an invalid public key")

	// ErrNoPendingRequest is returned when accepting a request that does
	// not exist.
	ErrNoPendingRequest = errors.New("handshake: no pending request")

	// ErrRequestNotFound is returned when a reply arrives for a request
	// this host no longer holds.
	ErrRequestNotFound = errors.New("handshake: original request no longer exists")

	// ErrRejected is returned when a peer refused a message.
	ErrRejected = errors.New("handshake: rejected by peer")

	// ErrSharedSecretMismatch is returned when the reply's token does not
	// carry the shared secret this host chose.
	ErrSharedSecretMismatch = errors.New("handshake: shared secret mismatch")
)

// PeerClient talks to remote hosts.  The transport authenticates this host
// to the remote and delivers the caller identity on the other side.
type PeerClient interface {
	pubkeys.Fetcher

	DeliverConnectionRequest(ctx context.Context, recipient identity.Identity, env *RequestEnvelope) (*DeliveryResponse, error)
	EstablishConnection(ctx context.Context, recipient identity.Identity, env *ReplyEnvelope, bearer []byte) (*DeliveryResponse, error)
}

// PendingRequest is a received, still encrypted, connection request.
type PendingRequest struct {
	Sender     identity.Identity `cbor:"1,keyasint"`
	ReceivedAt time.Time         `cbor:"2,keyasint"`
	Envelope   *RequestEnvelope  `cbor:"3,keyasint"`
}

// SentRequest is the sender's record of an outstanding request.
type SentRequest struct {
	Recipient   identity.Identity    `cbor:"1,keyasint"`
	RequestID   uuid.UUID            `cbor:"2,keyasint"`
	ContactData registry.ContactData `cbor:"3,keyasint"`
	Message     string               `cbor:"4,keyasint,omitempty"`
	SentAt      time.Time            `cbor:"5,keyasint"`

	// PendingGrant becomes the ICR's grant once the reply is verified.
	// Its token was handed to the recipient and is not retained.
	PendingGrant *keys.AccessExchangeGrant `cbor:"6,keyasint"`

	// BootstrapKeyEncryptedIcrKey is the ICR key wrapped under the
	// bootstrap key carried in the request.
	BootstrapKeyEncryptedIcrKey *keys.WrappedKey `cbor:"7,keyasint"`
}

// Config is the set of collaborators of a Service.
type Config struct {
	Self       identity.Identity
	Store      storage.Store
	Keychain   *hostkeys.Keychain
	Registry   *registry.Registry
	Grants     *grant.Builder
	PublicKeys *pubkeys.Cache
	Peers      PeerClient
	Notifier   *notify.Notifier
}

// Service runs this host's side of every handshake.
type Service struct {
	log *logging.Logger

	self     identity.Identity
	keychain *hostkeys.Keychain
	registry *registry.Registry
	grants   *grant.Builder
	pubkeys  *pubkeys.Cache
	peers    PeerClient
	notifier *notify.Notifier

	pending storage.Collection
	sent    storage.Collection

	pairMu    sync.Mutex
	pairLocks map[identity.Identity]*pairLock

	now func() time.Time
}

type pairLock struct {
	sync.Mutex
	refs int
}

// lockPair serializes state changes concerning one remote identity.  It is
// never held across a call to a peer.  An entry lives only while some
// caller holds or waits for it.
func (s *Service) lockPair(remote identity.Identity) func() {
	s.pairMu.Lock()
	l, ok := s.pairLocks[remote]
	if !ok {
		l = new(pairLock)
		s.pairLocks[remote] = l
	}
	l.refs++
	s.pairMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.pairMu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.pairLocks, remote)
		}
		s.pairMu.Unlock()
	}
}

// New returns a Service.
func New(logBackend *log.Backend, cfg *Config) (*Service, error) {
	if err := cfg.Self.Validate(); err != nil {
		return nil, fmt.Errorf("handshake: %w", err)
	}
	s := &Service{
		log:      logBackend.GetLogger("handshake"),
		self:     cfg.Self,
		keychain: cfg.Keychain,
		registry: cfg.Registry,
		grants:   cfg.Grants,
		pubkeys:  cfg.PublicKeys,
		peers:    cfg.Peers,
		notifier: cfg.Notifier,
		now:      func() time.Time { return time.Now().UTC() },

		pairLocks: make(map[identity.Identity]*pairLock),
	}
	var err error
	if s.pending, err = cfg.Store.Collection(storage.PendingRequests); err != nil {
		return nil, err
	}
	if s.sent, err = cfg.Store.Collection(storage.SentRequests); err != nil {
		return nil, err
	}
	return s, nil
}
