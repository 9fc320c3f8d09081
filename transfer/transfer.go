// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// transfer.go - Peer transfer engine.

// Package transfer moves encrypted files from local drives to connected
// hosts through the outbox.  Access control is enforced against the file's
// ACL at the moment of delivery, and every failure is classified as either
// requeued or reported.
package transfer

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/gofrs/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/core/worker"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/hostkeys"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/outbox"
	"github.com/circlehost/circlehost/pubkeys"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
)

const (
	defaultBatchSize       = 10
	defaultProcessInterval = 30 * time.Second
	defaultLeaseDuration   = 5 * time.Minute
)

var (
	// ErrFileNotFound is returned by a FileSource for a missing file.
	ErrFileNotFound = errors.New("transfer: file not found")

	// ErrNoRecipients is returned for a transfer without recipients.
	ErrNoRecipients = errors.New("transfer: no recipients")

	errStalePublicKey = errors.New("transfer: recipient refused stale public key")
)

// SecurityGroup is the coarse audience of a file.
type SecurityGroup uint8

const (
	Anonymous SecurityGroup = iota
	Authenticated
	Connected
	Owner
)

// ACL is a file's access control list.
type ACL struct {
	RequiredSecurityGroup SecurityGroup

	// Identities and Circles, when set, further restrict the audience to
	// the listed identities and members of the listed circles.
	Identities []identity.Identity
	Circles    []uuid.UUID
}

// Allows returns true if the holder of icr may read the file.  A blocked
// identity is never allowed.
func (a *ACL) Allows(icr *registry.IdentityConnectionRegistration) bool {
	if icr.Status == registry.Blocked {
		return false
	}
	switch a.RequiredSecurityGroup {
	case Owner:
		return false
	case Connected:
		if !icr.IsConnected() {
			return false
		}
	}
	if len(a.Identities) == 0 && len(a.Circles) == 0 {
		return true
	}
	if slices.Contains(a.Identities, icr.Identity) {
		return true
	}
	if !icr.IsConnected() || icr.AccessGrant == nil || icr.AccessGrant.IsRevoked {
		return false
	}
	for _, c := range a.Circles {
		if icr.AccessGrant.InCircle(c) {
			return true
		}
	}
	return false
}

// FileHeader is what the engine needs to know about a stored file.
type FileHeader struct {
	Drive             uuid.UUID
	File              uuid.UUID
	ACL               ACL
	AllowDistribution bool

	// EncryptedKeyHeader is the file's content key wrapped under the
	// drive storage key.
	EncryptedKeyHeader *keys.WrappedKey

	// Metadata is the JSON file metadata.
	Metadata   []byte
	Payloads   []Part
	Thumbnails []Part
}

// FileSource reads files from the local drive storage engine.
type FileSource interface {
	// Header returns the current header of file, or ErrFileNotFound.
	Header(ctx context.Context, drive, file uuid.UUID) (*FileHeader, error)

	// Delete removes a transient file.
	Delete(ctx context.Context, drive, file uuid.UUID) error
}

// PeerClient delivers files to remote hosts.
type PeerClient interface {
	pubkeys.Fetcher

	// DeliverFile sends msg to recipient authenticated by bearer.  An
	// error means the recipient could not be reached.
	DeliverFile(ctx context.Context, recipient identity.Identity, bearer []byte, msg *PeerFileMessage) (*PeerResponse, error)
}

// Config is the engine configuration.
type Config struct {
	Self       identity.Identity
	Store      storage.Store
	Outbox     *outbox.Outbox
	Keychain   *hostkeys.Keychain
	Registry   *registry.Registry
	Drives     grant.DriveKeyResolver
	Files      FileSource
	Sink       FileSink
	PublicKeys *pubkeys.Cache
	Peers      PeerClient
	Notifier   *notify.Notifier

	BatchSize           int
	ProcessInterval     time.Duration
	LeaseDuration       time.Duration
	InstantDistribution bool
}

// Engine is the peer transfer engine.
type Engine struct {
	worker.Worker

	log *logging.Logger

	self       identity.Identity
	awaiting   storage.Collection
	outbox     *outbox.Outbox
	keychain   *hostkeys.Keychain
	registry   *registry.Registry
	drives     grant.DriveKeyResolver
	files      FileSource
	sink       FileSink
	publicKeys *pubkeys.Cache
	peers      PeerClient
	notifier   *notify.Notifier

	// system is the scope of background delivery: it reads connections
	// and holds no master key.
	system *caller.Context

	batchSize       int
	processInterval time.Duration
	leaseDuration   time.Duration
	instant         bool
	wakeCh          chan struct{}
}

// Wake asks the background worker to process the outbox now.
func (e *Engine) Wake() {
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the background outbox worker.
func (e *Engine) Start() {
	e.Go(e.worker)
}

func (e *Engine) worker() {
	t := time.NewTimer(e.processInterval)
	defer t.Stop()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-e.HaltCh()
		cancel()
	}()

	for {
		select {
		case <-e.HaltCh():
			e.log.Debugf("Terminating gracefully.")
			return
		case <-t.C:
		case <-e.wakeCh:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		}
		if err := e.ProcessOutbox(ctx); err != nil {
			e.log.Errorf("Failed to process outbox: %v", err)
		}
		t.Reset(e.processInterval)
	}
}

// New returns an Engine.  Call Start to run the background worker.
func New(logBackend *log.Backend, cfg *Config) (*Engine, error) {
	awaiting, err := cfg.Store.Collection(storage.AwaitingTransferKey)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		log:             logBackend.GetLogger("transfer"),
		self:            cfg.Self,
		awaiting:        awaiting,
		outbox:          cfg.Outbox,
		keychain:        cfg.Keychain,
		registry:        cfg.Registry,
		drives:          cfg.Drives,
		files:           cfg.Files,
		sink:            cfg.Sink,
		publicKeys:      cfg.PublicKeys,
		peers:           cfg.Peers,
		notifier:        cfg.Notifier,
		system:          caller.Client(cfg.Self, keys.NewPermissionSet(keys.PermissionReadConnections), nil),
		batchSize:       cfg.BatchSize,
		processInterval: cfg.ProcessInterval,
		leaseDuration:   cfg.LeaseDuration,
		instant:         cfg.InstantDistribution,
		wakeCh:          make(chan struct{}, 1),
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}
	if e.processInterval <= 0 {
		e.processInterval = defaultProcessInterval
	}
	if e.leaseDuration <= 0 {
		e.leaseDuration = defaultLeaseDuration
	}
	return e, nil
}
