// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// host.go - Identity host.

// Package host wires the trust and transit components of one identity host
// together.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/config"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/core/retry"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/handshake"
	"github.com/circlehost/circlehost/hostkeys"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/outbox"
	"github.com/circlehost/circlehost/pubkeys"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
	"github.com/circlehost/circlehost/storage/boltstore"
	"github.com/circlehost/circlehost/transfer"
)

const systemSecretSize = 32

// PeerClient reaches other identity hosts.
type PeerClient interface {
	handshake.PeerClient
	transfer.PeerClient
}

// Collaborators are the services a host depends on but does not implement.
type Collaborators struct {
	Peers   PeerClient
	Drives  grant.DriveKeyResolver
	Circles grant.CircleResolver
	Files   transfer.FileSource
	Sink    transfer.FileSink
}

// Host is one identity host.
type Host struct {
	cfg  *config.Config
	self identity.Identity

	logBackend *log.Backend
	log        *logging.Logger

	store storage.Store

	Keychain   *hostkeys.Keychain
	Registry   *registry.Registry
	Grants     *grant.Builder
	PublicKeys *pubkeys.Cache
	Notifier   *notify.Notifier
	Handshake  *handshake.Service
	Outbox     *outbox.Outbox
	Transfer   *transfer.Engine

	metrics  *http.Server
	haltOnce sync.Once
}

func (h *Host) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := h.cfg.Host.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("host: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("host: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("host: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("host: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}
	return nil
}

func (h *Host) initLogging() error {
	p := h.cfg.Logging.File
	if !h.cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(h.cfg.Host.DataDir, p)
	}

	var err error
	h.logBackend, err = log.New(p, h.cfg.Logging.Level, h.cfg.Logging.Disable)
	if err == nil {
		h.log = h.logBackend.GetLogger("host")
	}
	return err
}

// systemSecret reads the system secret, creating it on first start.
func (h *Host) systemSecret() ([]byte, error) {
	f := h.cfg.Host.SystemSecretFile
	b, err := os.ReadFile(f)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	b = make([]byte, systemSecretSize)
	if _, err = io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	if err = os.WriteFile(f, b, 0600); err != nil {
		return nil, err
	}
	h.log.Noticef("Generated system secret %v.", f)
	return b, nil
}

// Identity returns the host's identity.
func (h *Host) Identity() identity.Identity {
	return h.self
}

// LogBackend returns the host's log backend.
func (h *Host) LogBackend() *log.Backend {
	return h.logBackend
}

// Initialize creates the host's long term keys.  It is a no-op for a host
// that already has them.
func (h *Host) Initialize(cc *caller.Context) error {
	return h.Keychain.Initialize(cc)
}

// Start launches the background outbox worker.
func (h *Host) Start() {
	h.Transfer.Start()
}

// GetPublicKey answers a peer asking for this host's current public key.
func (h *Host) GetPublicKey() (*keys.PublishedKey, error) {
	return h.Keychain.Published()
}

// HandleDeliverConnectionRequest answers a connection request delivered by
// the transport authenticated remote.
func (h *Host) HandleDeliverConnectionRequest(ctx context.Context, remote identity.Identity, env *handshake.RequestEnvelope) *handshake.DeliveryResponse {
	return h.Handshake.HandleDeliverConnectionRequest(ctx, caller.Peer(remote), env)
}

// HandleEstablishConnection answers a connection reply delivered by remote.
func (h *Host) HandleEstablishConnection(ctx context.Context, remote identity.Identity, env *handshake.ReplyEnvelope, bearer []byte) *handshake.DeliveryResponse {
	return h.Handshake.HandleEstablishConnection(ctx, caller.Peer(remote), env, bearer)
}

// HandleDeliverFile answers a file delivered by remote.
func (h *Host) HandleDeliverFile(ctx context.Context, remote identity.Identity, bearer []byte, msg *transfer.PeerFileMessage) *transfer.PeerResponse {
	return h.Transfer.HandleDeliverFile(ctx, caller.Peer(remote), bearer, msg)
}

// Shutdown cleanly shuts down the host.
func (h *Host) Shutdown() {
	h.haltOnce.Do(h.halt)
}

func (h *Host) halt() {
	h.log.Noticef("Starting graceful shutdown.")
	if h.metrics != nil {
		h.metrics.Close()
	}
	if h.Transfer != nil {
		h.Transfer.Halt()
	}
	if h.Outbox != nil {
		h.Outbox.Close()
	}
	if h.Notifier != nil {
		h.Notifier.Halt()
	}
	if h.Keychain != nil {
		h.Keychain.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
	h.log.Noticef("Shutdown complete.")
}

// New returns a new Host parameterized with the given configuration and
// collaborators.  Call Start to run background delivery.
func New(cfg *config.Config, c *Collaborators) (*Host, error) {
	h := &Host{cfg: cfg}
	var err error
	if h.self, err = identity.Parse(cfg.Host.Identity); err != nil {
		return nil, err
	}
	if err = h.initDataDir(); err != nil {
		return nil, err
	}
	if err = h.initLogging(); err != nil {
		return nil, err
	}
	h.log.Noticef("Circlehost identity host %v starting.", h.self)

	isOk := false
	defer func() {
		if !isOk {
			h.Shutdown()
		}
	}()

	secret, err := h.systemSecret()
	if err != nil {
		return nil, err
	}
	if h.store, err = boltstore.New(cfg.Host.StoreDB()); err != nil {
		return nil, err
	}
	keyColl, err := h.store.Collection(storage.HostKeys)
	if err != nil {
		return nil, err
	}
	h.Keychain, err = hostkeys.New(h.logBackend, keyColl, cfg.Host.KEMScheme, secret)
	clear(secret)
	if err != nil {
		return nil, err
	}
	icrColl, err := h.store.Collection(storage.ICR)
	if err != nil {
		return nil, err
	}
	h.Registry = registry.New(h.logBackend, icrColl)
	h.Grants = grant.New(h.logBackend, c.Drives, c.Circles)
	h.PublicKeys = pubkeys.New(h.logBackend, c.Peers)
	h.Notifier = notify.New(h.logBackend)

	if h.Handshake, err = handshake.New(h.logBackend, &handshake.Config{
		Self:       h.self,
		Store:      h.store,
		Keychain:   h.Keychain,
		Registry:   h.Registry,
		Grants:     h.Grants,
		PublicKeys: h.PublicKeys,
		Peers:      c.Peers,
		Notifier:   h.Notifier,
	}); err != nil {
		return nil, err
	}

	oCfg := cfg.Outbox
	if h.Outbox, err = outbox.New(h.logBackend, cfg.Host.OutboxDB(), outbox.Config{
		MaxAttempts: oCfg.MaxAttempts,
		BaseDelay:   oCfg.RetryBaseDelayDuration(),
		MaxDelay:    oCfg.RetryMaxDelayDuration(),
		Jitter:      retry.DefaultJitter,
	}); err != nil {
		return nil, err
	}
	if h.Transfer, err = transfer.New(h.logBackend, &transfer.Config{
		Self:                h.self,
		Store:               h.store,
		Outbox:              h.Outbox,
		Keychain:            h.Keychain,
		Registry:            h.Registry,
		Drives:              c.Drives,
		Files:               c.Files,
		Sink:                c.Sink,
		PublicKeys:          h.PublicKeys,
		Peers:               c.Peers,
		Notifier:            h.Notifier,
		BatchSize:           oCfg.BatchSize,
		ProcessInterval:     oCfg.ProcessIntervalDuration(),
		LeaseDuration:       oCfg.LeaseDurationDuration(),
		InstantDistribution: oCfg.InstantDistribution,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		h.metrics = instrument.StartPrometheusListener(cfg.Metrics.Address, h.log)
	}
	isOk = true
	return h, nil
}
