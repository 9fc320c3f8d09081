// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// registry.go - Identity Connection Registrations.

// Package registry stores one Identity Connection Registration (ICR) per
// remote identity.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/storage"
)

// Status is the state of a connection.
type Status uint8

const (
	None Status = iota
	Connected
	Blocked
)

func (s Status) String() string {
	switch s {
	case None:
		return "none"
	case Connected:
		return "connected"
	case Blocked:
		return "blocked"
	default:
		return fmt.Sprintf("[invalid status: %d]", s)
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) (Status, error) {
	for _, st := range []Status{None, Connected, Blocked} {
		if st.String() == s {
			return st, nil
		}
	}
	return None, fmt.Errorf("registry: invalid status: %q", s)
}

var (
	// ErrNotConnected is returned when an operation needs a Connected ICR.
	ErrNotConnected = errors.New("registry: identity is not connected")

	// ErrBlocked is returned for blocked identities.
	ErrBlocked = errors.New("registry: identity is blocked")

	// ErrInvalidTransition is returned for status changes not permitted
	// from the current status.
	ErrInvalidTransition = errors.New("registry: invalid status transition")
)

// ContactData is what a party chooses to tell the other about itself.
type ContactData struct {
	Name    string `cbor:"1,keyasint,omitempty"`
	ImageID string `cbor:"2,keyasint,omitempty"`
}

// IdentityConnectionRegistration is the durable record of a relationship.
type IdentityConnectionRegistration struct {
	Identity    identity.Identity `cbor:"1,keyasint"`
	Status      Status            `cbor:"2,keyasint"`
	Created     time.Time         `cbor:"3,keyasint"`
	LastUpdated time.Time         `cbor:"4,keyasint"`
	ContactData ContactData       `cbor:"5,keyasint"`

	// AccessGrant is what this host granted the remote identity.
	AccessGrant *keys.AccessExchangeGrant `cbor:"6,keyasint,omitempty"`

	// EncryptedClientAccessToken is the remote identity's token for this
	// host, sealed under the ICR key.
	EncryptedClientAccessToken []byte `cbor:"7,keyasint,omitempty"`
}

// IsConnected returns true for a Connected ICR.
func (r *IdentityConnectionRegistration) IsConnected() bool {
	return r.Status == Connected
}

// Registry is the ICR store.
type Registry struct {
	sync.Mutex

	log  *logging.Logger
	coll storage.Collection
	now  func() time.Time
}

func (r *Registry) get(id identity.Identity) (*IdentityConnectionRegistration, bool, error) {
	rec, err := storage.Get[IdentityConnectionRegistration](r.coll, id.String())
	switch {
	case err == nil:
		return rec, true, nil
	case errors.Is(err, storage.ErrNotFound):
		return &IdentityConnectionRegistration{Identity: id, Status: None}, false, nil
	default:
		return nil, false, err
	}
}

func (r *Registry) put(rec *IdentityConnectionRegistration) error {
	return storage.Put(r.coll, rec.Identity.String(), rec)
}

// GetConnectionInfo returns the ICR for id.  An identity that was never
// contacted yields a record with status None, never an error.
func (r *Registry) GetConnectionInfo(cc *caller.Context, id identity.Identity) (*IdentityConnectionRegistration, error) {
	if err := cc.AssertPermission(keys.PermissionReadConnections); err != nil {
		return nil, err
	}
	rec, _, err := r.get(id)
	return rec, err
}

// Status returns the connection status of id.
func (r *Registry) Status(id identity.Identity) (Status, error) {
	rec, _, err := r.get(id)
	if err != nil {
		return None, err
	}
	return rec.Status, nil
}

// AssertConnectionIsNoneOrValid fails with a security fault if id is
// blocked.
func (r *Registry) AssertConnectionIsNoneOrValid(id identity.Identity) error {
	st, err := r.Status(id)
	if err != nil {
		return err
	}
	if st == Blocked {
		return fault.New(fault.Security, "assert_connection", fmt.Errorf("%w: %v", ErrBlocked, id))
	}
	return nil
}

// Connect materializes a Connected ICR.  If id is already Connected this is
// a no-op, so a replayed handshake cannot clobber the existing record.
func (r *Registry) Connect(cc *caller.Context, id identity.Identity, grant *keys.AccessExchangeGrant, encryptedRemoteToken []byte, contact ContactData) error {
	const op = "connect"
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, exists, err := r.get(id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case Connected:
		r.log.Debugf("Connect(%v): already connected.", id)
		return nil
	case Blocked:
		return fault.New(fault.Security, op, fmt.Errorf("%w: %v", ErrBlocked, id))
	}

	now := r.now()
	if !exists {
		rec.Created = now
	}
	rec.Status = Connected
	rec.LastUpdated = now
	rec.ContactData = contact
	rec.AccessGrant = grant
	rec.EncryptedClientAccessToken = encryptedRemoteToken
	if err = r.put(rec); err != nil {
		return err
	}
	r.log.Noticef("Connected to %v.", id)
	return nil
}

// Replace installs a new grant and remote token for an identity that is
// already Connected, revoking the grant it held.  It completes a handshake
// with a host that dropped the connection on its side only.
func (r *Registry) Replace(cc *caller.Context, id identity.Identity, grant *keys.AccessExchangeGrant, encryptedRemoteToken []byte, contact ContactData) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, _, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.Status != Connected {
		return fault.New(fault.Client, "replace", fmt.Errorf("%w: %v", ErrNotConnected, id))
	}
	if rec.AccessGrant != nil {
		rec.AccessGrant.Revoke()
	}
	rec.LastUpdated = r.now()
	rec.ContactData = contact
	rec.AccessGrant = grant
	rec.EncryptedClientAccessToken = encryptedRemoteToken
	if err = r.put(rec); err != nil {
		return err
	}
	r.log.Noticef("Replaced connection with %v.", id)
	return nil
}

// Block marks id as Blocked.
func (r *Registry) Block(cc *caller.Context, id identity.Identity) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, exists, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.Status == Blocked {
		return nil
	}
	now := r.now()
	if !exists {
		rec.Created = now
	}
	rec.Status = Blocked
	rec.LastUpdated = now
	if err = r.put(rec); err != nil {
		return err
	}
	r.log.Noticef("Blocked %v.", id)
	return nil
}

// Unblock reverts a Blocked identity to Connected if it still holds an
// active grant, otherwise to None.
func (r *Registry) Unblock(cc *caller.Context, id identity.Identity) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, _, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.Status != Blocked {
		return fault.New(fault.Client, "unblock", fmt.Errorf("%w: %v is %v", ErrInvalidTransition, id, rec.Status))
	}
	rec.Status = None
	if rec.AccessGrant != nil && !rec.AccessGrant.IsRevoked && rec.EncryptedClientAccessToken != nil {
		rec.Status = Connected
	}
	rec.LastUpdated = r.now()
	if err = r.put(rec); err != nil {
		return err
	}
	r.log.Noticef("Unblocked %v, now %v.", id, rec.Status)
	return nil
}

// Disconnect ends a connection.  The grant is revoked, not removed.
func (r *Registry) Disconnect(cc *caller.Context, id identity.Identity) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, _, err := r.get(id)
	if err != nil {
		return err
	}
	switch rec.Status {
	case None:
		return nil
	case Blocked:
		return fault.New(fault.Client, "disconnect", fmt.Errorf("%w: %v is blocked", ErrInvalidTransition, id))
	}
	rec.Status = None
	rec.LastUpdated = r.now()
	if rec.AccessGrant != nil {
		rec.AccessGrant.Revoke()
	}
	rec.EncryptedClientAccessToken = nil
	if err = r.put(rec); err != nil {
		return err
	}
	r.log.Noticef("Disconnected from %v.", id)
	return nil
}

// UpdateCircleGrants replaces the circle grants given to a connected
// identity.  Circle definition changes only reach existing connections
// through this call.
func (r *Registry) UpdateCircleGrants(cc *caller.Context, id identity.Identity, grants []keys.CircleGrant) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}

	r.Lock()
	defer r.Unlock()

	rec, _, err := r.get(id)
	if err != nil {
		return err
	}
	if rec.Status != Connected || rec.AccessGrant == nil {
		return fault.New(fault.Client, "update_circle_grants", fmt.Errorf("%w: %v", ErrNotConnected, id))
	}
	rec.AccessGrant.CircleGrants = grants
	rec.LastUpdated = r.now()
	return r.put(rec)
}

// List returns every ICR with the given status.
func (r *Registry) List(cc *caller.Context, status Status) ([]*IdentityConnectionRegistration, error) {
	if err := cc.AssertPermission(keys.PermissionReadConnections); err != nil {
		return nil, err
	}
	var out []*IdentityConnectionRegistration
	err := storage.ForEach(r.coll, func(_ string, rec *IdentityConnectionRegistration) error {
		if rec.Status == status {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// ClientAccessToken decrypts the token id gave this host.  The caller must
// wipe the returned token.
func (r *Registry) ClientAccessToken(icrKey *keys.SymmetricKey, id identity.Identity) (*keys.ClientAccessToken, error) {
	rec, _, err := r.get(id)
	if err != nil {
		return nil, err
	}
	if rec.Status != Connected || rec.EncryptedClientAccessToken == nil {
		return nil, fault.New(fault.Client, "client_access_token", fmt.Errorf("%w: %v", ErrNotConnected, id))
	}
	return keys.OpenToken(icrKey, rec.EncryptedClientAccessToken)
}

// New returns a Registry persisting to coll.
func New(logBackend *log.Backend, coll storage.Collection) *Registry {
	return &Registry{
		log:  logBackend.GetLogger("registry"),
		coll: coll,
		now:  func() time.Time { return time.Now().UTC() },
	}
}
