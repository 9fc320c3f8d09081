// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// grant.go - Access exchange grant builder.

// Package grant builds Access Exchange Grants and the Client Access Tokens
// that go with them.
package grant

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/keys"
)

// DriveRequest asks for access to one drive.
type DriveRequest struct {
	DriveID    uuid.UUID            `cbor:"1,keyasint"`
	Permission keys.DrivePermission `cbor:"2,keyasint"`
}

// CircleDefinition is the current definition of a circle.
type CircleDefinition struct {
	ID          uuid.UUID
	Name        string
	Drives      []DriveRequest
	Permissions keys.PermissionSet
}

// DriveKeyResolver yields drive storage keys.
type DriveKeyResolver interface {
	// DriveStorageKey returns the storage key of drive.  The caller wipes
	// the returned key.
	DriveStorageKey(ctx context.Context, masterKey *keys.SymmetricKey, drive uuid.UUID) (*keys.SymmetricKey, error)
}

// CircleResolver yields circle definitions.
type CircleResolver interface {
	Circle(ctx context.Context, id uuid.UUID) (*CircleDefinition, error)
}

// Request describes what a grant should contain.
type Request struct {
	// Circles are snapshotted into one CircleGrant each.
	Circles []uuid.UUID

	// Drives and Permissions are granted directly, outside any circle.
	Drives      []DriveRequest
	Permissions keys.PermissionSet

	TokenKind keys.TokenKind

	// FixedSharedSecret, when set, is used as the token's shared secret
	// instead of a fresh one.
	FixedSharedSecret *keys.SymmetricKey
}

// Builder creates exchange grants.
type Builder struct {
	log     *logging.Logger
	drives  DriveKeyResolver
	circles CircleResolver

	newKey func() (*keys.SymmetricKey, error)
}

// Create builds a grant with the master key held by cc.
func (b *Builder) Create(ctx context.Context, cc *caller.Context, req *Request, extraKey *keys.SymmetricKey) (*keys.AccessExchangeGrant, *keys.ClientAccessToken, error) {
	mk, err := cc.MasterKey()
	if err != nil {
		return nil, nil, err
	}
	return b.CreateExchangeGrant(ctx, mk, req, extraKey)
}

// CreateExchangeGrant derives a fresh Key-Store Key, wraps the requested
// drive keys under it, snapshots the requested circles and wraps the
// Key-Store Key under masterKey and, if given, extraKey.  The plaintext
// Key-Store Key is wiped before returning.  The caller owns the returned
// token and must wipe it.
func (b *Builder) CreateExchangeGrant(ctx context.Context, masterKey *keys.SymmetricKey, req *Request, extraKey *keys.SymmetricKey) (*keys.AccessExchangeGrant, *keys.ClientAccessToken, error) {
	const op = "create_exchange_grant"

	if masterKey == nil || masterKey.IsWiped() {
		return nil, nil, fault.Securityf(op, "master key is not available")
	}
	if req == nil {
		req = &Request{}
	}

	ksk, err := b.newKey()
	if err != nil {
		return nil, nil, err
	}
	defer ksk.Wipe()

	g := &keys.AccessExchangeGrant{Created: time.Now().UTC()}
	for _, id := range req.Circles {
		def, err := b.circles.Circle(ctx, id)
		if err != nil {
			return nil, nil, fault.New(fault.Client, op, fmt.Errorf("circle %v: %w", id, err))
		}
		cg, err := b.circleGrant(ctx, masterKey, ksk, def.ID, def.Drives, def.Permissions)
		if err != nil {
			return nil, nil, err
		}
		g.CircleGrants = append(g.CircleGrants, *cg)
	}
	if len(req.Drives) > 0 || req.Permissions.Len() > 0 {
		cg, err := b.circleGrant(ctx, masterKey, ksk, uuid.Nil, req.Drives, req.Permissions)
		if err != nil {
			return nil, nil, err
		}
		g.CircleGrants = append(g.CircleGrants, *cg)
	}

	if g.MasterKeyEncryptedKeyStoreKey, err = masterKey.WrapKey(ksk); err != nil {
		return nil, nil, err
	}
	if extraKey != nil {
		if g.IcrKeyEncryptedKeyStoreKey, err = extraKey.WrapKey(ksk); err != nil {
			return nil, nil, err
		}
	}

	kind := req.TokenKind
	if kind == 0 {
		kind = keys.TokenKindApp
	}
	reg, tok, err := keys.CreateClientAccessToken(ksk, kind, req.FixedSharedSecret)
	if err != nil {
		return nil, nil, err
	}
	g.AccessRegistration = reg

	b.log.Debugf("Created grant %v: %d circle grants, %d drive grants.", reg.ID, len(g.CircleGrants), len(g.DriveGrants()))
	return g, tok, nil
}

func (b *Builder) circleGrant(ctx context.Context, masterKey, ksk *keys.SymmetricKey, id uuid.UUID, drives []DriveRequest, perms keys.PermissionSet) (*keys.CircleGrant, error) {
	cg := &keys.CircleGrant{
		CircleID:    id,
		Permissions: keys.NewPermissionSet(perms.Keys...),
	}
	for _, d := range drives {
		dg, err := b.driveGrant(ctx, masterKey, ksk, d)
		if err != nil {
			return nil, err
		}
		cg.DriveGrants = append(cg.DriveGrants, *dg)
	}
	return cg, nil
}

func (b *Builder) driveGrant(ctx context.Context, masterKey, ksk *keys.SymmetricKey, d DriveRequest) (*keys.DriveGrant, error) {
	sk, err := b.drives.DriveStorageKey(ctx, masterKey, d.DriveID)
	if err != nil {
		return nil, fmt.Errorf("grant: drive %v: %w", d.DriveID, err)
	}
	defer sk.Wipe()
	w, err := ksk.WrapKey(sk)
	if err != nil {
		return nil, err
	}
	return &keys.DriveGrant{
		DriveID:                        d.DriveID,
		Permission:                     d.Permission,
		KeyStoreKeyEncryptedStorageKey: w,
	}, nil
}

// New returns a Builder.
func New(logBackend *log.Backend, drives DriveKeyResolver, circles CircleResolver) *Builder {
	return &Builder{
		log:     logBackend.GetLogger("grant"),
		drives:  drives,
		circles: circles,
		newKey:  keys.NewRandomKey,
	}
}
