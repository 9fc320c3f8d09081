// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// drives.go - Fake drive storage engine.

package peertest

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/transfer"
)

var (
	errNoDrive  = errors.New("peertest: no such drive")
	errNoCircle = errors.New("peertest: no such circle")
)

type fileID struct {
	drive, file uuid.UUID
}

// Received is a file stored by a Drives sink.
type Received struct {
	Sender    identity.Identity
	Set       *transfer.InstructionSet
	Placement transfer.Placement
	Message   *transfer.PeerFileMessage
}

// Drives is an in-memory drive storage engine.  It resolves drive storage
// keys, serves local files and stores inbound ones.
type Drives struct {
	sync.Mutex

	keys     map[uuid.UUID]*keys.SymmetricKey
	files    map[fileID]*transfer.FileHeader
	deleted  []uuid.UUID
	received []*Received

	// StoreHook, when set, may override where an inbound file goes.
	StoreHook func(*Received) (transfer.Placement, error)
}

// NewDrives returns an empty Drives.
func NewDrives() *Drives {
	return &Drives{
		keys:  make(map[uuid.UUID]*keys.SymmetricKey),
		files: make(map[fileID]*transfer.FileHeader),
	}
}

// AddDrive creates a drive with a fresh storage key.
func (d *Drives) AddDrive() uuid.UUID {
	id := uuid.Must(uuid.NewV4())
	k, err := keys.NewRandomKey()
	if err != nil {
		panic(err)
	}
	d.Lock()
	defer d.Unlock()
	d.keys[id] = k
	return id
}

// DriveStorageKey implements grant.DriveKeyResolver.
func (d *Drives) DriveStorageKey(_ context.Context, _ *keys.SymmetricKey, drive uuid.UUID) (*keys.SymmetricKey, error) {
	d.Lock()
	defer d.Unlock()
	k, ok := d.keys[drive]
	if !ok {
		return nil, errNoDrive
	}
	return k.Clone(), nil
}

// AddFile stores an encrypted file on drive.
func (d *Drives) AddFile(drive uuid.UUID, acl transfer.ACL, payload []byte) (*transfer.FileHeader, error) {
	d.Lock()
	defer d.Unlock()
	sk, ok := d.keys[drive]
	if !ok {
		return nil, errNoDrive
	}
	fk, err := keys.NewRandomKey()
	if err != nil {
		return nil, err
	}
	defer fk.Wipe()
	wrapped, err := sk.WrapKey(fk)
	if err != nil {
		return nil, err
	}
	ct, err := fk.Seal(payload)
	if err != nil {
		return nil, err
	}
	hdr := &transfer.FileHeader{
		Drive:              drive,
		File:               uuid.Must(uuid.NewV4()),
		ACL:                acl,
		AllowDistribution:  true,
		EncryptedKeyHeader: wrapped,
		Metadata:           []byte(`{"contentType":"application/octet-stream"}`),
		Payloads:           []transfer.Part{{Key: "payload", ContentType: "application/octet-stream", Data: ct}},
	}
	d.files[fileID{drive, hdr.File}] = hdr
	return hdr, nil
}

// Update changes a stored file in place, e.g. to tighten its ACL.
func (d *Drives) Update(drive, file uuid.UUID, fn func(*transfer.FileHeader)) {
	d.Lock()
	defer d.Unlock()
	if hdr, ok := d.files[fileID{drive, file}]; ok {
		fn(hdr)
	}
}

// Header implements transfer.FileSource.
func (d *Drives) Header(_ context.Context, drive, file uuid.UUID) (*transfer.FileHeader, error) {
	d.Lock()
	defer d.Unlock()
	hdr, ok := d.files[fileID{drive, file}]
	if !ok {
		return nil, transfer.ErrFileNotFound
	}
	cp := *hdr
	cp.ACL.Identities = slices.Clone(hdr.ACL.Identities)
	cp.ACL.Circles = slices.Clone(hdr.ACL.Circles)
	return &cp, nil
}

// Delete implements transfer.FileSource.
func (d *Drives) Delete(_ context.Context, drive, file uuid.UUID) error {
	d.Lock()
	defer d.Unlock()
	delete(d.files, fileID{drive, file})
	d.deleted = append(d.deleted, file)
	return nil
}

// Deleted returns the files removed through Delete.
func (d *Drives) Deleted() []uuid.UUID {
	d.Lock()
	defer d.Unlock()
	return slices.Clone(d.deleted)
}

// Store implements transfer.FileSink.
func (d *Drives) Store(_ context.Context, sender identity.Identity, set *transfer.InstructionSet, placement transfer.Placement, msg *transfer.PeerFileMessage) (transfer.Placement, error) {
	r := &Received{
		Sender:    sender,
		Set:       set,
		Placement: placement,
		Message:   msg,
	}
	d.Lock()
	hook := d.StoreHook
	d.Unlock()
	if hook != nil {
		p, err := hook(r)
		if err != nil {
			return 0, err
		}
		r.Placement = p
	}
	d.Lock()
	defer d.Unlock()
	d.received = append(d.received, r)
	return r.Placement, nil
}

// Received returns every inbound file.
func (d *Drives) Received() []*Received {
	d.Lock()
	defer d.Unlock()
	return slices.Clone(d.received)
}

// Circles is an in-memory circle directory.
type Circles struct {
	sync.Mutex

	defs map[uuid.UUID]*grant.CircleDefinition
}

// NewCircles returns an empty Circles.
func NewCircles() *Circles {
	return &Circles{defs: make(map[uuid.UUID]*grant.CircleDefinition)}
}

// Add defines a circle granting drives and perms.
func (c *Circles) Add(name string, drives []grant.DriveRequest, perms ...keys.Permission) uuid.UUID {
	id := uuid.Must(uuid.NewV4())
	c.Lock()
	defer c.Unlock()
	c.defs[id] = &grant.CircleDefinition{
		ID:          id,
		Name:        name,
		Drives:      drives,
		Permissions: keys.NewPermissionSet(perms...),
	}
	return id
}

// Circle implements grant.CircleResolver.
func (c *Circles) Circle(_ context.Context, id uuid.UUID) (*grant.CircleDefinition, error) {
	c.Lock()
	defer c.Unlock()
	def, ok := c.defs[id]
	if !ok {
		return nil, errNoCircle
	}
	return def, nil
}
