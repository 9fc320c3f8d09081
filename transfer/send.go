// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// send.go - Creating outbox items.

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/outbox"
	"github.com/circlehost/circlehost/storage"
)

var errNoTransferKey = errors.New("transfer: transfer key unavailable")

// awaitingTransfer is a side queue entry for a recipient whose token could
// not be resolved when the transfer was requested.
type awaitingTransfer struct {
	Drive     uuid.UUID         `cbor:"1,keyasint"`
	File      uuid.UUID         `cbor:"2,keyasint"`
	Recipient identity.Identity `cbor:"3,keyasint"`
	Kind      Kind              `cbor:"4,keyasint"`
	Options   []byte            `cbor:"5,keyasint"`
	Added     time.Time         `cbor:"6,keyasint"`
}

func awaitingKey(drive, file uuid.UUID, recipient identity.Identity) string {
	return drive.String() + "/" + file.String() + "/" + recipient.String()
}

// SendFile queues file for every recipient in opts.  With
// SendNowAwaitResponse the items are delivered before returning and the
// map holds each recipient's delivery status; otherwise it holds the
// queueing status.
func (e *Engine) SendFile(ctx context.Context, cc *caller.Context, drive, file uuid.UUID, opts *Options, kind Kind) (map[identity.Identity]Status, error) {
	hdr, err := e.files.Header(ctx, drive, file)
	if err != nil {
		if errors.Is(err, ErrFileNotFound) {
			return nil, fault.New(fault.Client, "send_file", err)
		}
		return nil, err
	}
	statuses, items, err := e.CreateOutboxItems(ctx, cc, hdr, opts, kind)
	if err != nil {
		return nil, err
	}
	if opts.Schedule != SendNowAwaitResponse {
		if e.instant && len(items) > 0 {
			e.Wake()
		}
		return statuses, nil
	}

	var claimed []*outbox.Item
	for _, it := range items {
		c, err := e.outbox.ClaimItem(it.Drive, it.Recipient, it.File, e.leaseDuration)
		if err != nil {
			// Already picked up by the background worker.
			e.log.Debugf("SendFile(): not claiming %v: %v", it, err)
			continue
		}
		claimed = append(claimed, c)
	}
	results := e.sendBatch(ctx, claimed)
	for i, res := range results {
		statuses[res.Recipient] = e.apply(ctx, claimed[i], res)
	}
	return statuses, nil
}

// CreateOutboxItems resolves each recipient's token and queues one item per
// recipient.  Recipients whose token cannot be resolved are parked in the
// awaiting transfer key side queue instead of failing the call.
func (e *Engine) CreateOutboxItems(ctx context.Context, cc *caller.Context, hdr *FileHeader, opts *Options, kind Kind) (map[identity.Identity]Status, []*outbox.Item, error) {
	const op = "create_outbox_items"
	if err := cc.AssertPermission(keys.PermissionSendDataToConnections); err != nil {
		return nil, nil, err
	}
	if len(opts.Recipients) == 0 {
		return nil, nil, fault.New(fault.Client, op, ErrNoRecipients)
	}
	for _, r := range opts.Recipients {
		if err := r.Validate(); err != nil {
			return nil, nil, fault.New(fault.Client, op, err)
		}
	}
	encOpts, err := encodeOptions(opts)
	if err != nil {
		return nil, nil, err
	}

	var icrKey, fileKey *keys.SymmetricKey
	defer func() {
		keys.WipeAll(icrKey, fileKey)
	}()
	if cc.HasMasterKey() {
		mk, _ := cc.MasterKey()
		if icrKey, err = e.keychain.IcrKey(mk); err != nil {
			e.log.Warningf("CreateOutboxItems(): ICR key unavailable: %v", err)
		}
		if fileKey, err = e.fileKey(ctx, mk, hdr); err != nil {
			e.log.Warningf("CreateOutboxItems(): content key of %v unavailable: %v", hdr.File, err)
		}
	}

	statuses := make(map[identity.Identity]Status)
	var items []*outbox.Item
	for _, r := range opts.Recipients {
		if _, ok := statuses[r]; ok {
			continue
		}
		if !hdr.AllowDistribution {
			statuses[r] = SourceFileDoesNotAllowDistribution
			continue
		}
		icr, err := e.registry.GetConnectionInfo(e.system, r)
		if err != nil {
			return nil, nil, err
		}
		if !hdr.ACL.Allows(icr) {
			statuses[r] = RecipientDoesNotHavePermissionToFileAcl
			continue
		}
		// Delivery needs the token the recipient issued on connecting, so
		// only a missing key is worth waiting for.
		if !icr.IsConnected() {
			statuses[r] = RecipientDoesNotHavePermissionToFileAcl
			continue
		}

		it, err := e.newItem(icrKey, fileKey, hdr, r, opts, kind, encOpts)
		if err != nil {
			e.log.Noticef("Recipient %v awaits a transfer key for %v: %v", r, hdr.File, err)
			rec := &awaitingTransfer{
				Drive:     hdr.Drive,
				File:      hdr.File,
				Recipient: r,
				Kind:      kind,
				Options:   encOpts,
				Added:     time.Now().UTC(),
			}
			if err = storage.Put(e.awaiting, awaitingKey(hdr.Drive, hdr.File, r), rec); err != nil {
				return nil, nil, err
			}
			instrument.AwaitingTransferKey()
			statuses[r] = AwaitingTransferKey
			continue
		}
		if err = e.outbox.Add(it); err != nil {
			return nil, nil, err
		}
		statuses[r] = Enqueued
		items = append(items, it)
	}
	return statuses, items, nil
}

// fileKey unwraps the content key of hdr.  Files without one yield nil.
func (e *Engine) fileKey(ctx context.Context, masterKey *keys.SymmetricKey, hdr *FileHeader) (*keys.SymmetricKey, error) {
	if hdr.EncryptedKeyHeader == nil {
		return nil, nil
	}
	sk, err := e.drives.DriveStorageKey(ctx, masterKey, hdr.Drive)
	if err != nil {
		return nil, err
	}
	defer sk.Wipe()
	return sk.UnwrapKey(hdr.EncryptedKeyHeader)
}

func (e *Engine) newItem(icrKey, fileKey *keys.SymmetricKey, hdr *FileHeader, r identity.Identity, opts *Options, kind Kind, encOpts []byte) (*outbox.Item, error) {
	if icrKey == nil || (hdr.EncryptedKeyHeader != nil && fileKey == nil) {
		return nil, errNoTransferKey
	}
	tok, err := e.registry.ClientAccessToken(icrKey, r)
	if err != nil {
		return nil, err
	}
	defer tok.Wipe()
	bearer, err := tok.ToAuthBytes()
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(bearer)

	sys := e.keychain.SystemKey()
	encTok, err := sys.Seal(bearer)
	if err != nil {
		return nil, err
	}

	target := opts.TargetDrive
	if target == uuid.Nil {
		target = hdr.Drive
	}
	ti := &transitInstructions{
		Set: InstructionSet{
			Version:     InstructionSetVersion,
			Kind:        kind,
			Sender:      e.self,
			SourceDrive: hdr.Drive,
			TargetDrive: target,
			File:        hdr.File,
		},
	}
	if fileKey != nil {
		ti.FileKey = slices.Clone(fileKey.Bytes())
	}
	defer ti.wipe()
	b, err := json.Marshal(ti)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(b)
	instr, err := sys.Seal(b)
	if err != nil {
		return nil, err
	}
	return &outbox.Item{
		Drive:                      hdr.Drive,
		Recipient:                  r,
		File:                       hdr.File,
		Instructions:               instr,
		EncryptedClientAccessToken: encTok,
		Options:                    encOpts,
	}, nil
}

// RetryAwaitingTransferKey queues every parked recipient whose token can now
// be resolved with the master key held by cc.  It returns the number of
// side queue entries that were settled.
func (e *Engine) RetryAwaitingTransferKey(ctx context.Context, cc *caller.Context) (int, error) {
	if _, err := cc.MasterKey(); err != nil {
		return 0, err
	}
	var pending []*awaitingTransfer
	if err := storage.ForEach(e.awaiting, func(_ string, rec *awaitingTransfer) error {
		pending = append(pending, rec)
		return nil
	}); err != nil {
		return 0, err
	}

	settled := 0
	for _, rec := range pending {
		key := awaitingKey(rec.Drive, rec.File, rec.Recipient)
		hdr, err := e.files.Header(ctx, rec.Drive, rec.File)
		if errors.Is(err, ErrFileNotFound) {
			e.log.Noticef("Discarding parked transfer of deleted file %v to %v.", rec.File, rec.Recipient)
			if err = e.awaiting.Delete(key); err != nil {
				return settled, err
			}
			settled++
			continue
		}
		if err != nil {
			return settled, err
		}
		opts, err := decodeOptions(rec.Options)
		if err != nil {
			return settled, fmt.Errorf("transfer: parked options for %v: %w", key, err)
		}
		opts.Recipients = []identity.Identity{rec.Recipient}
		opts.Schedule = SendAsync
		statuses, _, err := e.CreateOutboxItems(ctx, cc, hdr, opts, rec.Kind)
		if err != nil {
			return settled, err
		}
		if statuses[rec.Recipient] == AwaitingTransferKey {
			continue
		}
		if err = e.awaiting.Delete(key); err != nil {
			return settled, err
		}
		e.log.Debugf("Parked transfer of %v to %v settled: %v", rec.File, rec.Recipient, statuses[rec.Recipient])
		settled++
	}
	if settled > 0 && e.instant {
		e.Wake()
	}
	return settled, nil
}

// AwaitingTransferKey returns the number of parked recipients.
func (e *Engine) AwaitingTransferKey() (int, error) {
	n := 0
	err := e.awaiting.ForEach(func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}
