// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// process.go - Draining the outbox.

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/core/retry"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/outbox"
)

// ProcessOutbox delivers one batch from every drive.  Sends within a batch
// run in parallel; their results are applied once the whole batch settled.
func (e *Engine) ProcessOutbox(ctx context.Context) error {
	drives, err := e.outbox.Drives()
	if err != nil {
		return err
	}
	for _, d := range drives {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err = e.processDrive(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) processDrive(ctx context.Context, drive uuid.UUID) error {
	items, err := e.outbox.Claim(drive, e.batchSize, e.leaseDuration)
	if err != nil || len(items) == 0 {
		return err
	}
	e.log.Debugf("Processing %d items of drive %v.", len(items), drive)
	start := time.Now()
	results := e.sendBatch(ctx, items)
	for i, res := range results {
		e.apply(ctx, items[i], res)
	}
	instrument.OutboxBatch(time.Since(start))
	return nil
}

func (e *Engine) sendBatch(ctx context.Context, items []*outbox.Item) []*Result {
	results := make([]*Result, len(items))
	var wg sync.WaitGroup
	for i, it := range items {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.SendFileAsync(ctx, it)
		}()
	}
	wg.Wait()
	return results
}

// apply settles it according to res and returns the status reported for
// the recipient.
func (e *Engine) apply(ctx context.Context, it *outbox.Item, res *Result) Status {
	if res.Success {
		if err := e.outbox.MarkComplete(it); err != nil {
			e.log.Warningf("Failed to complete %v: %v", it, err)
		}
		instrument.OutboxResult("complete", res.Reason.String())
		e.log.Debugf("Delivered %v: %v", it, res.Reason)
		e.deleteIfTransient(ctx, it)
		return res.Reason
	}

	d := Classify(res.Reason)
	dropped, err := e.outbox.MarkFailure(it, d.Requeue)
	if err != nil {
		e.log.Warningf("Failed to record failure of %v (%v): %v", it, res.Reason, err)
		return d.Report
	}
	if !dropped {
		instrument.OutboxResult("requeue", res.Reason.String())
		e.log.Debugf("Requeued %v after %v, attempt %d.", it, res.Reason, it.AttemptCount)
		return d.Report
	}

	report := d.Report
	if d.Requeue {
		// Out of attempts.
		report = res.Reason
	}
	instrument.OutboxResult("drop", report.String())
	e.log.Warningf("Dropped %v after %d attempts: %v", it, it.AttemptCount, report)
	e.notifier.Notify(&notify.TransferFailedEvent{
		Drive:     it.Drive,
		File:      it.File,
		Recipient: it.Recipient,
		Status:    report.String(),
		Attempts:  it.AttemptCount,
	})
	return report
}

func (e *Engine) deleteIfTransient(ctx context.Context, it *outbox.Item) {
	opts, err := decodeOptions(it.Options)
	if err != nil || !opts.IsTransient {
		return
	}
	rest, err := e.outbox.Items(it.Drive)
	if err != nil {
		e.log.Errorf("Failed to list outbox of drive %v: %v", it.Drive, err)
		return
	}
	for _, o := range rest {
		if o.File == it.File {
			return
		}
	}
	if err = e.files.Delete(ctx, it.Drive, it.File); err != nil {
		e.log.Errorf("Failed to delete transient file %v: %v", it.File, err)
		return
	}
	e.log.Debugf("Deleted transient file %v.", it.File)
}

// SendFileAsync makes one delivery attempt for it.  The recipient's access
// is checked against the file's ACL as it is now, not as it was when the
// item was queued.
func (e *Engine) SendFileAsync(ctx context.Context, it *outbox.Item) *Result {
	r := it.Recipient
	hdr, err := e.files.Header(ctx, it.Drive, it.File)
	switch {
	case errors.Is(err, ErrFileNotFound):
		return newResult(r, SourceFileDoesNotExist)
	case err != nil:
		e.log.Errorf("SendFileAsync(): reading %v: %v", it, err)
		return newResult(r, UnknownServerError)
	}
	if !hdr.AllowDistribution {
		return newResult(r, SourceFileDoesNotAllowDistribution)
	}
	icr, err := e.registry.GetConnectionInfo(e.system, r)
	if err != nil {
		e.log.Errorf("SendFileAsync(): connection of %v: %v", r, err)
		return newResult(r, UnknownServerError)
	}
	if !hdr.ACL.Allows(icr) || !icr.IsConnected() {
		return newResult(r, RecipientDoesNotHavePermissionToFileAcl)
	}

	sys := e.keychain.SystemKey()
	if len(it.Instructions) == 0 || len(it.EncryptedClientAccessToken) == 0 {
		return newResult(r, EncryptedTransferInstructionSetNotAvailable)
	}
	plain, err := sys.Open(it.Instructions)
	if err != nil {
		return newResult(r, EncryptedTransferInstructionSetNotAvailable)
	}
	defer memguard.WipeBytes(plain)
	ti := new(transitInstructions)
	if err = json.Unmarshal(plain, ti); err != nil {
		return newResult(r, EncryptedTransferInstructionSetNotAvailable)
	}
	defer ti.wipe()
	bearer, err := sys.Open(it.EncryptedClientAccessToken)
	if err != nil {
		return newResult(r, EncryptedTransferInstructionSetNotAvailable)
	}
	defer memguard.WipeBytes(bearer)

	msg := &PeerFileMessage{
		Metadata:   hdr.Metadata,
		Payloads:   hdr.Payloads,
		Thumbnails: hdr.Thumbnails,
	}
	var resp *PeerResponse
	err = retry.Twice(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			instrument.TransferRetry()
		}
		set := ti.Set
		if len(ti.FileKey) > 0 {
			pk, err := e.publicKeys.Get(ctx, r)
			if err != nil {
				return err
			}
			if set.KeyHeader, err = keys.SealToPublicKey(pk, ti.FileKey, InstructionsAD(e.self, r, it.File)); err != nil {
				return retry.Permanent(err)
			}
		}
		b, err := EncodeInstructions(&set)
		if err != nil {
			return retry.Permanent(err)
		}
		msg.Instructions = b
		if resp, err = e.peers.DeliverFile(ctx, r, bearer, msg); err != nil {
			return err
		}
		if resp.Code == CodePublicKeyInvalid {
			return errStalePublicKey
		}
		return nil
	}, func() {
		e.publicKeys.Invalidate(r)
	})
	switch {
	case errors.Is(err, errStalePublicKey):
		res := newResult(r, PublicKeyInvalid)
		res.Code, res.Answered = resp.Code, true
		return res
	case err != nil:
		e.log.Warningf("SendFileAsync(): delivering %v: %v", it, err)
		return newResult(r, RecipientServerNotResponding)
	}
	res := newResult(r, resp.Code.status())
	res.Code, res.Answered = resp.Code, true
	return res
}
