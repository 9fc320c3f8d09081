// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// receive.go - Accepting files from peers.

package transfer

import (
	"context"
	"errors"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/registry"
)

// Placement is where an inbound file is stored.
type Placement uint8

const (
	PlaceTargetDrive Placement = iota
	PlaceInbox
	PlaceQuarantinePayload
	PlaceQuarantineSender
)

func (p Placement) code() PeerCode {
	switch p {
	case PlaceTargetDrive:
		return CodeAcceptedDirectWrite
	case PlaceInbox:
		return CodeAcceptedIntoInbox
	case PlaceQuarantinePayload:
		return CodeQuarantinedPayload
	default:
		return CodeQuarantinedSenderNotConnected
	}
}

// ErrRejected may be returned by a FileSink that refuses a file.
var ErrRejected = errors.New("transfer: file rejected")

// FileSink stores inbound files in the local drive storage engine.
type FileSink interface {
	// Store keeps msg at the suggested placement and returns where it was
	// actually put.  A sink may only move a file toward quarantine.
	Store(ctx context.Context, sender identity.Identity, set *InstructionSet, placement Placement, msg *PeerFileMessage) (Placement, error)
}

// HandleDeliverFile answers a file delivery from the peer authenticated
// in cc.  Connected senders must present the token this host gave them;
// unknown senders are quarantined.
func (e *Engine) HandleDeliverFile(ctx context.Context, cc *caller.Context, bearer []byte, msg *PeerFileMessage) *PeerResponse {
	resp := e.receive(ctx, cc.Caller(), bearer, msg)
	instrument.InboundFile(resp.Code.String())
	if resp.Code != CodeAcceptedDirectWrite && resp.Code != CodeAcceptedIntoInbox {
		e.log.Noticef("File from %v answered %v: %v", cc.Caller(), resp.Code, resp.Reason)
	}
	return resp
}

func (e *Engine) receive(ctx context.Context, sender identity.Identity, bearer []byte, msg *PeerFileMessage) *PeerResponse {
	if e.sink == nil {
		return &PeerResponse{Code: CodeRejected, Reason: "not accepting files"}
	}
	set, err := DecodeInstructions(msg.Instructions)
	if err != nil {
		return &PeerResponse{Code: CodeRejected, Reason: err.Error()}
	}
	if set.Sender != sender {
		return &PeerResponse{Code: CodeRejected, Reason: "sender mismatch"}
	}
	if set.KeyHeader != nil {
		fp, err := e.keychain.Fingerprint()
		if err != nil {
			e.log.Errorf("receive(): %v", err)
			return &PeerResponse{Code: CodeServerError, Reason: "internal error"}
		}
		if set.KeyHeader.KeyFingerprint != fp {
			return &PeerResponse{Code: CodePublicKeyInvalid}
		}
	}

	icr, err := e.registry.GetConnectionInfo(e.system, sender)
	if err != nil {
		e.log.Errorf("receive(): %v", err)
		return &PeerResponse{Code: CodeServerError, Reason: "internal error"}
	}
	var placement Placement
	switch icr.Status {
	case registry.Blocked:
		return &PeerResponse{Code: CodeAccessDenied}
	case registry.Connected:
		write, err := e.authorize(icr, bearer, set)
		if err != nil {
			return &PeerResponse{Code: CodeAccessDenied}
		}
		placement = PlaceInbox
		if write {
			placement = PlaceTargetDrive
		}
	default:
		placement = PlaceQuarantineSender
	}

	got, err := e.sink.Store(ctx, sender, set, placement, msg)
	switch {
	case errors.Is(err, ErrRejected):
		return &PeerResponse{Code: CodeRejected, Reason: err.Error()}
	case err != nil:
		e.log.Errorf("receive(): storing %v from %v: %v", set.File, sender, err)
		return &PeerResponse{Code: CodeServerError, Reason: "internal error"}
	}
	if got < placement {
		got = placement
	}
	return &PeerResponse{Code: got.code()}
}

// authorize checks bearer against the grant given to the sender and
// reports whether it allows writing into the target drive.
func (e *Engine) authorize(icr *registry.IdentityConnectionRegistration, bearer []byte, set *InstructionSet) (bool, error) {
	g := icr.AccessGrant
	if g == nil || g.IsRevoked || g.AccessRegistration == nil {
		return false, keys.ErrRevoked
	}
	tok, err := keys.ParseAuthToken(bearer)
	if err != nil {
		return false, err
	}
	defer tok.Wipe()
	ksk, err := g.AccessRegistration.KeyStoreKey(tok)
	if err != nil {
		return false, err
	}
	ksk.Wipe()
	for _, dg := range g.DriveGrants() {
		if dg.DriveID == set.TargetDrive && dg.Permission.Has(keys.DriveWrite) {
			return true, nil
		}
	}
	return false, nil
}
