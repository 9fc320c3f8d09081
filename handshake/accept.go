// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// accept.go - Receiving and accepting connection requests.

package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/retry"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
)

// ReceiveConnectionRequest stores a still encrypted request as pending.
// The sender is the transport authenticated caller of cc; nothing inside
// the envelope is trusted at this point.
func (s *Service) ReceiveConnectionRequest(ctx context.Context, cc *caller.Context, env *RequestEnvelope) error {
	const op = "receive_connection_request"

	sender := cc.Caller()
	if err := sender.Validate(); err != nil {
		return fault.New(fault.Client, op, err)
	}
	if sender == s.self {
		return fault.New(fault.Client, op, ErrSelfConnection)
	}
	if env == nil || env.Box == nil {
		return fault.New(fault.Client, op, fmt.Errorf("%w: envelope", ErrMissingField))
	}
	if env.Version != WireVersion {
		return fault.New(fault.Client, op, ErrUnsupportedVersion)
	}
	if err := s.registry.AssertConnectionIsNoneOrValid(sender); err != nil {
		return err
	}
	fp, err := s.keychain.Fingerprint()
	if err != nil {
		return err
	}
	if env.Box.KeyFingerprint != fp {
		instrument.HandshakeMessage("receive", "stale_key")
		return fault.New(fault.Client, op, ErrPublicKeyInvalid)
	}

	unlock := s.lockPair(sender)
	defer unlock()
	p := &PendingRequest{
		Sender:     sender,
		ReceivedAt: s.now(),
		Envelope:   env,
	}
	if err = storage.Put(s.pending, sender.String(), p); err != nil {
		return err
	}
	instrument.HandshakeMessage("receive", "ok")
	s.log.Noticef("Received connection request from %v.", sender)
	s.notifier.Notify(&notify.ConnectionRequestReceivedEvent{Sender: sender, ReceivedAt: p.ReceivedAt})
	return nil
}

// AcceptRequest describes how to accept a pending request.
type AcceptRequest struct {
	Sender      identity.Identity
	ContactData registry.ContactData

	// Circles the sender will be granted.
	Circles []uuid.UUID
}

func validateRequest(cr *ConnectionRequest, sender, self identity.Identity) error {
	switch {
	case cr.ID == uuid.Nil:
		return fmt.Errorf("%w: id", ErrMissingField)
	case cr.SenderIdentity.IsZero():
		return fmt.Errorf("%w: sender identity", ErrMissingField)
	case cr.Recipient.IsZero():
		return fmt.Errorf("%w: recipient identity", ErrMissingField)
	case cr.ContactData == (registry.ContactData{}):
		return fmt.Errorf("%w: contact data", ErrMissingField)
	case len(cr.ClientAccessToken) == 0:
		return fmt.Errorf("%w: client access token", ErrMissingField)
	case len(cr.BootstrapKey) != keys.KeySize:
		return fmt.Errorf("%w: bootstrap key", ErrMissingField)
	case cr.SenderIdentity != sender:
		return ErrSenderMismatch
	case cr.Recipient != self:
		return fmt.Errorf("%w: addressed to %v", ErrMissingField, cr.Recipient)
	}
	return nil
}

// AcceptConnectionRequest decrypts a pending request, grants the sender
// access under the shared secret the sender chose and delivers the reply.
// The ICR is only created once the sender acknowledged the reply.
func (s *Service) AcceptConnectionRequest(ctx context.Context, cc *caller.Context, req *AcceptRequest) error {
	const op = "accept_connection_request"

	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}
	mk, err := cc.MasterKey()
	if err != nil {
		return err
	}
	p, err := storage.Get[PendingRequest](s.pending, req.Sender.String())
	if errors.Is(err, storage.ErrNotFound) {
		return fault.New(fault.Client, op, fmt.Errorf("%w: %v", ErrNoPendingRequest, req.Sender))
	}
	if err != nil {
		return err
	}
	if err = s.registry.AssertConnectionIsNoneOrValid(p.Sender); err != nil {
		return err
	}

	sk, err := s.keychain.PrivateKey(mk)
	if err != nil {
		return err
	}
	plaintext, err := keys.OpenWithPrivateKey(sk, p.Envelope.Box, requestAD(p.Sender, s.self))
	if err != nil {
		return fault.New(fault.Client, op, err)
	}
	defer memguard.WipeBytes(plaintext)
	cr, err := DecodeConnectionRequest(plaintext)
	if err != nil {
		return fault.New(fault.Client, op, err)
	}
	defer memguard.WipeBytes(cr.BootstrapKey)
	defer memguard.WipeBytes(cr.ClientAccessToken)
	if err = validateRequest(cr, p.Sender, s.self); err != nil {
		return fault.New(fault.Client, op, err)
	}

	remoteTok, err := keys.ParseClientAccessToken(cr.ClientAccessToken)
	if err != nil {
		return fault.New(fault.Client, op, err)
	}
	defer remoteTok.Wipe()

	icrKey, err := s.keychain.IcrKey(mk)
	if err != nil {
		return err
	}
	defer icrKey.Wipe()

	g, tok, err := s.grants.CreateExchangeGrant(ctx, mk, &grant.Request{
		Circles:           req.Circles,
		TokenKind:         keys.TokenKindIdentityConnection,
		FixedSharedSecret: remoteTok.SharedSecret,
	}, icrKey)
	if err != nil {
		return err
	}
	defer tok.Wipe()

	tokBytes, err := tok.ToPortableBytes()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(tokBytes)
	replyBytes, err := EncodeConnectionReply(&ConnectionReply{
		ID:                cr.ID,
		SenderIdentity:    s.self,
		ContactData:       req.ContactData,
		ClientAccessToken: tokBytes,
		BootstrapKey:      cr.BootstrapKey,
	})
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(replyBytes)
	box, err := keys.SealWithSharedSecret(remoteTok.SharedSecret, replyBytes, replyAD(cr.ID, s.self))
	if err != nil {
		return err
	}
	bearer, err := remoteTok.ToAuthBytes()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(bearer)

	env := &ReplyEnvelope{Version: WireVersion, RequestID: cr.ID, Box: box}
	err = retry.Twice(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			instrument.HandshakeRetry()
		}
		resp, err := s.peers.EstablishConnection(ctx, p.Sender, env, bearer)
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %v (%v)", ErrRejected, resp.Code, resp.Reason)
		}
		return nil
	}, func() {
		s.pubkeys.Invalidate(p.Sender)
	})
	if err != nil {
		instrument.HandshakeMessage("accept", "failed")
		s.log.Warningf("Failed to deliver acceptance of %v to %v: %v", cr.ID, p.Sender, err)
		return fault.New(fault.Network, op, err)
	}

	encTok, err := keys.SealToken(icrKey, remoteTok)
	if err != nil {
		return err
	}

	unlock := s.lockPair(p.Sender)
	defer unlock()
	if err = s.install(cc, p.Sender, g, encTok, cr.ContactData); err != nil {
		return err
	}
	if err = s.cleanup(p.Sender); err != nil {
		return err
	}
	instrument.HandshakeMessage("accept", "ok")
	s.log.Noticef("Accepted connection request %v from %v.", cr.ID, p.Sender)
	return nil
}

// install records a completed handshake.  A remote that is still Connected
// here dropped the connection on its side and started over, so the old
// grant is revoked in favour of the new one.
func (s *Service) install(cc *caller.Context, remote identity.Identity, g *keys.AccessExchangeGrant, encTok []byte, contact registry.ContactData) error {
	st, err := s.registry.Status(remote)
	if err != nil {
		return err
	}
	if st == registry.Connected {
		s.log.Noticef("Replacing existing connection with %v.", remote)
		return s.registry.Replace(cc, remote, g, encTok, contact)
	}
	return s.registry.Connect(cc, remote, g, encTok, contact)
}

// cleanup removes both the pending and the sent record for remote, which
// covers both hosts having requested each other.
func (s *Service) cleanup(remote identity.Identity) error {
	if err := s.pending.Delete(remote.String()); err != nil {
		return err
	}
	return s.sent.Delete(remote.String())
}
