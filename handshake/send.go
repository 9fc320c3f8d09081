// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// send.go - Sending connection requests.

package handshake

import (
	"context"
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
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
)

// SendRequest describes an outgoing connection request.
type SendRequest struct {
	Recipient   identity.Identity
	ContactData registry.ContactData
	Message     string

	// Circles the recipient will be granted once connected.
	Circles []uuid.UUID
}

// SendConnectionRequest builds a pending grant for the recipient and
// delivers it sealed to the recipient's public key.  A request to a
// recipient that already has one outstanding supersedes it.
func (s *Service) SendConnectionRequest(ctx context.Context, cc *caller.Context, req *SendRequest) error {
	const op = "send_connection_request"

	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}
	if err := req.Recipient.Validate(); err != nil {
		return fault.New(fault.Client, op, err)
	}
	if req.Recipient == s.self {
		return fault.New(fault.Client, op, ErrSelfConnection)
	}
	switch st, err := s.registry.Status(req.Recipient); {
	case err != nil:
		return err
	case st == registry.Blocked:
		return fault.New(fault.Client, op, fmt.Errorf("%w: %v", registry.ErrBlocked, req.Recipient))
	case st == registry.Connected:
		return fault.New(fault.Client, op, fmt.Errorf("%w: %v", ErrAlreadyConnected, req.Recipient))
	}
	mk, err := cc.MasterKey()
	if err != nil {
		return err
	}

	icrKey, err := s.keychain.IcrKey(mk)
	if err != nil {
		return err
	}
	defer icrKey.Wipe()

	g, tok, err := s.grants.CreateExchangeGrant(ctx, mk, &grant.Request{
		Circles:   req.Circles,
		TokenKind: keys.TokenKindIdentityConnection,
	}, icrKey)
	if err != nil {
		return err
	}
	defer tok.Wipe()

	bootstrap, err := keys.NewRandomKey()
	if err != nil {
		return err
	}
	defer bootstrap.Wipe()
	wrappedIcrKey, err := bootstrap.WrapKey(icrKey)
	if err != nil {
		return err
	}

	tokBytes, err := tok.ToPortableBytes()
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(tokBytes)

	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	plaintext, err := EncodeConnectionRequest(&ConnectionRequest{
		ID:                id,
		SenderIdentity:    s.self,
		Recipient:         req.Recipient,
		ContactData:       req.ContactData,
		Message:           req.Message,
		ClientAccessToken: tokBytes,
		BootstrapKey:      bootstrap.Bytes(),
	})
	if err != nil {
		return err
	}
	defer memguard.WipeBytes(plaintext)

	ad := requestAD(s.self, req.Recipient)
	err = retry.Twice(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			instrument.HandshakeRetry()
			s.log.Debugf("Retrying connection request %v to %v with a fresh public key.", id, req.Recipient)
		}
		pk, err := s.pubkeys.Get(ctx, req.Recipient)
		if err != nil {
			return err
		}
		box, err := keys.SealToPublicKey(pk, plaintext, ad)
		if err != nil {
			return err
		}
		resp, err := s.peers.DeliverConnectionRequest(ctx, req.Recipient, &RequestEnvelope{Version: WireVersion, Box: box})
		if err != nil {
			return err
		}
		if !resp.Success {
			return fmt.Errorf("%w: %v (%v)", ErrRejected, resp.Code, resp.Reason)
		}
		return nil
	}, func() {
		s.pubkeys.Invalidate(req.Recipient)
	})
	if err != nil {
		instrument.HandshakeMessage("send", "failed")
		s.log.Warningf("Failed to deliver connection request %v to %v: %v", id, req.Recipient, err)
		return fault.New(fault.Network, op, err)
	}

	unlock := s.lockPair(req.Recipient)
	defer unlock()
	sent := &SentRequest{
		Recipient:                   req.Recipient,
		RequestID:                   id,
		ContactData:                 req.ContactData,
		Message:                     req.Message,
		SentAt:                      s.now(),
		PendingGrant:                g,
		BootstrapKeyEncryptedIcrKey: wrappedIcrKey,
	}
	if err = storage.Put(s.sent, req.Recipient.String(), sent); err != nil {
		return err
	}
	instrument.HandshakeMessage("send", "ok")
	s.log.Noticef("Sent connection request %v to %v.", id, req.Recipient)
	return nil
}
