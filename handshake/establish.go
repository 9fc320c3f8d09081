// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// establish.go - Completing a connection on the original sender.

package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/internal/instrument"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/storage"
)

// EstablishConnection runs on the original sender when the recipient's
// reply arrives.  cc is the transport authenticated recipient and bearer
// is the credential this host handed it in the request.  On any failure
// no ICR is created and the sent request is kept.
func (s *Service) EstablishConnection(ctx context.Context, cc *caller.Context, env *ReplyEnvelope, bearer []byte) error {
	const op = "establish_connection"

	remote := cc.Caller()
	unlock := s.lockPair(remote)
	defer unlock()

	sent, err := storage.Get[SentRequest](s.sent, remote.String())
	if errors.Is(err, storage.ErrNotFound) {
		return fault.New(fault.Consistency, op, fmt.Errorf("%w: %v", ErrRequestNotFound, remote))
	}
	if err != nil {
		return err
	}
	if err = s.registry.AssertConnectionIsNoneOrValid(remote); err != nil {
		return err
	}
	if env == nil || env.Box == nil {
		return fault.New(fault.Client, op, fmt.Errorf("%w: envelope", ErrMissingField))
	}
	if env.Version != WireVersion {
		return fault.New(fault.Client, op, ErrUnsupportedVersion)
	}
	if env.RequestID != sent.RequestID {
		return fault.New(fault.Consistency, op, fmt.Errorf("%w: %v", ErrRequestNotFound, env.RequestID))
	}

	authTok, err := keys.ParseAuthToken(bearer)
	if err != nil {
		return fault.New(fault.Security, op, err)
	}
	defer authTok.Wipe()
	ss, err := sent.PendingGrant.AccessRegistration.DecryptSharedSecret(authTok)
	if err != nil {
		return fault.New(fault.Security, op, err)
	}
	defer ss.Wipe()

	plaintext, err := keys.OpenWithSharedSecret(ss, env.Box, replyAD(sent.RequestID, remote))
	if err != nil {
		instrument.HandshakeMessage("establish", "undecryptable")
		return fault.New(fault.Security, op, err)
	}
	defer memguard.WipeBytes(plaintext)
	reply, err := DecodeConnectionReply(plaintext)
	if err != nil {
		return fault.New(fault.Client, op, err)
	}
	defer memguard.WipeBytes(reply.BootstrapKey)
	defer memguard.WipeBytes(reply.ClientAccessToken)
	switch {
	case reply.ID != sent.RequestID:
		return fault.New(fault.Consistency, op, fmt.Errorf("%w: %v", ErrRequestNotFound, reply.ID))
	case reply.SenderIdentity != remote:
		return fault.New(fault.Client, op, ErrSenderMismatch)
	case len(reply.ClientAccessToken) == 0:
		return fault.New(fault.Client, op, fmt.Errorf("%w: client access token", ErrMissingField))
	}

	remoteTok, err := keys.ParseClientAccessToken(reply.ClientAccessToken)
	if err != nil {
		return fault.New(fault.Client, op, err)
	}
	defer remoteTok.Wipe()
	if !remoteTok.SharedSecret.Equal(ss) {
		return fault.New(fault.Security, op, ErrSharedSecretMismatch)
	}

	bootstrap, err := keys.NewKeyFromBytes(reply.BootstrapKey)
	if err != nil {
		return fault.New(fault.Client, op, fmt.Errorf("%w: bootstrap key", ErrMissingField))
	}
	defer bootstrap.Wipe()
	icrKey, err := bootstrap.UnwrapKey(sent.BootstrapKeyEncryptedIcrKey)
	if err != nil {
		return fault.New(fault.Security, op, err)
	}
	defer icrKey.Wipe()

	encTok, err := keys.SealToken(icrKey, remoteTok)
	if err != nil {
		return err
	}
	if err = s.install(cc.Elevate(keys.PermissionManageConnections), remote, sent.PendingGrant, encTok, reply.ContactData); err != nil {
		return err
	}
	if err = s.cleanup(remote); err != nil {
		return err
	}
	instrument.HandshakeMessage("establish", "ok")
	s.log.Noticef("Established connection with %v.", remote)
	s.notifier.Notify(&notify.ConnectionAcceptedEvent{Remote: remote})
	return nil
}
