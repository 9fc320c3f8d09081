// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// requests.go - Pending and sent request bookkeeping.

package handshake

import (
	"context"
	"errors"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
)

// PendingRequests lists received requests.
func (s *Service) PendingRequests(cc *caller.Context) ([]*PendingRequest, error) {
	if err := cc.AssertPermission(keys.PermissionReadConnectionRequests); err != nil {
		return nil, err
	}
	var out []*PendingRequest
	err := storage.ForEach(s.pending, func(_ string, p *PendingRequest) error {
		out = append(out, p)
		return nil
	})
	return out, err
}

// SentRequests lists outstanding requests this host sent.
func (s *Service) SentRequests(cc *caller.Context) ([]*SentRequest, error) {
	if err := cc.AssertPermission(keys.PermissionReadConnectionRequests); err != nil {
		return nil, err
	}
	var out []*SentRequest
	err := storage.ForEach(s.sent, func(_ string, r *SentRequest) error {
		out = append(out, r)
		return nil
	})
	return out, err
}

// DeletePendingRequest abandons a received request.
func (s *Service) DeletePendingRequest(cc *caller.Context, sender identity.Identity) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}
	unlock := s.lockPair(sender)
	defer unlock()
	return s.pending.Delete(sender.String())
}

// DeleteSentRequest abandons a sent request.  A late reply to it fails
// with a consistency fault.
func (s *Service) DeleteSentRequest(cc *caller.Context, recipient identity.Identity) error {
	if err := cc.AssertPermission(keys.PermissionManageConnections); err != nil {
		return err
	}
	unlock := s.lockPair(recipient)
	defer unlock()
	return s.sent.Delete(recipient.String())
}

// HandleDeliverConnectionRequest is the transport entry point for
// DeliverConnectionRequest.
func (s *Service) HandleDeliverConnectionRequest(ctx context.Context, cc *caller.Context, env *RequestEnvelope) *DeliveryResponse {
	return s.response(s.ReceiveConnectionRequest(ctx, cc, env))
}

// HandleEstablishConnection is the transport entry point for
// EstablishConnection.
func (s *Service) HandleEstablishConnection(ctx context.Context, cc *caller.Context, env *ReplyEnvelope, bearer []byte) *DeliveryResponse {
	return s.response(s.EstablishConnection(ctx, cc, env, bearer))
}

func (s *Service) response(err error) *DeliveryResponse {
	if err == nil {
		return &DeliveryResponse{Success: true, Code: CodeOK}
	}
	s.log.Debugf("Refusing peer message: %v", err)
	r := &DeliveryResponse{Reason: err.Error()}
	switch {
	case errors.Is(err, ErrPublicKeyInvalid):
		r.Code = CodePublicKeyInvalid
	case errors.Is(err, registry.ErrBlocked):
		r.Code = CodeBlocked
	case errors.Is(err, ErrRequestNotFound):
		r.Code = CodeUnknownRequest
	case fault.Is(err, fault.Security):
		r.Code = CodeUnauthorized
	case fault.Is(err, fault.Client):
		r.Code = CodeBadRequest
	default:
		r.Code = CodeServerError
		r.Reason = "internal error"
	}
	return r
}
