// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// wire.go - Connection handshake wire messages.

package handshake

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/registry"
)

// WireVersion is the version of every handshake message.
const WireVersion = 1

// ErrUnsupportedVersion is returned when decoding a message of another
// version.
var ErrUnsupportedVersion = errors.New("handshake: unsupported wire version")

// ConnectionRequest is the plaintext sealed to the recipient's public key.
type ConnectionRequest struct {
	Version        uint8                `cbor:"1,keyasint"`
	ID             uuid.UUID            `cbor:"2,keyasint"`
	SenderIdentity identity.Identity    `cbor:"3,keyasint"`
	Recipient      identity.Identity    `cbor:"4,keyasint"`
	ContactData    registry.ContactData `cbor:"5,keyasint"`
	Message        string               `cbor:"6,keyasint,omitempty"`

	// ClientAccessToken is the sender's token for the recipient.
	ClientAccessToken []byte `cbor:"7,keyasint"`

	// BootstrapKey is echoed back in the reply.
	BootstrapKey []byte `cbor:"8,keyasint"`
}

// ConnectionReply is the plaintext the recipient seals with the shared
// secret when accepting.
type ConnectionReply struct {
	Version uint8 `cbor:"1,keyasint"`

	// ID is the ID of the request being accepted.
	ID                uuid.UUID            `cbor:"2,keyasint"`
	SenderIdentity    identity.Identity    `cbor:"3,keyasint"`
	ContactData       registry.ContactData `cbor:"4,keyasint"`
	ClientAccessToken []byte               `cbor:"5,keyasint"`
	BootstrapKey      []byte               `cbor:"6,keyasint"`
}

// RequestEnvelope carries a sealed ConnectionRequest.
type RequestEnvelope struct {
	Version uint8           `cbor:"1,keyasint"`
	Box     *keys.SealedBox `cbor:"2,keyasint"`
}

// ReplyEnvelope carries a sealed ConnectionReply.
type ReplyEnvelope struct {
	Version   uint8                 `cbor:"1,keyasint"`
	RequestID uuid.UUID             `cbor:"2,keyasint"`
	Box       *keys.SharedSecretBox `cbor:"3,keyasint"`
}

// ResponseCode is a peer's verdict on a delivered handshake message.
type ResponseCode uint8

const (
	CodeOK ResponseCode = iota
	CodePublicKeyInvalid
	CodeBlocked
	CodeBadRequest
	CodeUnknownRequest
	CodeUnauthorized
	CodeServerError
)

var codeNames = map[ResponseCode]string{
	CodeOK:               "ok",
	CodePublicKeyInvalid: "public_key_invalid",
	CodeBlocked:          "blocked",
	CodeBadRequest:       "bad_request",
	CodeUnknownRequest:   "unknown_request",
	CodeUnauthorized:     "unauthorized",
	CodeServerError:      "server_error",
}

func (c ResponseCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("[invalid code: %d]", c)
}

// DeliveryResponse is returned for DeliverConnectionRequest and
// EstablishConnection.
type DeliveryResponse struct {
	Success bool         `cbor:"1,keyasint"`
	Code    ResponseCode `cbor:"2,keyasint"`
	Reason  string       `cbor:"3,keyasint,omitempty"`
}

func encode(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// EncodeConnectionRequest serializes r.
func EncodeConnectionRequest(r *ConnectionRequest) ([]byte, error) {
	r.Version = WireVersion
	return encode(r)
}

// DecodeConnectionRequest deserializes a ConnectionRequest.
func DecodeConnectionRequest(b []byte) (*ConnectionRequest, error) {
	r := new(ConnectionRequest)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, err
	}
	if r.Version != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	return r, nil
}

// EncodeConnectionReply serializes r.
func EncodeConnectionReply(r *ConnectionReply) ([]byte, error) {
	r.Version = WireVersion
	return encode(r)
}

// DecodeConnectionReply deserializes a ConnectionReply.
func DecodeConnectionReply(b []byte) (*ConnectionReply, error) {
	r := new(ConnectionReply)
	if err := cbor.Unmarshal(b, r); err != nil {
		return nil, err
	}
	if r.Version != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	return r, nil
}

// EncodeRequestEnvelope serializes e for the transport.
func EncodeRequestEnvelope(e *RequestEnvelope) ([]byte, error) {
	return encode(e)
}

// DecodeRequestEnvelope deserializes a RequestEnvelope.
func DecodeRequestEnvelope(b []byte) (*RequestEnvelope, error) {
	e := new(RequestEnvelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, err
	}
	if e.Version != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	return e, nil
}

// EncodeReplyEnvelope serializes e for the transport.
func EncodeReplyEnvelope(e *ReplyEnvelope) ([]byte, error) {
	return encode(e)
}

// DecodeReplyEnvelope deserializes a ReplyEnvelope.
func DecodeReplyEnvelope(b []byte) (*ReplyEnvelope, error) {
	e := new(ReplyEnvelope)
	if err := cbor.Unmarshal(b, e); err != nil {
		return nil, err
	}
	if e.Version != WireVersion {
		return nil, ErrUnsupportedVersion
	}
	return e, nil
}

func requestAD(sender, recipient identity.Identity) []byte {
	return []byte("circlehost/v1/connection-request\x00" + sender.String() + "\x00" + recipient.String())
}

func replyAD(id uuid.UUID, replier identity.Identity) []byte {
	return append([]byte("circlehost/v1/connection-reply\x00"+replier.String()+"\x00"), id.Bytes()...)
}
