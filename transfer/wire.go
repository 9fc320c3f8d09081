// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// wire.go - Peer file delivery messages.

package transfer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"

	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
)

// InstructionSetVersion is the version of InstructionSet.
const InstructionSetVersion = 1

var errMalformedInstructions = errors.New("transfer: malformed instruction set")

// PeerCode is the recipient host's answer to a file delivery.
type PeerCode uint8

const (
	CodeAcceptedDirectWrite PeerCode = iota + 1
	CodeAcceptedIntoInbox
	CodeQuarantinedPayload
	CodeQuarantinedSenderNotConnected
	CodeRejected
	CodeAccessDenied

	// CodePublicKeyInvalid is returned when the instructions were sealed to
	// a key the recipient no longer holds.
	CodePublicKeyInvalid
	CodeServerError
)

func (c PeerCode) String() string {
	switch c {
	case CodeAcceptedDirectWrite:
		return "AcceptedDirectWrite"
	case CodeAcceptedIntoInbox:
		return "AcceptedIntoInbox"
	case CodeQuarantinedPayload:
		return "QuarantinedPayload"
	case CodeQuarantinedSenderNotConnected:
		return "QuarantinedSenderNotConnected"
	case CodeRejected:
		return "Rejected"
	case CodeAccessDenied:
		return "AccessDenied"
	case CodePublicKeyInvalid:
		return "PublicKeyInvalid"
	case CodeServerError:
		return "ServerError"
	default:
		return fmt.Sprintf("[unknown code: %d]", c)
	}
}

// status maps a peer answer onto a transfer status.
func (c PeerCode) status() Status {
	switch c {
	case CodeAcceptedDirectWrite:
		return DeliveredToTargetDrive
	case CodeAcceptedIntoInbox:
		return DeliveredToInbox
	case CodeQuarantinedPayload:
		return QuarantinedPayload
	case CodeQuarantinedSenderNotConnected:
		return QuarantinedSenderNotConnected
	case CodeRejected:
		return RecipientServerRejected
	case CodeAccessDenied:
		return AccessDenied
	case CodePublicKeyInvalid:
		return PublicKeyInvalid
	case CodeServerError:
		return RecipientServerError
	default:
		return UnknownServerError
	}
}

// PeerResponse is the reply to a PeerFileMessage.
type PeerResponse struct {
	Code   PeerCode `json:"code"`
	Reason string   `json:"reason,omitempty"`
}

// Part is one binary part of a delivery.
type Part struct {
	Key         string `json:"key" cbor:"1,keyasint"`
	ContentType string `json:"contentType" cbor:"2,keyasint"`
	Data        []byte `json:"-" cbor:"3,keyasint"`
}

// PeerFileMessage is the multipart delivery of one file to one recipient:
// the sealed instruction set and metadata as JSON, then the payload and
// thumbnail parts.
type PeerFileMessage struct {
	Instructions []byte
	Metadata     []byte
	Payloads     []Part
	Thumbnails   []Part
}

// InstructionSet tells the recipient where the file goes and how to read
// it.  Routing travels in the clear; the file's content key is sealed to
// the recipient's public key.
type InstructionSet struct {
	Version     int               `json:"version"`
	Kind        Kind              `json:"transferKind"`
	Sender      identity.Identity `json:"sender"`
	SourceDrive uuid.UUID         `json:"sourceDrive"`
	TargetDrive uuid.UUID         `json:"targetDrive"`
	File        uuid.UUID         `json:"fileId"`

	KeyHeader *keys.SealedBox `json:"keyHeader,omitempty"`
}

// EncodeInstructions returns the JSON encoding of s.
func EncodeInstructions(s *InstructionSet) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeInstructions parses an instruction set.
func DecodeInstructions(b []byte) (*InstructionSet, error) {
	s := new(InstructionSet)
	if err := json.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedInstructions, err)
	}
	if s.Version != InstructionSetVersion {
		return nil, fmt.Errorf("%w: version %d", errMalformedInstructions, s.Version)
	}
	if s.File == uuid.Nil || s.TargetDrive == uuid.Nil || s.Sender.IsZero() {
		return nil, fmt.Errorf("%w: missing field", errMalformedInstructions)
	}
	return s, nil
}

// transitInstructions is what the outbox keeps, sealed under the system
// key, until the content key can be sealed to the recipient.
type transitInstructions struct {
	Set     InstructionSet `json:"set"`
	FileKey []byte         `json:"fileKey,omitempty"`
}

func (t *transitInstructions) wipe() {
	clear(t.FileKey)
}

// InstructionsAD is the associated data binding a sealed key header to one
// delivery.
func InstructionsAD(sender, recipient identity.Identity, file uuid.UUID) []byte {
	return []byte("circlehost/v1/transfer|" + sender.String() + "|" + recipient.String() + "|" + file.String())
}

// Kind is the kind of transfer.
type Kind uint8

const (
	// KindCopy delivers a new file.
	KindCopy Kind = iota

	// KindUpdate replaces a file previously delivered.
	KindUpdate
)

// Schedule selects when delivery happens.
type Schedule uint8

const (
	// SendAsync persists the outbox items and returns.
	SendAsync Schedule = iota

	// SendNowAwaitResponse delivers before returning.
	SendNowAwaitResponse
)

// Options are the sender's options for one transfer.
type Options struct {
	Recipients  []identity.Identity `cbor:"1,keyasint"`
	Schedule    Schedule            `cbor:"2,keyasint"`
	TargetDrive uuid.UUID           `cbor:"3,keyasint"`

	// IsTransient deletes the source file once every recipient has it.
	IsTransient bool `cbor:"4,keyasint"`
}

func encodeOptions(o *Options) ([]byte, error) {
	return cbor.Marshal(o)
}

func decodeOptions(b []byte) (*Options, error) {
	o := new(Options)
	if len(b) == 0 {
		return o, nil
	}
	if err := cbor.Unmarshal(b, o); err != nil {
		return nil, err
	}
	return o, nil
}
