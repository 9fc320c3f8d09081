// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// status.go - Transfer statuses and the failure policy.

package transfer

import (
	"fmt"

	"github.com/circlehost/circlehost/identity"
)

// Status is the per-recipient outcome of a transfer request or attempt.
type Status uint8

const (
	// Enqueued means the outbox item was created and awaits delivery.
	Enqueued Status = iota

	// EnqueuedForRetry means an attempt failed and the item was requeued.
	EnqueuedForRetry

	// AwaitingTransferKey means the recipient's token could not be
	// resolved yet; the request waits in the side queue.
	AwaitingTransferKey

	DeliveredToTargetDrive
	DeliveredToInbox
	QuarantinedPayload
	QuarantinedSenderNotConnected

	RecipientDoesNotHavePermissionToFileAcl
	SourceFileDoesNotAllowDistribution
	SourceFileDoesNotExist
	EncryptedTransferInstructionSetNotAvailable
	PublicKeyInvalid
	RecipientServerNotResponding
	RecipientServerRejected
	RecipientServerError
	UnknownServerError
	AccessDenied

	// TotalRejectionClientShouldRetry is reported for terminal rejections
	// that a user may resubmit by hand.
	TotalRejectionClientShouldRetry
)

var statusNames = map[Status]string{
	Enqueued:                                    "Enqueued",
	EnqueuedForRetry:                            "EnqueuedForRetry",
	AwaitingTransferKey:                         "AwaitingTransferKey",
	DeliveredToTargetDrive:                      "DeliveredToTargetDrive",
	DeliveredToInbox:                            "DeliveredToInbox",
	QuarantinedPayload:                          "QuarantinedPayload",
	QuarantinedSenderNotConnected:               "QuarantinedSenderNotConnected",
	RecipientDoesNotHavePermissionToFileAcl:     "RecipientDoesNotHavePermissionToFileAcl",
	SourceFileDoesNotAllowDistribution:          "SourceFileDoesNotAllowDistribution",
	SourceFileDoesNotExist:                      "SourceFileDoesNotExist",
	EncryptedTransferInstructionSetNotAvailable: "EncryptedTransferInstructionSetNotAvailable",
	PublicKeyInvalid:                            "PublicKeyInvalid",
	RecipientServerNotResponding:                "RecipientServerNotResponding",
	RecipientServerRejected:                     "RecipientServerRejected",
	RecipientServerError:                        "RecipientServerError",
	UnknownServerError:                          "UnknownServerError",
	AccessDenied:                                "AccessDenied",
	TotalRejectionClientShouldRetry:             "TotalRejectionClientShouldRetry",
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("[unknown status: %d]", s)
}

// Delivered returns true if the recipient host took the file.
func (s Status) Delivered() bool {
	switch s {
	case DeliveredToTargetDrive, DeliveredToInbox, QuarantinedPayload, QuarantinedSenderNotConnected:
		return true
	}
	return false
}

// Disposition is what the outbox does with a failed item.
type Disposition struct {
	// Requeue is true if the item stays queued for another attempt.
	Requeue bool

	// Report is the status reported to the sender.
	Report Status
}

// Classify applies the fixed failure policy to reason.  Policy rejections
// are never requeued automatically.
func Classify(reason Status) Disposition {
	switch reason {
	case PublicKeyInvalid, EncryptedTransferInstructionSetNotAvailable, RecipientServerNotResponding:
		return Disposition{Requeue: true, Report: EnqueuedForRetry}
	case RecipientServerError, UnknownServerError, RecipientServerRejected:
		return Disposition{Report: TotalRejectionClientShouldRetry}
	default:
		return Disposition{Report: reason}
	}
}

// Result is the outcome of one delivery attempt to one recipient.
type Result struct {
	Recipient identity.Identity
	Success   bool

	// Code is the peer's response, valid only when the peer answered.
	Code     PeerCode
	Answered bool

	// Reason is the delivered status on success, the failure otherwise.
	Reason Status
	Retry  bool
}

func newResult(recipient identity.Identity, reason Status) *Result {
	return &Result{
		Recipient: recipient,
		Success:   reason.Delivered(),
		Reason:    reason,
		Retry:     !reason.Delivered() && Classify(reason).Requeue,
	}
}
