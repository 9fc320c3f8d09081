// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer

import (
	"testing"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/registry"
)

func TestClassify(t *testing.T) {
	require := require.New(t)

	for _, s := range []Status{PublicKeyInvalid, EncryptedTransferInstructionSetNotAvailable, RecipientServerNotResponding} {
		d := Classify(s)
		require.True(d.Requeue, s.String())
		require.Equal(EnqueuedForRetry, d.Report)
	}
	for _, s := range []Status{RecipientServerError, UnknownServerError, RecipientServerRejected} {
		d := Classify(s)
		require.False(d.Requeue, s.String())
		require.Equal(TotalRejectionClientShouldRetry, d.Report)
	}
	for _, s := range []Status{RecipientDoesNotHavePermissionToFileAcl, SourceFileDoesNotAllowDistribution, AccessDenied, SourceFileDoesNotExist} {
		d := Classify(s)
		require.False(d.Requeue, s.String())
		require.Equal(s, d.Report)
	}
}

func TestPeerCodeStatus(t *testing.T) {
	require := require.New(t)

	require.Equal(DeliveredToTargetDrive, CodeAcceptedDirectWrite.status())
	require.Equal(DeliveredToInbox, CodeAcceptedIntoInbox.status())
	require.Equal(QuarantinedPayload, CodeQuarantinedPayload.status())
	require.Equal(QuarantinedSenderNotConnected, CodeQuarantinedSenderNotConnected.status())
	require.Equal(RecipientServerRejected, CodeRejected.status())
	require.Equal(AccessDenied, CodeAccessDenied.status())
	require.Equal(PublicKeyInvalid, CodePublicKeyInvalid.status())
	require.Equal(RecipientServerError, CodeServerError.status())
	require.Equal(UnknownServerError, PeerCode(200).status())

	r := newResult(identity.MustParse("sam.example"), RecipientServerRejected)
	require.False(r.Success)
	require.False(r.Retry)
	r = newResult(identity.MustParse("sam.example"), PublicKeyInvalid)
	require.True(r.Retry)
	r = newResult(identity.MustParse("sam.example"), QuarantinedPayload)
	require.True(r.Success)
	require.False(r.Retry)
}

func TestACL(t *testing.T) {
	require := require.New(t)

	sam := identity.MustParse("sam.example")
	friends := uuid.Must(uuid.NewV4())
	stranger := &registry.IdentityConnectionRegistration{Identity: sam, Status: registry.None}
	friend := &registry.IdentityConnectionRegistration{
		Identity: sam,
		Status:   registry.Connected,
		AccessGrant: &keys.AccessExchangeGrant{
			CircleGrants: []keys.CircleGrant{{CircleID: friends}},
		},
	}

	acl := &ACL{RequiredSecurityGroup: Anonymous}
	require.True(acl.Allows(stranger))
	acl = &ACL{RequiredSecurityGroup: Connected}
	require.False(acl.Allows(stranger))
	require.True(acl.Allows(friend))
	acl = &ACL{RequiredSecurityGroup: Owner}
	require.False(acl.Allows(friend))

	acl = &ACL{RequiredSecurityGroup: Authenticated, Circles: []uuid.UUID{friends}}
	require.True(acl.Allows(friend))
	require.False(acl.Allows(stranger))
	acl = &ACL{RequiredSecurityGroup: Authenticated, Circles: []uuid.UUID{uuid.Must(uuid.NewV4())}}
	require.False(acl.Allows(friend))
	acl = &ACL{RequiredSecurityGroup: Authenticated, Identities: []identity.Identity{sam}}
	require.True(acl.Allows(stranger))

	blocked := &registry.IdentityConnectionRegistration{Identity: sam, Status: registry.Blocked}
	for _, g := range []SecurityGroup{Anonymous, Authenticated, Connected} {
		acl = &ACL{RequiredSecurityGroup: g}
		require.False(acl.Allows(blocked), "%v", g)
	}
	acl = &ACL{RequiredSecurityGroup: Authenticated, Identities: []identity.Identity{sam}}
	require.False(acl.Allows(blocked))

	friend.AccessGrant.Revoke()
	acl = &ACL{RequiredSecurityGroup: Connected, Circles: []uuid.UUID{friends}}
	require.False(acl.Allows(friend))
}

func TestInstructionSet(t *testing.T) {
	require := require.New(t)

	set := &InstructionSet{
		Version:     InstructionSetVersion,
		Kind:        KindUpdate,
		Sender:      identity.MustParse("frodo.example"),
		SourceDrive: uuid.Must(uuid.NewV4()),
		TargetDrive: uuid.Must(uuid.NewV4()),
		File:        uuid.Must(uuid.NewV4()),
	}
	b, err := EncodeInstructions(set)
	require.NoError(err)
	got, err := DecodeInstructions(b)
	require.NoError(err)
	require.Equal(set, got)

	set.Version = 2
	b, err = EncodeInstructions(set)
	require.NoError(err)
	_, err = DecodeInstructions(b)
	require.ErrorIs(err, errMalformedInstructions)

	_, err = DecodeInstructions([]byte(`{"version":1}`))
	require.ErrorIs(err, errMalformedInstructions)
}
