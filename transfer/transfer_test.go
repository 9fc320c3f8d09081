// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package transfer_test

import (
	"context"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/config"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/peertest"
	"github.com/circlehost/circlehost/transfer"
)

type fixture struct {
	fed        *peertest.Federation
	alice, bob *peertest.Node
	source     uuid.UUID
	target     uuid.UUID
}

// newFixture connects alice and bob.  Bob grants alice write access to his
// target drive when writable is set.
func newFixture(t *testing.T, writable bool, outbox *config.Outbox) *fixture {
	require := require.New(t)

	fed := peertest.New(t.TempDir())
	t.Cleanup(fed.Shutdown)
	if outbox != nil {
		fed.SetOutboxConfig(*outbox)
	}
	alice, err := fed.Add("alice.example")
	require.NoError(err)
	bob, err := fed.Add("bob.example")
	require.NoError(err)

	f := &fixture{
		fed:    fed,
		alice:  alice,
		bob:    bob,
		source: alice.Drives.AddDrive(),
		target: bob.Drives.AddDrive(),
	}
	var bobCircles []uuid.UUID
	if writable {
		bobCircles = append(bobCircles, bob.Circles.Add("friends", []grant.DriveRequest{
			{DriveID: f.target, Permission: keys.DriveRead | keys.DriveWrite},
		}))
	}
	require.NoError(fed.Connect(context.Background(), alice, bob, nil, bobCircles))
	return f
}

func (f *fixture) addFile(t *testing.T, acl transfer.ACL, payload string) *transfer.FileHeader {
	hdr, err := f.alice.Drives.AddFile(f.source, acl, []byte(payload))
	require.NoError(t, err)
	return hdr
}

func (f *fixture) send(t *testing.T, hdr *transfer.FileHeader, schedule transfer.Schedule) map[identity.Identity]transfer.Status {
	statuses, err := f.alice.Transfer.SendFile(context.Background(), f.alice.Owner, hdr.Drive, hdr.File, &transfer.Options{
		Recipients:  []identity.Identity{f.bob.ID},
		Schedule:    schedule,
		TargetDrive: f.target,
	}, transfer.KindCopy)
	require.NoError(t, err)
	return statuses
}

func (f *fixture) queued(t *testing.T) int {
	n, err := f.alice.Outbox.Count(f.source)
	require.NoError(t, err)
	return n
}

// transferFailed waits for the next TransferFailedEvent on n.
func transferFailed(t *testing.T, n *peertest.Node) *notify.TransferFailedEvent {
	for {
		ev := n.NextEvent(5 * time.Second)
		require.NotNil(t, ev, "timed out waiting for TransferFailedEvent")
		if tf, ok := ev.(*notify.TransferFailedEvent); ok {
			return tf
		}
	}
}

var connected = transfer.ACL{RequiredSecurityGroup: transfer.Connected}

func TestSendFileAwaitResponse(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "there and back again")

	statuses := f.send(t, hdr, transfer.SendNowAwaitResponse)
	require.Equal(map[identity.Identity]transfer.Status{f.bob.ID: transfer.DeliveredToTargetDrive}, statuses)
	require.Zero(f.queued(t))

	got := f.bob.Drives.Received()
	require.Len(got, 1)
	r := got[0]
	require.Equal(f.alice.ID, r.Sender)
	require.Equal(transfer.PlaceTargetDrive, r.Placement)
	require.Equal(f.target, r.Set.TargetDrive)
	require.Equal(hdr.File, r.Set.File)
	require.NotNil(r.Set.KeyHeader)

	// Bob can read the file with the key header sealed to him.
	sk, err := f.bob.Keychain.PrivateKey(f.bob.MasterKey)
	require.NoError(err)
	fk, err := keys.OpenWithPrivateKey(sk, r.Set.KeyHeader, transfer.InstructionsAD(f.alice.ID, f.bob.ID, hdr.File))
	require.NoError(err)
	fileKey, err := keys.NewKeyFromBytes(fk)
	require.NoError(err)
	defer fileKey.Wipe()
	pt, err := fileKey.Open(r.Message.Payloads[0].Data)
	require.NoError(err)
	require.Equal("there and back again", string(pt))
}

func TestSendFileIntoInbox(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, false, nil)
	hdr := f.addFile(t, connected, "no write grant")

	statuses := f.send(t, hdr, transfer.SendNowAwaitResponse)
	require.Equal(transfer.DeliveredToInbox, statuses[f.bob.ID])
	require.Equal(transfer.PlaceInbox, f.bob.Drives.Received()[0].Placement)
}

func TestSendFileAsync(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "later")

	statuses := f.send(t, hdr, transfer.SendAsync)
	require.Equal(transfer.Enqueued, statuses[f.bob.ID])
	require.Equal(1, f.queued(t))
	require.Empty(f.bob.Drives.Received())

	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))
	require.Zero(f.queued(t))
	require.Len(f.bob.Drives.Received(), 1)
}

func TestInstantDistribution(t *testing.T) {
	f := newFixture(t, true, &config.Outbox{
		ProcessInterval:     60 * 60 * 1000,
		InstantDistribution: true,
	})
	f.alice.Start()
	hdr := f.addFile(t, connected, "right away")

	statuses := f.send(t, hdr, transfer.SendAsync)
	require.Equal(t, transfer.Enqueued, statuses[f.bob.ID])
	require.Eventually(t, func() bool {
		return len(f.bob.Drives.Received()) == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestACLRecheckedBeforeDelivery(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "secret")

	require.Equal(transfer.Enqueued, f.send(t, hdr, transfer.SendAsync)[f.bob.ID])

	// Tightened after the item was queued.
	f.alice.Drives.Update(hdr.Drive, hdr.File, func(h *transfer.FileHeader) {
		h.ACL = transfer.ACL{RequiredSecurityGroup: transfer.Owner}
	})
	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))

	require.Empty(f.bob.Drives.Received())
	require.Zero(f.fed.FileAttempts())
	require.Zero(f.queued(t))
	ev := transferFailed(t, f.alice)
	require.Equal(f.bob.ID, ev.Recipient)
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl.String(), ev.Status)
}

func TestACLCheckedAtEnqueue(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)

	hdr := f.addFile(t, transfer.ACL{
		RequiredSecurityGroup: transfer.Authenticated,
		Identities:            []identity.Identity{identity.MustParse("carol.example")},
	}, "not for bob")
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])

	hdr = f.addFile(t, connected, "private")
	f.alice.Drives.Update(hdr.Drive, hdr.File, func(h *transfer.FileHeader) {
		h.AllowDistribution = false
	})
	require.Equal(transfer.SourceFileDoesNotAllowDistribution, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])
	require.Zero(f.queued(t))
}

func TestBlockedRecipientSkipped(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, transfer.ACL{RequiredSecurityGroup: transfer.Authenticated}, "not after blocking")

	require.Equal(transfer.Enqueued, f.send(t, hdr, transfer.SendAsync)[f.bob.ID])
	require.NoError(f.alice.Registry.Block(f.alice.Owner, f.bob.ID))
	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))

	require.Empty(f.bob.Drives.Received())
	require.Zero(f.fed.FileAttempts())
	require.Zero(f.queued(t))
	ev := transferFailed(t, f.alice)
	require.Equal(f.bob.ID, ev.Recipient)
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl.String(), ev.Status)

	hdr = f.addFile(t, transfer.ACL{RequiredSecurityGroup: transfer.Anonymous}, "public")
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])
	require.Zero(f.fed.FileAttempts())
}

func TestUnconnectedRecipientNotParked(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	carol, err := f.fed.Add("carol.example")
	require.NoError(err)
	hdr := f.addFile(t, transfer.ACL{RequiredSecurityGroup: transfer.Authenticated}, "never introduced")

	statuses, err := f.alice.Transfer.SendFile(context.Background(), f.alice.Owner, hdr.Drive, hdr.File, &transfer.Options{
		Recipients: []identity.Identity{carol.ID},
		Schedule:   transfer.SendNowAwaitResponse,
	}, transfer.KindCopy)
	require.NoError(err)
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl, statuses[carol.ID])
	require.Zero(f.queued(t))
	n, err := f.alice.Transfer.AwaitingTransferKey()
	require.NoError(err)
	require.Zero(n)

	// Same answer for a caller without the master key.
	app := caller.Client(f.alice.ID, keys.NewPermissionSet(keys.PermissionSendDataToConnections), nil)
	statuses, err = f.alice.Transfer.SendFile(context.Background(), app, hdr.Drive, hdr.File, &transfer.Options{
		Recipients: []identity.Identity{carol.ID},
		Schedule:   transfer.SendNowAwaitResponse,
	}, transfer.KindCopy)
	require.NoError(err)
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl, statuses[carol.ID])
	n, err = f.alice.Transfer.AwaitingTransferKey()
	require.NoError(err)
	require.Zero(n)
	require.Empty(carol.Drives.Received())
}

func TestDeliveryAfterReconnect(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	ctx := context.Background()

	// Alice drops bob on her side only, then introduces herself again.
	require.NoError(f.alice.Registry.Disconnect(f.alice.Owner, f.bob.ID))
	hdr := f.addFile(t, connected, "while apart")
	require.Equal(transfer.RecipientDoesNotHavePermissionToFileAcl, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])

	writable := f.bob.Circles.Add("friends again", []grant.DriveRequest{
		{DriveID: f.target, Permission: keys.DriveRead | keys.DriveWrite},
	})
	require.NoError(f.fed.Connect(ctx, f.alice, f.bob, nil, []uuid.UUID{writable}))

	hdr = f.addFile(t, connected, "together again")
	require.Equal(transfer.DeliveredToTargetDrive, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])
	got := f.bob.Drives.Received()
	require.Len(got, 1)
	require.Equal(hdr.File, got[0].Set.File)
}

func TestRejectionIsNotRequeued(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "unwanted")

	f.fed.SetFileHook(func(int, identity.Identity, identity.Identity, *transfer.PeerFileMessage) (*transfer.PeerResponse, error, bool) {
		return &transfer.PeerResponse{Code: transfer.CodeRejected}, nil, true
	})
	statuses := f.send(t, hdr, transfer.SendNowAwaitResponse)
	require.Equal(transfer.TotalRejectionClientShouldRetry, statuses[f.bob.ID])
	require.Equal(1, f.fed.FileAttempts())
	require.Zero(f.queued(t))

	ev := transferFailed(t, f.alice)
	require.Equal(transfer.TotalRejectionClientShouldRetry.String(), ev.Status)
	require.Equal(1, ev.Attempts)
}

func TestMissingInstructionsAreRequeued(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "lost instructions")

	require.Equal(transfer.Enqueued, f.send(t, hdr, transfer.SendAsync)[f.bob.ID])
	it, err := f.alice.Outbox.Get(hdr.Drive, f.bob.ID, hdr.File)
	require.NoError(err)
	it.Instructions = nil
	require.NoError(f.alice.Outbox.Add(it))

	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))
	require.Zero(f.fed.FileAttempts())
	it, err = f.alice.Outbox.Get(hdr.Drive, f.bob.ID, hdr.File)
	require.NoError(err)
	require.Equal(1, it.AttemptCount)
}

func TestStalePublicKeyRetried(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "after rotation")

	// Alice cached bob's key during the handshake.
	fetches := f.fed.KeyFetches(f.bob.ID)
	require.NoError(f.bob.Keychain.Rotate(f.bob.Owner))
	f.fed.SetFileHook(nil)

	statuses := f.send(t, hdr, transfer.SendNowAwaitResponse)
	require.Equal(transfer.DeliveredToTargetDrive, statuses[f.bob.ID])
	require.Equal(2, f.fed.FileAttempts())
	require.Equal(fetches+1, f.fed.KeyFetches(f.bob.ID))

	fp, err := f.bob.Keychain.Fingerprint()
	require.NoError(err)
	require.Equal(fp, f.bob.Drives.Received()[0].Set.KeyHeader.KeyFingerprint)
}

func TestUnreachableRecipient(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, &config.Outbox{
		ProcessInterval: 60 * 60 * 1000,
		MaxAttempts:     2,
		RetryBaseDelay:  1,
		RetryMaxDelay:   1,
	})
	hdr := f.addFile(t, connected, "anyone home?")

	f.fed.SetUnreachable(f.bob.ID, true)
	statuses := f.send(t, hdr, transfer.SendNowAwaitResponse)
	require.Equal(transfer.EnqueuedForRetry, statuses[f.bob.ID])
	require.Equal(1, f.queued(t))

	time.Sleep(10 * time.Millisecond)
	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))
	require.Zero(f.queued(t))
	ev := transferFailed(t, f.alice)
	require.Equal(transfer.RecipientServerNotResponding.String(), ev.Status)
	require.Equal(2, ev.Attempts)
}

func TestRequeuedItemDeliveredLater(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "eventually")

	f.fed.SetUnreachable(f.bob.ID, true)
	require.Equal(transfer.EnqueuedForRetry, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])
	f.fed.SetUnreachable(f.bob.ID, false)

	time.Sleep(10 * time.Millisecond)
	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))
	require.Zero(f.queued(t))
	require.Len(f.bob.Drives.Received(), 1)
}

func TestAwaitingTransferKey(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "once unlocked")

	app := caller.Client(f.alice.ID, keys.NewPermissionSet(keys.PermissionSendDataToConnections), nil)
	statuses, err := f.alice.Transfer.SendFile(context.Background(), app, hdr.Drive, hdr.File, &transfer.Options{
		Recipients: []identity.Identity{f.bob.ID},
		Schedule:   transfer.SendNowAwaitResponse,
	}, transfer.KindCopy)
	require.NoError(err)
	require.Equal(transfer.AwaitingTransferKey, statuses[f.bob.ID])
	require.Zero(f.queued(t))
	n, err := f.alice.Transfer.AwaitingTransferKey()
	require.NoError(err)
	require.Equal(1, n)

	// Nothing resolves without the master key.
	_, err = f.alice.Transfer.RetryAwaitingTransferKey(context.Background(), app)
	require.Error(err)

	settled, err := f.alice.Transfer.RetryAwaitingTransferKey(context.Background(), f.alice.Owner)
	require.NoError(err)
	require.Equal(1, settled)
	require.Equal(1, f.queued(t))
	n, err = f.alice.Transfer.AwaitingTransferKey()
	require.NoError(err)
	require.Zero(n)

	require.NoError(f.alice.Transfer.ProcessOutbox(context.Background()))
	require.Len(f.bob.Drives.Received(), 1)
	// No target drive was named, so the file lands in bob's inbox.
	require.Equal(transfer.PlaceInbox, f.bob.Drives.Received()[0].Placement)
}

func TestSendPermission(t *testing.T) {
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "app")

	app := caller.Client(f.alice.ID, keys.NewPermissionSet(keys.PermissionReadConnections), nil)
	_, err := f.alice.Transfer.SendFile(context.Background(), app, hdr.Drive, hdr.File, &transfer.Options{
		Recipients: []identity.Identity{f.bob.ID},
	}, transfer.KindCopy)
	require.Error(t, err)

	_, err = f.alice.Transfer.SendFile(context.Background(), f.alice.Owner, hdr.Drive, uuid.Must(uuid.NewV4()), &transfer.Options{
		Recipients: []identity.Identity{f.bob.ID},
	}, transfer.KindCopy)
	require.ErrorIs(t, err, transfer.ErrFileNotFound)
}

func TestTransientFileDeleted(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "burn after reading")

	statuses, err := f.alice.Transfer.SendFile(context.Background(), f.alice.Owner, hdr.Drive, hdr.File, &transfer.Options{
		Recipients:  []identity.Identity{f.bob.ID},
		Schedule:    transfer.SendNowAwaitResponse,
		TargetDrive: f.target,
		IsTransient: true,
	}, transfer.KindCopy)
	require.NoError(err)
	require.Equal(transfer.DeliveredToTargetDrive, statuses[f.bob.ID])
	require.Equal([]uuid.UUID{hdr.File}, f.alice.Drives.Deleted())
}

func TestReceiveFromStranger(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	carol, err := f.fed.Add("carol.example")
	require.NoError(err)

	set := &transfer.InstructionSet{
		Version:     transfer.InstructionSetVersion,
		Sender:      carol.ID,
		SourceDrive: uuid.Must(uuid.NewV4()),
		TargetDrive: f.target,
		File:        uuid.Must(uuid.NewV4()),
	}
	b, err := transfer.EncodeInstructions(set)
	require.NoError(err)
	msg := &transfer.PeerFileMessage{Instructions: b}

	resp := f.bob.HandleDeliverFile(context.Background(), carol.ID, nil, msg)
	require.Equal(transfer.CodeQuarantinedSenderNotConnected, resp.Code)
	require.Equal(transfer.PlaceQuarantineSender, f.bob.Drives.Received()[0].Placement)

	// A connected sender must present the token it was given.
	set.Sender = f.alice.ID
	b, err = transfer.EncodeInstructions(set)
	require.NoError(err)
	resp = f.bob.HandleDeliverFile(context.Background(), f.alice.ID, []byte("forged"), &transfer.PeerFileMessage{Instructions: b})
	require.Equal(transfer.CodeAccessDenied, resp.Code)

	// The instructions must name the transport sender.
	resp = f.bob.HandleDeliverFile(context.Background(), carol.ID, nil, &transfer.PeerFileMessage{Instructions: b})
	require.Equal(transfer.CodeRejected, resp.Code)
}

func TestPayloadQuarantine(t *testing.T) {
	require := require.New(t)
	f := newFixture(t, true, nil)
	hdr := f.addFile(t, connected, "suspicious")

	f.bob.Drives.StoreHook = func(*peertest.Received) (transfer.Placement, error) {
		return transfer.PlaceQuarantinePayload, nil
	}
	require.Equal(transfer.QuarantinedPayload, f.send(t, hdr, transfer.SendNowAwaitResponse)[f.bob.ID])
	require.Zero(f.queued(t))
}
