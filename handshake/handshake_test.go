// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package handshake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/require"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/grant"
	"github.com/circlehost/circlehost/hostkeys"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
	"github.com/circlehost/circlehost/notify"
	"github.com/circlehost/circlehost/pubkeys"
	"github.com/circlehost/circlehost/registry"
	"github.com/circlehost/circlehost/storage"
	"github.com/circlehost/circlehost/storage/memstore"
)

type noDrives struct{}

func (noDrives) DriveStorageKey(context.Context, *keys.SymmetricKey, uuid.UUID) (*keys.SymmetricKey, error) {
	return keys.NewRandomKey()
}

type circles map[uuid.UUID]*grant.CircleDefinition

func (c circles) Circle(_ context.Context, id uuid.UUID) (*grant.CircleDefinition, error) {
	if d, ok := c[id]; ok {
		return d, nil
	}
	return nil, errors.New("no such circle")
}

type testHost struct {
	id       identity.Identity
	owner    *caller.Context
	keychain *hostkeys.Keychain
	registry *registry.Registry
	notifier *notify.Notifier
	circles  circles
	svc      *Service
}

type network struct {
	sync.Mutex
	hosts map[identity.Identity]*testHost

	keyFetches  int
	deliveries  int
	deliverHook func(attempt int) error
	establishes int
	replyTamper func(env *ReplyEnvelope) *ReplyEnvelope
}

type client struct {
	from identity.Identity
	net  *network
}

func (c *client) GetPublicKey(_ context.Context, remote identity.Identity) (*keys.PublishedKey, error) {
	c.net.Lock()
	c.net.keyFetches++
	h := c.net.hosts[remote]
	c.net.Unlock()
	return h.keychain.Published()
}

func (c *client) DeliverConnectionRequest(ctx context.Context, recipient identity.Identity, env *RequestEnvelope) (*DeliveryResponse, error) {
	c.net.Lock()
	attempt := c.net.deliveries
	c.net.deliveries++
	hook := c.net.deliverHook
	h := c.net.hosts[recipient]
	c.net.Unlock()
	if hook != nil {
		if err := hook(attempt); err != nil {
			return nil, err
		}
	}
	b, err := EncodeRequestEnvelope(env)
	if err != nil {
		return nil, err
	}
	if env, err = DecodeRequestEnvelope(b); err != nil {
		return nil, err
	}
	return h.svc.HandleDeliverConnectionRequest(ctx, caller.Peer(c.from), env), nil
}

func (c *client) EstablishConnection(ctx context.Context, recipient identity.Identity, env *ReplyEnvelope, bearer []byte) (*DeliveryResponse, error) {
	c.net.Lock()
	c.net.establishes++
	tamper := c.net.replyTamper
	h := c.net.hosts[recipient]
	c.net.Unlock()
	b, err := EncodeReplyEnvelope(env)
	if err != nil {
		return nil, err
	}
	if env, err = DecodeReplyEnvelope(b); err != nil {
		return nil, err
	}
	if tamper != nil {
		env = tamper(env)
	}
	return h.svc.HandleEstablishConnection(ctx, caller.Peer(c.from), env, bearer), nil
}

func newNetwork() *network {
	return &network{hosts: make(map[identity.Identity]*testHost)}
}

func (n *network) add(t *testing.T, name string) *testHost {
	require := require.New(t)

	id := identity.MustParse(name)
	store := memstore.New()
	backend := log.NewDiscard()

	hk, err := store.Collection(storage.HostKeys)
	require.NoError(err)
	keychain, err := hostkeys.New(backend, hk, "x25519", []byte(name))
	require.NoError(err)
	mk, err := keys.NewRandomKey()
	require.NoError(err)
	owner := caller.Owner(id, mk)
	require.NoError(keychain.Initialize(owner))

	icr, err := store.Collection(storage.ICR)
	require.NoError(err)
	h := &testHost{
		id:       id,
		owner:    owner,
		keychain: keychain,
		registry: registry.New(backend, icr),
		notifier: notify.New(backend),
		circles:  make(circles),
	}
	t.Cleanup(h.notifier.Halt)
	c := &client{from: id, net: n}
	h.svc, err = New(backend, &Config{
		Self:       id,
		Store:      store,
		Keychain:   keychain,
		Registry:   h.registry,
		Grants:     grant.New(backend, noDrives{}, h.circles),
		PublicKeys: pubkeys.New(backend, c),
		Peers:      c,
		Notifier:   h.notifier,
	})
	require.NoError(err)

	n.Lock()
	n.hosts[id] = h
	n.Unlock()
	return h
}

func (h *testHost) event(t *testing.T) notify.Event {
	select {
	case ev := <-h.notifier.EventSink:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (h *testHost) requireNoRecords(t *testing.T, remote identity.Identity) {
	_, err := h.svc.pending.Get(remote.String())
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = h.svc.sent.Get(remote.String())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func (h *testHost) send(to *testHost, circles ...uuid.UUID) error {
	return h.svc.SendConnectionRequest(context.Background(), h.owner, &SendRequest{
		Recipient:   to.id,
		ContactData: registry.ContactData{Name: h.id.String()},
		Message:     "hello",
		Circles:     circles,
	})
}

func (h *testHost) accept(from *testHost, circles ...uuid.UUID) error {
	return h.svc.AcceptConnectionRequest(context.Background(), h.owner, &AcceptRequest{
		Sender:      from.id,
		ContactData: registry.ContactData{Name: h.id.String()},
		Circles:     circles,
	})
}

func TestHandshakeWithoutCircles(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))

	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)
	require.Equal(a.id, pending[0].Sender)
	ev, ok := b.event(t).(*notify.ConnectionRequestReceivedEvent)
	require.True(ok)
	require.Equal(a.id, ev.Sender)
	require.True(ev.ReceivedAt.Equal(pending[0].ReceivedAt))

	sent, err := a.svc.SentRequests(a.owner)
	require.NoError(err)
	require.Len(sent, 1)
	require.Equal(b.id, sent[0].Recipient)

	// Nothing is connected before acceptance.
	st, err := a.registry.Status(b.id)
	require.NoError(err)
	require.Equal(registry.None, st)

	require.NoError(b.accept(a))
	require.Equal(&notify.ConnectionAcceptedEvent{Remote: b.id}, a.event(t))

	aICR, err := a.registry.GetConnectionInfo(a.owner, b.id)
	require.NoError(err)
	bICR, err := b.registry.GetConnectionInfo(b.owner, a.id)
	require.NoError(err)
	require.Equal(registry.Connected, aICR.Status)
	require.Equal(registry.Connected, bICR.Status)
	require.Empty(aICR.AccessGrant.CircleGrants)
	require.Empty(bICR.AccessGrant.CircleGrants)
	require.Equal("b.example", aICR.ContactData.Name)
	require.Equal("a.example", bICR.ContactData.Name)

	a.requireNoRecords(t, b.id)
	b.requireNoRecords(t, a.id)

	// Both sides hold the other's token and converge on one shared secret.
	aMK, err := a.owner.MasterKey()
	require.NoError(err)
	aIcrKey, err := a.keychain.IcrKey(aMK)
	require.NoError(err)
	tokFromB, err := a.registry.ClientAccessToken(aIcrKey, b.id)
	require.NoError(err)

	bMK, err := b.owner.MasterKey()
	require.NoError(err)
	bIcrKey, err := b.keychain.IcrKey(bMK)
	require.NoError(err)
	tokFromA, err := b.registry.ClientAccessToken(bIcrKey, a.id)
	require.NoError(err)

	require.True(tokFromA.SharedSecret.Equal(tokFromB.SharedSecret))
	require.Equal(tokFromA.ID, aICR.AccessGrant.AccessRegistration.ID)
	require.Equal(tokFromB.ID, bICR.AccessGrant.AccessRegistration.ID)

	// Each token resolves against the grant the other side holds.
	ss, err := aICR.AccessGrant.AccessRegistration.DecryptSharedSecret(tokFromA)
	require.NoError(err)
	require.True(ss.Equal(tokFromB.SharedSecret))

	// A replayed request to a connected identity is refused up front.
	err = a.send(b)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, ErrAlreadyConnected)
}

func TestHandshakeWithCircles(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	friends := uuid.Must(uuid.NewV4())
	a.circles[friends] = &grant.CircleDefinition{
		ID:          friends,
		Drives:      []grant.DriveRequest{{DriveID: uuid.Must(uuid.NewV4()), Permission: keys.DriveRead}},
		Permissions: keys.NewPermissionSet(keys.PermissionReadCircleMembership),
	}
	require.NoError(a.send(b, friends))
	require.NoError(b.accept(a))

	aICR, err := a.registry.GetConnectionInfo(a.owner, b.id)
	require.NoError(err)
	require.Len(aICR.AccessGrant.CircleGrants, 1)
	require.True(aICR.AccessGrant.InCircle(friends))
	require.Len(aICR.AccessGrant.DriveGrants(), 1)
}

func TestSendValidation(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")
	ctx := context.Background()

	err := a.send(a)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, ErrSelfConnection)

	err = a.svc.SendConnectionRequest(ctx, a.owner, &SendRequest{Recipient: "Not A Host"})
	require.True(fault.Is(err, fault.Client))

	err = a.svc.SendConnectionRequest(ctx, caller.Peer(b.id), &SendRequest{Recipient: b.id})
	require.True(fault.Is(err, fault.Security))

	noKey := a.owner.WithoutMasterKey()
	err = a.svc.SendConnectionRequest(ctx, noKey, &SendRequest{Recipient: b.id})
	require.True(fault.Is(err, fault.Security))

	require.NoError(a.registry.Block(a.owner, b.id))
	err = a.send(b)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, registry.ErrBlocked)

	require.Zero(n.deliveries)
	a.requireNoRecords(t, b.id)
	b.requireNoRecords(t, a.id)
}

func TestSendRetriesWithFreshPublicKey(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	// Prime a's cache, then rotate b's key.
	_, err := a.svc.pubkeys.Get(context.Background(), b.id)
	require.NoError(err)
	require.NoError(b.keychain.Rotate(b.owner))

	require.NoError(a.send(b))
	require.Equal(2, n.deliveries)
	require.Equal(2, n.keyFetches)

	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)
	require.NoError(b.accept(a))
}

func TestSendFailsAfterOneRetry(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	errDown := errors.New("connection refused")
	n.deliverHook = func(int) error { return errDown }
	err := a.send(b)
	require.True(fault.Is(err, fault.Network))
	require.ErrorIs(err, errDown)
	require.Equal(2, n.deliveries)
	a.requireNoRecords(t, b.id)

	// A single transient failure is absorbed.
	n.deliveries = 0
	n.deliverHook = func(attempt int) error {
		if attempt == 0 {
			return errDown
		}
		return nil
	}
	require.NoError(a.send(b))
	require.Equal(2, n.deliveries)
}

func TestSendToBlockingRecipient(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(b.registry.Block(b.owner, a.id))
	err := a.send(b)
	require.True(fault.Is(err, fault.Network))
	require.ErrorIs(err, ErrRejected)
	b.requireNoRecords(t, a.id)
	a.requireNoRecords(t, b.id)
}

func TestEstablishNoPartialTrust(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))
	n.replyTamper = func(env *ReplyEnvelope) *ReplyEnvelope {
		env.Box.Ciphertext[0] ^= 0xff
		return env
	}
	err := b.accept(a)
	require.True(fault.Is(err, fault.Network))
	require.Equal(2, n.establishes)

	// Neither side trusts the other and both records survive.
	for _, h := range []*testHost{a, b} {
		for _, other := range []*testHost{a, b} {
			st, err := h.registry.Status(other.id)
			require.NoError(err)
			require.Equal(registry.None, st)
		}
	}
	sent, err := a.svc.SentRequests(a.owner)
	require.NoError(err)
	require.Len(sent, 1)
	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)

	// The same request can still complete.
	n.replyTamper = nil
	require.NoError(b.accept(a))
	st, err := a.registry.Status(b.id)
	require.NoError(err)
	require.Equal(registry.Connected, st)
}

func TestEstablishRejectsForgedBearer(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")
	require.NoError(a.send(b))

	sent, err := a.svc.SentRequests(a.owner)
	require.NoError(err)
	env := &ReplyEnvelope{Version: WireVersion, RequestID: sent[0].RequestID, Box: &keys.SharedSecretBox{}}

	ksk, err := keys.NewRandomKey()
	require.NoError(err)
	_, forged, err := keys.CreateClientAccessToken(ksk, keys.TokenKindIdentityConnection, nil)
	require.NoError(err)
	bearer, err := forged.ToAuthBytes()
	require.NoError(err)

	err = a.svc.EstablishConnection(context.Background(), caller.Peer(b.id), env, bearer)
	require.True(fault.Is(err, fault.Security))
	require.ErrorIs(err, keys.ErrTokenMismatch)

	err = a.svc.EstablishConnection(context.Background(), caller.Peer(b.id), env, []byte("junk"))
	require.True(fault.Is(err, fault.Security))

	st, err := a.registry.Status(b.id)
	require.NoError(err)
	require.Equal(registry.None, st)
}

func TestEstablishWithoutRequest(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")
	c := n.add(t, "c.example")

	err := a.svc.EstablishConnection(context.Background(), caller.Peer(c.id), &ReplyEnvelope{}, nil)
	require.True(fault.Is(err, fault.Consistency))
	require.ErrorIs(err, ErrRequestNotFound)

	// An abandoned request cannot be completed.
	require.NoError(a.send(b))
	require.NoError(a.svc.DeleteSentRequest(a.owner, b.id))
	err = b.accept(a)
	require.True(fault.Is(err, fault.Network))
	require.ErrorIs(err, ErrRejected)

	st, err := b.registry.Status(a.id)
	require.NoError(err)
	require.Equal(registry.None, st)
	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)

	require.NoError(b.svc.DeletePendingRequest(b.owner, a.id))
	err = b.accept(a)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, ErrNoPendingRequest)
}

func TestSecondRequestSupersedes(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))
	first, err := a.svc.SentRequests(a.owner)
	require.NoError(err)
	require.NoError(a.send(b))
	second, err := a.svc.SentRequests(a.owner)
	require.NoError(err)
	require.Len(second, 1)
	require.NotEqual(first[0].RequestID, second[0].RequestID)

	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)

	require.NoError(b.accept(a))
	st, err := a.registry.Status(b.id)
	require.NoError(err)
	require.Equal(registry.Connected, st)
}

func TestReconnectAfterOneSidedDisconnect(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))
	require.NoError(b.accept(a))
	old, err := b.registry.GetConnectionInfo(b.owner, a.id)
	require.NoError(err)

	// Only a forgets the connection; b still considers it live.
	require.NoError(a.registry.Disconnect(a.owner, b.id))
	require.NoError(a.send(b))
	require.NoError(b.accept(a))

	aICR, err := a.registry.GetConnectionInfo(a.owner, b.id)
	require.NoError(err)
	bICR, err := b.registry.GetConnectionInfo(b.owner, a.id)
	require.NoError(err)
	require.Equal(registry.Connected, aICR.Status)
	require.Equal(registry.Connected, bICR.Status)
	require.NotEqual(old.AccessGrant.AccessRegistration.ID, bICR.AccessGrant.AccessRegistration.ID)

	// The token a now holds is the one b's current grant accepts.
	aMK, err := a.owner.MasterKey()
	require.NoError(err)
	aIcrKey, err := a.keychain.IcrKey(aMK)
	require.NoError(err)
	tokFromB, err := a.registry.ClientAccessToken(aIcrKey, b.id)
	require.NoError(err)
	require.Equal(tokFromB.ID, bICR.AccessGrant.AccessRegistration.ID)
	ksk, err := bICR.AccessGrant.AccessRegistration.KeyStoreKey(tokFromB)
	require.NoError(err)
	ksk.Wipe()

	a.requireNoRecords(t, b.id)
	b.requireNoRecords(t, a.id)
}

func TestMutualRequests(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))
	require.NoError(b.send(a))
	require.NoError(b.accept(a))

	a.requireNoRecords(t, b.id)
	b.requireNoRecords(t, a.id)
	for _, pair := range [][2]*testHost{{a, b}, {b, a}} {
		st, err := pair[0].registry.Status(pair[1].id)
		require.NoError(err)
		require.Equal(registry.Connected, st)
	}
}

func TestAcceptValidatesRequest(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	// No contact data.
	err := a.svc.SendConnectionRequest(context.Background(), a.owner, &SendRequest{Recipient: b.id})
	require.NoError(err)
	err = b.accept(a)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, ErrMissingField)
	require.Zero(n.establishes)

	pending, err := b.svc.PendingRequests(b.owner)
	require.NoError(err)
	require.Len(pending, 1)

	// The key was rotated after the request was received.
	require.NoError(a.send(b))
	require.NoError(b.keychain.Rotate(b.owner))
	err = b.accept(a)
	require.True(fault.Is(err, fault.Client))
	require.ErrorIs(err, keys.ErrStaleKey)
}

func TestReceiveChecks(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	ctx := context.Background()

	resp := a.svc.HandleDeliverConnectionRequest(ctx, caller.Peer(a.id), &RequestEnvelope{})
	require.False(resp.Success)
	require.Equal(CodeBadRequest, resp.Code)

	resp = a.svc.HandleDeliverConnectionRequest(ctx, caller.Peer(identity.MustParse("z.example")), &RequestEnvelope{Version: WireVersion, Box: &keys.SealedBox{}})
	require.False(resp.Success)
	require.Equal(CodePublicKeyInvalid, resp.Code)
	require.Equal("public_key_invalid", resp.Code.String())
}

func TestPairLocksPruned(t *testing.T) {
	require := require.New(t)
	n := newNetwork()
	a := n.add(t, "a.example")
	b := n.add(t, "b.example")

	require.NoError(a.send(b))
	require.NoError(b.accept(a))
	require.Empty(a.svc.pairLocks)
	require.Empty(b.svc.pairLocks)

	var (
		wg      sync.WaitGroup
		inside  int
		overlap bool
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := a.svc.lockPair(b.id)
			defer unlock()
			inside++
			if inside > 1 {
				overlap = true
			}
			time.Sleep(time.Millisecond)
			inside--
		}()
	}
	wg.Wait()
	require.False(overlap)
	require.Empty(a.svc.pairLocks)
}
