// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// outbox.go - BoltDB backed peer outbox.

// Package outbox implements the durable queue of pending peer transfers,
// keyed by (drive, recipient, file).  Producers append concurrently; a
// batch claim hands each item to at most one consumer until it is marked
// or its lease expires.
package outbox

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/circlehost/circlehost/core/log"
	"github.com/circlehost/circlehost/core/retry"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/instrument"
)

const (
	metadataBucket = "metadata"
	versionKey     = "version"
	itemsBucket    = "items"
	version        = 0
)

var (
	// ErrNotFound is returned for a missing item.
	ErrNotFound = errors.New("outbox: item not found")

	// ErrStaleMarker is returned when marking an item whose claim was
	// superseded, either by a newer Add or by a re-claim after the lease
	// expired.
	ErrStaleMarker = errors.New("outbox: stale claim marker")

	// ErrInvalidItem is returned when adding an incomplete item.
	ErrInvalidItem = errors.New("outbox: invalid item")

	// ErrClaimed is returned when claiming an item already in flight.
	ErrClaimed = errors.New("outbox: item already claimed")
)

// State is the lifecycle state of an Item.
type State uint8

const (
	Pending State = iota
	InFlight
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in_flight"
	default:
		return fmt.Sprintf("[invalid state: %d]", s)
	}
}

// Item is one pending delivery of one file to one recipient.
type Item struct {
	Drive     uuid.UUID         `cbor:"1,keyasint"`
	Recipient identity.Identity `cbor:"2,keyasint"`
	File      uuid.UUID         `cbor:"3,keyasint"`

	// Instructions is the serialized transfer instruction set.
	Instructions []byte `cbor:"4,keyasint,omitempty"`

	// EncryptedClientAccessToken is the recipient's token sealed under
	// the system key.
	EncryptedClientAccessToken []byte `cbor:"5,keyasint"`

	// Options are the original transfer options, opaque to the outbox.
	Options []byte `cbor:"6,keyasint,omitempty"`

	AttemptCount int       `cbor:"7,keyasint"`
	AddedAt      time.Time `cbor:"8,keyasint"`
	NextAttempt  time.Time `cbor:"9,keyasint"`
	State        State     `cbor:"10,keyasint"`
	Marker       uuid.UUID `cbor:"11,keyasint"`
	ClaimedUntil time.Time `cbor:"12,keyasint"`
}

func (it *Item) key() []byte {
	k := make([]byte, 0, len(it.Recipient)+1+uuid.Size)
	k = append(k, string(it.Recipient)...)
	k = append(k, 0)
	return append(k, it.File.Bytes()...)
}

func (it *Item) String() string {
	return fmt.Sprintf("%v/%v->%v", it.Drive, it.File, it.Recipient)
}

// Config tunes the outbox retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = retry.DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = retry.DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = retry.DefaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
}

// Outbox is a bbolt backed peer outbox.
type Outbox struct {
	log *logging.Logger
	db  *bolt.DB
	cfg Config
	now func() time.Time
}

var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

func putItem(bkt *bolt.Bucket, it *Item) error {
	b, err := encMode.Marshal(it)
	if err != nil {
		return err
	}
	return bkt.Put(it.key(), b)
}

func getItem(b []byte) (*Item, error) {
	it := new(Item)
	if err := cbor.Unmarshal(b, it); err != nil {
		return nil, err
	}
	return it, nil
}

func driveBucket(tx *bolt.Tx, drive uuid.UUID, create bool) (*bolt.Bucket, error) {
	items := tx.Bucket([]byte(itemsBucket))
	if create {
		return items.CreateBucketIfNotExists(drive.Bytes())
	}
	return items.Bucket(drive.Bytes()), nil
}

// Add enqueues it, superseding any item for the same (drive, recipient,
// file).
func (o *Outbox) Add(it *Item) error {
	if it.Drive == uuid.Nil || it.File == uuid.Nil || it.Recipient.IsZero() {
		return ErrInvalidItem
	}
	now := o.now()
	it.State = Pending
	it.Marker = uuid.Nil
	it.ClaimedUntil = time.Time{}
	it.AttemptCount = 0
	it.AddedAt = now
	if it.NextAttempt.IsZero() {
		it.NextAttempt = now
	}
	err := o.db.Update(func(tx *bolt.Tx) error {
		bkt, err := driveBucket(tx, it.Drive, true)
		if err != nil {
			return err
		}
		return putItem(bkt, it)
	})
	if err != nil {
		return err
	}
	instrument.OutboxEnqueued(1)
	o.log.Debugf("Add(): %v", it)
	return nil
}

// Claim hands out up to n items of drive that are due, marking them in
// flight until lease elapses.  Items whose lease expired are claimable
// again.
func (o *Outbox) Claim(drive uuid.UUID, n int, lease time.Duration) ([]*Item, error) {
	var out []*Item
	now := o.now()
	err := o.db.Update(func(tx *bolt.Tx) error {
		bkt, err := driveBucket(tx, drive, false)
		if err != nil || bkt == nil {
			return err
		}
		var (
			claimed []*Item
			corrupt [][]byte
		)
		cur := bkt.Cursor()
		for k, v := cur.First(); k != nil && len(claimed) < n; k, v = cur.Next() {
			it, err := getItem(v)
			if err != nil {
				o.log.Errorf("Claim(): dropping undecodable item %x: %v", k, err)
				corrupt = append(corrupt, bytes.Clone(k))
				continue
			}
			switch it.State {
			case Pending:
				if it.NextAttempt.After(now) {
					continue
				}
			case InFlight:
				if it.ClaimedUntil.After(now) {
					continue
				}
				o.log.Warningf("Claim(): reclaiming %v after expired lease.", it)
			}
			if err = o.claim(it, now, lease); err != nil {
				return err
			}
			claimed = append(claimed, it)
		}
		// Writes happen after iteration so the cursor stays valid.
		for _, k := range corrupt {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		for _, it := range claimed {
			if err := putItem(bkt, it); err != nil {
				return err
			}
		}
		out = claimed
		return nil
	})
	return out, err
}

func (o *Outbox) claim(it *Item, now time.Time, lease time.Duration) (err error) {
	if it.Marker, err = uuid.NewV4(); err != nil {
		return err
	}
	it.State = InFlight
	it.ClaimedUntil = now.Add(lease)
	return nil
}

// ClaimItem claims one item regardless of its next attempt time, for a
// delivery the sender waits on.
func (o *Outbox) ClaimItem(drive uuid.UUID, recipient identity.Identity, file uuid.UUID, lease time.Duration) (*Item, error) {
	var it *Item
	now := o.now()
	err := o.db.Update(func(tx *bolt.Tx) error {
		bkt, err := driveBucket(tx, drive, false)
		if err != nil {
			return err
		}
		if bkt == nil {
			return ErrNotFound
		}
		k := (&Item{Recipient: recipient, File: file}).key()
		b := bkt.Get(k)
		if b == nil {
			return ErrNotFound
		}
		if it, err = getItem(b); err != nil {
			return err
		}
		if it.State == InFlight && it.ClaimedUntil.After(now) {
			return ErrClaimed
		}
		if err = o.claim(it, now, lease); err != nil {
			return err
		}
		return putItem(bkt, it)
	})
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (o *Outbox) current(bkt *bolt.Bucket, it *Item) (*Item, error) {
	if bkt == nil {
		return nil, ErrNotFound
	}
	b := bkt.Get(it.key())
	if b == nil {
		return nil, ErrNotFound
	}
	cur, err := getItem(b)
	if err != nil {
		return nil, err
	}
	if cur.State != InFlight || cur.Marker != it.Marker {
		return nil, ErrStaleMarker
	}
	return cur, nil
}

// MarkComplete removes a delivered item.
func (o *Outbox) MarkComplete(it *Item) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		bkt, err := driveBucket(tx, it.Drive, false)
		if err != nil {
			return err
		}
		if _, err = o.current(bkt, it); err != nil {
			return err
		}
		return bkt.Delete(it.key())
	})
}

// MarkFailure records a failed delivery.  A retryable failure requeues
// the item with backoff until the attempt cap is reached; anything else
// drops it.  dropped reports whether the item left the queue.
func (o *Outbox) MarkFailure(it *Item, retryable bool) (dropped bool, err error) {
	err = o.db.Update(func(tx *bolt.Tx) error {
		bkt, err := driveBucket(tx, it.Drive, false)
		if err != nil {
			return err
		}
		cur, err := o.current(bkt, it)
		if err != nil {
			return err
		}
		cur.AttemptCount++
		it.AttemptCount = cur.AttemptCount
		if !retryable || cur.AttemptCount >= o.cfg.MaxAttempts {
			dropped = true
			return bkt.Delete(it.key())
		}
		cur.State = Pending
		cur.Marker = uuid.Nil
		cur.ClaimedUntil = time.Time{}
		cur.NextAttempt = o.now().Add(retry.Delay(o.cfg.BaseDelay, o.cfg.MaxDelay, o.cfg.Jitter, cur.AttemptCount-1))
		it.NextAttempt = cur.NextAttempt
		return putItem(bkt, cur)
	})
	return
}

// Get returns the item for (drive, recipient, file).
func (o *Outbox) Get(drive uuid.UUID, recipient identity.Identity, file uuid.UUID) (*Item, error) {
	var it *Item
	err := o.db.View(func(tx *bolt.Tx) error {
		bkt, _ := driveBucket(tx, drive, false)
		if bkt == nil {
			return ErrNotFound
		}
		b := bkt.Get((&Item{Recipient: recipient, File: file}).key())
		if b == nil {
			return ErrNotFound
		}
		var err error
		it, err = getItem(b)
		return err
	})
	return it, err
}

// Items returns every item queued for drive.
func (o *Outbox) Items(drive uuid.UUID) ([]*Item, error) {
	var out []*Item
	err := o.db.View(func(tx *bolt.Tx) error {
		bkt, _ := driveBucket(tx, drive, false)
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(_, v []byte) error {
			it, err := getItem(v)
			if err != nil {
				return err
			}
			out = append(out, it)
			return nil
		})
	})
	return out, err
}

// Count returns the number of items queued for drive.
func (o *Outbox) Count(drive uuid.UUID) (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		bkt, _ := driveBucket(tx, drive, false)
		if bkt != nil {
			n = bkt.Stats().KeyN
		}
		return nil
	})
	return n, err
}

// Drives returns every drive with a bucket in the outbox.
func (o *Outbox) Drives() ([]uuid.UUID, error) {
	var out []uuid.UUID
	err := o.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(itemsBucket)).ForEach(func(k, v []byte) error {
			if v != nil {
				return nil
			}
			id, err := uuid.FromBytes(k)
			if err != nil {
				return err
			}
			out = append(out, id)
			return nil
		})
	})
	return out, err
}

// Close syncs and closes the outbox.
func (o *Outbox) Close() error {
	o.db.Sync()
	return o.db.Close()
}

// New creates (or loads) an outbox with the given file name f.
func New(logBackend *log.Backend, f string, cfg Config) (*Outbox, error) {
	cfg.applyDefaults()
	db, err := bolt.Open(f, 0600, nil)
	if err != nil {
		return nil, err
	}
	o := &Outbox{
		log: logBackend.GetLogger("outbox"),
		db:  db,
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	if err = db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err = tx.CreateBucketIfNotExists([]byte(itemsBucket)); err != nil {
			return err
		}
		if b := bkt.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != version {
				return fmt.Errorf("outbox: incompatible version: %x", b)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{version})
	}); err != nil {
		db.Close()
		return nil, err
	}
	return o, nil
}
