// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// grant.go - Drive, circle and exchange grants.

package keys

import (
	"slices"
	"time"

	"github.com/gofrs/uuid"
)

// DrivePermission is a bit set of operations permitted on a drive.
type DrivePermission uint8

const (
	DriveRead DrivePermission = 1 << iota
	DriveWrite
	DriveReact
	DriveComment
)

// Has returns true if every bit of want is set in p.
func (p DrivePermission) Has(want DrivePermission) bool {
	return p&want == want
}

// Permission is a host level capability.
type Permission uint16

const (
	PermissionReadConnections Permission = iota + 1
	PermissionManageConnections
	PermissionReadConnectionRequests
	PermissionReadCircleMembership
	PermissionSendDataToConnections
	PermissionManageOutbox
)

var permissionNames = map[Permission]string{
	PermissionReadConnections:        "read_connections",
	PermissionManageConnections:      "manage_connections",
	PermissionReadConnectionRequests: "read_connection_requests",
	PermissionReadCircleMembership:   "read_circle_membership",
	PermissionSendDataToConnections:  "send_data_to_connections",
	PermissionManageOutbox:           "manage_outbox",
}

func (p Permission) String() string {
	if s, ok := permissionNames[p]; ok {
		return s
	}
	return "unknown"
}

// AllPermissions returns every known Permission.
func AllPermissions() PermissionSet {
	s := PermissionSet{}
	for p := range permissionNames {
		s = s.With(p)
	}
	return s
}

// PermissionSet is a sorted, duplicate free set of permissions.
type PermissionSet struct {
	Keys []Permission `cbor:"1,keyasint"`
}

// NewPermissionSet builds a set from ps.
func NewPermissionSet(ps ...Permission) PermissionSet {
	s := PermissionSet{}
	for _, p := range ps {
		s = s.With(p)
	}
	return s
}

// Has returns true if p is in the set.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := slices.BinarySearch(s.Keys, p)
	return ok
}

// With returns a copy of the set including p.
func (s PermissionSet) With(p Permission) PermissionSet {
	i, ok := slices.BinarySearch(s.Keys, p)
	if ok {
		return s
	}
	return PermissionSet{Keys: slices.Insert(slices.Clone(s.Keys), i, p)}
}

// Union returns the union of both sets.
func (s PermissionSet) Union(o PermissionSet) PermissionSet {
	for _, p := range o.Keys {
		s = s.With(p)
	}
	return s
}

// Intersect returns the permissions present in both sets.
func (s PermissionSet) Intersect(o PermissionSet) PermissionSet {
	r := PermissionSet{}
	for _, p := range s.Keys {
		if o.Has(p) {
			r = r.With(p)
		}
	}
	return r
}

// Len returns the number of permissions in the set.
func (s PermissionSet) Len() int {
	return len(s.Keys)
}

// DriveGrant grants access to one drive.  The drive storage key is wrapped
// under the grant's Key-Store Key.
type DriveGrant struct {
	DriveID                        uuid.UUID       `cbor:"1,keyasint"`
	Permission                     DrivePermission `cbor:"2,keyasint"`
	KeyStoreKeyEncryptedStorageKey *WrappedKey     `cbor:"3,keyasint"`
}

// CircleGrant is a snapshot of a circle definition taken at grant creation
// time.  Later changes to the circle only apply through an explicit update.
type CircleGrant struct {
	CircleID    uuid.UUID     `cbor:"1,keyasint"`
	DriveGrants []DriveGrant  `cbor:"2,keyasint"`
	Permissions PermissionSet `cbor:"3,keyasint"`
}

// AccessExchangeGrant is everything a remote party was given by this host.
type AccessExchangeGrant struct {
	MasterKeyEncryptedKeyStoreKey *WrappedKey         `cbor:"1,keyasint"`
	IcrKeyEncryptedKeyStoreKey    *WrappedKey         `cbor:"2,keyasint,omitempty"`
	IsRevoked                     bool                `cbor:"3,keyasint"`
	CircleGrants                  []CircleGrant       `cbor:"4,keyasint"`
	AccessRegistration            *AccessRegistration `cbor:"5,keyasint"`
	Created                       time.Time           `cbor:"6,keyasint"`
}

// KeyStoreKey unwraps the grant's Key-Store Key.  The caller must wipe the
// returned key.
func (g *AccessExchangeGrant) KeyStoreKey(masterKey *SymmetricKey) (*SymmetricKey, error) {
	if masterKey == nil {
		return nil, ErrNilKey
	}
	return masterKey.UnwrapKey(g.MasterKeyEncryptedKeyStoreKey)
}

// Revoke flags the grant and its registration as revoked.  Nothing is
// removed so the history of what was granted survives.
func (g *AccessExchangeGrant) Revoke() {
	g.IsRevoked = true
	if g.AccessRegistration != nil {
		g.AccessRegistration.IsRevoked = true
	}
}

// DriveGrants returns every drive grant across all circles.
func (g *AccessExchangeGrant) DriveGrants() []DriveGrant {
	var out []DriveGrant
	for _, cg := range g.CircleGrants {
		out = append(out, cg.DriveGrants...)
	}
	return out
}

// InCircle returns true if the grant includes the given circle.
func (g *AccessExchangeGrant) InCircle(id uuid.UUID) bool {
	for _, cg := range g.CircleGrants {
		if cg.CircleID == id {
			return true
		}
	}
	return false
}
