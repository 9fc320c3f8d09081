// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// caller.go - Explicit caller context.

// Package caller carries who is invoking a core operation and what they
// may do.  A Context is passed explicitly to every operation; scopes are
// changed by deriving a new value, never by mutating a shared one.
package caller

import (
	"github.com/circlehost/circlehost/fault"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/keys"
)

// Context is an immutable description of the current caller.
type Context struct {
	caller      identity.Identity
	owner       bool
	permissions keys.PermissionSet
	masterKey   *keys.SymmetricKey
}

// Owner returns the context of the authenticated owner of host, holding the
// decrypted master key and every permission.
func Owner(host identity.Identity, masterKey *keys.SymmetricKey) *Context {
	return &Context{
		caller:      host,
		owner:       true,
		permissions: keys.AllPermissions(),
		masterKey:   masterKey,
	}
}

// Client returns the context of an app or device acting on the owner's
// behalf with a restricted permission set.
func Client(host identity.Identity, perms keys.PermissionSet, masterKey *keys.SymmetricKey) *Context {
	return &Context{
		caller:      host,
		permissions: perms,
		masterKey:   masterKey,
	}
}

// Peer returns the context of a remote host whose identity was
// authenticated by the transport.  It holds no permissions and no key.
func Peer(remote identity.Identity) *Context {
	return &Context{caller: remote}
}

// Caller returns the caller's identity.
func (c *Context) Caller() identity.Identity {
	return c.caller
}

// IsOwner returns true for the host owner.
func (c *Context) IsOwner() bool {
	return c.owner
}

// Permissions returns the caller's permissions.
func (c *Context) Permissions() keys.PermissionSet {
	return c.permissions
}

// HasPermission returns true if the caller holds p.
func (c *Context) HasPermission(p keys.Permission) bool {
	return c.owner || c.permissions.Has(p)
}

// AssertPermission fails with a security fault if the caller lacks p.
func (c *Context) AssertPermission(p keys.Permission) error {
	if !c.HasPermission(p) {
		return fault.Securityf("assert_permission", "%s lacks %s", c.caller, p)
	}
	return nil
}

// MasterKey returns the decrypted master key, or a security fault when the
// caller does not hold one.  The key is owned by the session; callers must
// not wipe it.
func (c *Context) MasterKey() (*keys.SymmetricKey, error) {
	if c.masterKey == nil || c.masterKey.IsWiped() {
		return nil, fault.Securityf("master_key", "%s holds no master key", c.caller)
	}
	return c.masterKey, nil
}

// HasMasterKey returns true if MasterKey would succeed.
func (c *Context) HasMasterKey() bool {
	return c.masterKey != nil && !c.masterKey.IsWiped()
}

// Elevate returns a derived context that additionally holds exactly perms.
// The receiver is unchanged, so the elevation ends with the derived value.
func (c *Context) Elevate(perms ...keys.Permission) *Context {
	d := *c
	d.permissions = c.permissions.Union(keys.NewPermissionSet(perms...))
	return &d
}

// Narrow returns a derived context limited to perms.  Owner status is
// dropped.
func (c *Context) Narrow(perms ...keys.Permission) *Context {
	d := *c
	d.owner = false
	d.permissions = c.permissions.Intersect(keys.NewPermissionSet(perms...))
	if c.owner {
		d.permissions = keys.NewPermissionSet(perms...)
	}
	return &d
}

// WithoutMasterKey returns a derived context with no master key.
func (c *Context) WithoutMasterKey() *Context {
	d := *c
	d.masterKey = nil
	return &d
}
