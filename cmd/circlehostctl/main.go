// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// main.go - Identity host administration tool.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/katzenpost/hpqc/rand"
	"github.com/spf13/cobra"

	"github.com/circlehost/circlehost/caller"
	"github.com/circlehost/circlehost/config"
	"github.com/circlehost/circlehost/host"
	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/internal/cli"
	"github.com/circlehost/circlehost/keys"
)

type globals struct {
	configFile    string
	masterKeyFile string
}

// session is an opened host with the owner's master key.
type session struct {
	*host.Host
	masterKey *keys.SymmetricKey
	owner     *caller.Context
}

func (s *session) Close() {
	s.Shutdown()
	s.masterKey.Wipe()
}

func (g *globals) open(create bool) (*session, error) {
	if g.configFile == "" {
		return nil, errors.New("config file must be specified")
	}
	cfg, err := config.LoadFile(g.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file '%v': %v", g.configFile, err)
	}
	mk, err := g.masterKey(create)
	if err != nil {
		return nil, err
	}
	// Offline administration has no peers and no drive storage.
	h, err := host.New(cfg, &host.Collaborators{})
	if err != nil {
		mk.Wipe()
		return nil, err
	}
	return &session{
		Host:      h,
		masterKey: mk,
		owner:     caller.Owner(h.Identity(), mk),
	}, nil
}

func (g *globals) masterKey(create bool) (*keys.SymmetricKey, error) {
	if g.masterKeyFile == "" {
		return nil, errors.New("required flag \"master-key\" not set")
	}
	b, err := os.ReadFile(g.masterKeyFile)
	if errors.Is(err, os.ErrNotExist) && create {
		b = make([]byte, keys.KeySize)
		if _, err = io.ReadFull(rand.Reader, b); err != nil {
			return nil, err
		}
		err = os.WriteFile(g.masterKeyFile, b, 0600)
	}
	if err != nil {
		return nil, err
	}
	defer clear(b)
	return keys.NewKeyFromBytes(b)
}

func newRootCommand() *cobra.Command {
	g := new(globals)
	cmd := &cobra.Command{
		Use:   "circlehostctl",
		Short: "Circlehost identity host administration",
		Long: `circlehostctl administers the local state of a circlehost identity host:
its long term keys, its identity connection registrations and its transit
outbox.  It operates on the host's data directory directly and must not
run while the host itself is running.`,
		Example: `  # Create the host keys and a new master key
  circlehostctl init -f /etc/circlehost/host.toml -k /etc/circlehost/master.key

  # List connected identities
  circlehostctl connections -f host.toml -k master.key

  # Show queued deliveries
  circlehostctl outbox -f host.toml -k master.key`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&g.configFile, "config", "f", "host.toml",
		"path to the host configuration file (TOML format)")
	cmd.PersistentFlags().StringVarP(&g.masterKeyFile, "master-key", "k", "",
		"path to the owner's master key")

	cmd.AddCommand(
		newInitCommand(g),
		newShowKeyCommand(g),
		newRotateKeyCommand(g),
		newConnectionsCommand(g),
		newTransitionCommand(g, "block", "Block an identity", func(s *session, id identity.Identity) error {
			return s.Registry.Block(s.owner, id)
		}),
		newTransitionCommand(g, "unblock", "Unblock an identity", func(s *session, id identity.Identity) error {
			return s.Registry.Unblock(s.owner, id)
		}),
		newTransitionCommand(g, "disconnect", "Disconnect from an identity and revoke its grant", func(s *session, id identity.Identity) error {
			return s.Registry.Disconnect(s.owner, id)
		}),
		newOutboxCommand(g),
	)
	return cmd
}

func main() {
	cli.Execute(newRootCommand())
}
