// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// commands.go - circlehostctl subcommands.

package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
	"github.com/spf13/cobra"

	"github.com/circlehost/circlehost/identity"
	"github.com/circlehost/circlehost/registry"
)

func printFingerprint(cmd *cobra.Command, s *session) error {
	fp, err := s.Keychain.Fingerprint()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "%v %s\n", s.Identity(), hex.EncodeToString(fp[:]))
	return err
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderHeader(false).
		Headers(headers...)
}

func newInitCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the host keys",
		Long: `Creates the host's KEM key pair and ICR key, and the master key file
if it does not exist yet.  Running init on an initialized host only prints
its key fingerprint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(true)
			if err != nil {
				return err
			}
			defer s.Close()
			if err = s.Initialize(s.owner); err != nil {
				return err
			}
			return printFingerprint(cmd, s)
		},
	}
}

func newShowKeyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "show-key",
		Short: "Print the fingerprint of the host's public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			return printFingerprint(cmd, s)
		},
	}
}

func newRotateKeyCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "rotate-key",
		Short: "Replace the host's KEM key pair",
		Long: `Replaces the host's KEM key pair.  Peers holding the old public key
are told to refetch it on their next delivery.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			if err = s.Keychain.Rotate(s.owner); err != nil {
				return err
			}
			return printFingerprint(cmd, s)
		},
	}
}

func newConnectionsCommand(g *globals) *cobra.Command {
	status := registry.Connected.String()
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "List identity connection registrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := registry.ParseStatus(status)
			if err != nil {
				return fmt.Errorf("invalid argument %q for --status", status)
			}
			s, err := g.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			recs, err := s.Registry.List(s.owner, st)
			if err != nil {
				return err
			}
			t := newTable("IDENTITY", "NAME", "CIRCLES", "UPDATED")
			for _, r := range recs {
				circles := 0
				if r.AccessGrant != nil {
					circles = len(r.AccessGrant.CircleGrants)
				}
				t.Row(r.Identity.String(), r.ContactData.Name, strconv.Itoa(circles), r.LastUpdated.Format(time.RFC3339))
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), t.Render())
			return err
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", status, "connection status to list (none, connected, blocked)")
	return cmd
}

func newTransitionCommand(g *globals, use, short string, fn func(*session, identity.Identity) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " IDENTITY",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			s, err := g.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			return fn(s, id)
		},
	}
}

func newOutboxCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List queued deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := g.open(false)
			if err != nil {
				return err
			}
			defer s.Close()
			drives, err := s.Outbox.Drives()
			if err != nil {
				return err
			}
			t := newTable("DRIVE", "FILE", "RECIPIENT", "STATE", "ATTEMPTS", "NEXT")
			for _, d := range drives {
				items, err := s.Outbox.Items(d)
				if err != nil {
					return err
				}
				for _, it := range items {
					t.Row(it.Drive.String(), it.File.String(), it.Recipient.String(), it.State.String(), strconv.Itoa(it.AttemptCount), it.NextAttempt.Format(time.RFC3339))
				}
			}
			awaiting, err := s.Transfer.AwaitingTransferKey()
			if err != nil {
				return err
			}
			if _, err = fmt.Fprintln(cmd.OutOrStdout(), t.Render()); err != nil {
				return err
			}
			if awaiting > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%d recipients awaiting a transfer key.\n", awaiting)
			}
			return nil
		},
	}
}
