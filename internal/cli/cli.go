// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// cli.go - Shared command line helpers.

// Package cli provides the execution wrapper shared by circlehost commands.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/lipgloss/v2"
	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

// Execute runs cmd through fang and exits non-zero on failure.
func Execute(cmd *cobra.Command) {
	if err := fang.Execute(
		context.Background(),
		cmd,
		fang.WithVersion(versioninfo.Short()),
		fang.WithErrorHandler(ErrorHandler(cmd)),
	); err != nil {
		os.Exit(1)
	}
}

// usagePrefixes mark errors raised by cobra or by argument parsing.
var usagePrefixes = []string{
	"flag needs an argument:",
	"unknown flag:",
	"unknown shorthand flag:",
	"unknown command",
	"invalid argument",
	"invalid domain name",
	"required flag",
	"accepts",
	"arg(s), received",
	"failed to load config file",
	"config file must be specified",
}

// ErrorHandler prints err, followed by the usage of cmd when err came from
// bad arguments.
func ErrorHandler(cmd *cobra.Command) fang.ErrorHandler {
	return func(w io.Writer, styles fang.Styles, err error) {
		_, _ = fmt.Fprintln(w, styles.ErrorHeader.String())
		_, _ = fmt.Fprintln(w, styles.ErrorText.Render(err.Error()+"."))
		_, _ = fmt.Fprintln(w)

		if !IsUsageError(err) {
			hint(w, styles)
			return
		}
		if helpFunc := cmd.HelpFunc(); helpFunc != nil {
			_ = colorprofile.NewWriter(w, nil)
			helpFunc(cmd, nil)
		}
	}
}

func hint(w io.Writer, styles fang.Styles) {
	text := styles.ErrorText.UnsetWidth()
	_, _ = fmt.Fprintln(w, lipgloss.JoinHorizontal(
		lipgloss.Left,
		text.Render("Try"),
		styles.Program.Flag.Render("--help"),
		text.UnsetMargins().UnsetTransform().PaddingLeft(1).Render("for usage."),
	))
	_, _ = fmt.Fprintln(w)
}

// IsUsageError returns true for errors caused by command line misuse.
func IsUsageError(err error) bool {
	s := err.Error()
	for _, p := range usagePrefixes {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
