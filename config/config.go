// SPDX-FileCopyrightText: © 2026 Circlehost Authors
// SPDX-License-Identifier: AGPL-3.0-only
//
// config.go - Identity host configuration.

// Package config provides the identity host configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/circlehost/circlehost/core/retry"
	"github.com/circlehost/circlehost/identity"
)

const (
	defaultLogLevel         = "NOTICE"
	defaultKEMScheme        = "x25519"
	defaultStoreDB          = "host.db"
	defaultOutboxDB         = "outbox.db"
	defaultSystemSecretFile = "system.secret"
	defaultBatchSize        = 10
	defaultProcessInterval  = 30 * 1000     // 30 sec.
	defaultLeaseDuration    = 5 * 60 * 1000 // 5 min.
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Host is the identity host configuration.
type Host struct {
	// Identity is the domain name identifying the host.
	Identity string

	// DataDir is the absolute path to the host's state files.
	DataDir string

	// KEMScheme is the hpqc KEM scheme of the host key pair.
	KEMScheme string

	// SystemSecretFile holds the secret the system key is stretched from.
	// If left empty it will use `system.secret` under the DataDir.
	SystemSecretFile string
}

func (hCfg *Host) applyDefaults() {
	if hCfg.KEMScheme == "" {
		hCfg.KEMScheme = defaultKEMScheme
	}
	if hCfg.SystemSecretFile == "" && hCfg.DataDir != "" {
		hCfg.SystemSecretFile = filepath.Join(hCfg.DataDir, defaultSystemSecretFile)
	}
}

func (hCfg *Host) validate() error {
	id, err := identity.Parse(hCfg.Identity)
	if err != nil {
		return fmt.Errorf("config: Host: Identity '%v' is invalid: %v", hCfg.Identity, err)
	}
	hCfg.Identity = id.String()
	if !filepath.IsAbs(hCfg.DataDir) {
		return fmt.Errorf("config: Host: DataDir '%v' is not an absolute path", hCfg.DataDir)
	}
	if !filepath.IsAbs(hCfg.SystemSecretFile) {
		return fmt.Errorf("config: Host: SystemSecretFile '%v' is not an absolute path", hCfg.SystemSecretFile)
	}
	return nil
}

// StoreDB returns the path of the host's key/value store.
func (hCfg *Host) StoreDB() string {
	return filepath.Join(hCfg.DataDir, defaultStoreDB)
}

// OutboxDB returns the path of the peer outbox.
func (hCfg *Host) OutboxDB() string {
	return filepath.Join(hCfg.DataDir, defaultOutboxDB)
}

// Logging is the identity host logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Outbox is the peer outbox configuration.  Times are in milliseconds.
type Outbox struct {
	// BatchSize is the maximum number of items of one drive delivered in
	// parallel.
	BatchSize int

	// ProcessInterval is the interval between background outbox passes.
	ProcessInterval int

	// InstantDistribution wakes the outbox worker as soon as a file is
	// queued instead of waiting for the next pass.
	InstantDistribution bool

	// MaxAttempts is the number of attempts before an item is dropped.
	MaxAttempts int

	// LeaseDuration is how long a claimed item stays in flight before
	// another pass may claim it again.
	LeaseDuration int

	// RetryBaseDelay and RetryMaxDelay bound the backoff between attempts.
	RetryBaseDelay int
	RetryMaxDelay  int
}

func (oCfg *Outbox) applyDefaults() {
	if oCfg.BatchSize <= 0 {
		oCfg.BatchSize = defaultBatchSize
	}
	if oCfg.ProcessInterval <= 0 {
		oCfg.ProcessInterval = defaultProcessInterval
	}
	if oCfg.MaxAttempts <= 0 {
		oCfg.MaxAttempts = retry.DefaultMaxAttempts
	}
	if oCfg.LeaseDuration <= 0 {
		oCfg.LeaseDuration = defaultLeaseDuration
	}
	if oCfg.RetryBaseDelay <= 0 {
		oCfg.RetryBaseDelay = int(retry.DefaultBaseDelay / time.Millisecond)
	}
	if oCfg.RetryMaxDelay <= 0 {
		oCfg.RetryMaxDelay = int(retry.DefaultMaxDelay / time.Millisecond)
	}
}

func (oCfg *Outbox) validate() error {
	if oCfg.RetryMaxDelay < oCfg.RetryBaseDelay {
		return fmt.Errorf("config: Outbox: RetryMaxDelay %d is below RetryBaseDelay %d", oCfg.RetryMaxDelay, oCfg.RetryBaseDelay)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// ProcessIntervalDuration returns ProcessInterval as a time.Duration.
func (oCfg *Outbox) ProcessIntervalDuration() time.Duration { return ms(oCfg.ProcessInterval) }

// LeaseDurationDuration returns LeaseDuration as a time.Duration.
func (oCfg *Outbox) LeaseDurationDuration() time.Duration { return ms(oCfg.LeaseDuration) }

// RetryBaseDelayDuration returns RetryBaseDelay as a time.Duration.
func (oCfg *Outbox) RetryBaseDelayDuration() time.Duration { return ms(oCfg.RetryBaseDelay) }

// RetryMaxDelayDuration returns RetryMaxDelay as a time.Duration.
func (oCfg *Outbox) RetryMaxDelayDuration() time.Duration { return ms(oCfg.RetryMaxDelay) }

// Metrics is the prometheus configuration.
type Metrics struct {
	// Address is the listen address of the /metrics endpoint.  Metrics are
	// not served if it is empty.
	Address string
}

// Config is the top level identity host configuration.
type Config struct {
	Host    *Host
	Logging *Logging
	Outbox  *Outbox
	Metrics *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Host section is mandatory, everything else is optional.
	if cfg.Host == nil {
		return errors.New("config: No Host block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Outbox == nil {
		cfg.Outbox = &Outbox{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Host.applyDefaults()
	if err := cfg.Host.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	cfg.Outbox.applyDefaults()
	return cfg.Outbox.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
