// Package config loads the node's TOML configuration.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"ilpnode/internal/connector"
	"ilpnode/internal/ilp"
	"ilpnode/internal/session"
)

const (
	DefaultListenAddr        = "127.0.0.1:7768"
	DefaultBroadcastInterval = 30 * time.Second
	DefaultPruneInterval     = time.Hour
	DefaultStorePath         = "ilpnode-data"
)

type Node struct {
	Address ilp.Address
	Alias   string
	// URL is what other nodes dial to reach this one. Empty means the
	// listener's own quic:// address.
	URL string
}

type Listen struct {
	Addr        string
	MetricsAddr string
	// Insecure skips certificate verification when dialing peers.
	Insecure bool
}

type Timing struct {
	MessageWindow      time.Duration
	MaxHoldTime        time.Duration
	SessionKeyTTL      time.Duration
	RegistrationExpiry time.Duration
	BroadcastInterval  time.Duration
	PruneInterval      time.Duration
}

type Peer struct {
	ID               string
	URL              string
	SettlementScheme string
	// CreditLimit of zero leaves the peer unlimited.
	CreditLimit uint64
}

type Config struct {
	Node      Node
	Listen    Listen
	Timing    Timing
	StorePath string
	Peers     []Peer
}

func Default() Config {
	return Config{
		Listen: Listen{Addr: DefaultListenAddr},
		Timing: Timing{
			MessageWindow:      connector.DefaultMessageWindow,
			MaxHoldTime:        connector.DefaultMaxHoldTime,
			SessionKeyTTL:      session.DefaultKeyTTL,
			RegistrationExpiry: session.DefaultRegistrationExpiry,
			BroadcastInterval:  DefaultBroadcastInterval,
			PruneInterval:      DefaultPruneInterval,
		},
		StorePath: DefaultStorePath,
	}
}

type fileConfig struct {
	Node struct {
		Address string `toml:"address"`
		Alias   string `toml:"alias"`
		URL     string `toml:"url"`
	} `toml:"node"`
	Listen struct {
		Addr        string `toml:"addr"`
		MetricsAddr string `toml:"metrics_addr"`
		Insecure    bool   `toml:"insecure"`
	} `toml:"listen"`
	Timing struct {
		MessageWindow      string `toml:"message_window"`
		MaxHoldTime        string `toml:"max_hold_time"`
		SessionKeyTTL      string `toml:"session_key_ttl"`
		RegistrationExpiry string `toml:"registration_expiry"`
		BroadcastInterval  string `toml:"broadcast_interval"`
		PruneInterval      string `toml:"prune_interval"`
	} `toml:"timing"`
	Store struct {
		Path string `toml:"path"`
	} `toml:"store"`
	Peers []struct {
		ID               string `toml:"id"`
		URL              string `toml:"url"`
		SettlementScheme string `toml:"settlement_scheme"`
		CreditLimit      uint64 `toml:"credit_limit"`
	} `toml:"peers"`
}

// Load reads path over Default and validates the result.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	return fromFile(raw, meta)
}

// Parse is Load for configuration already in memory.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return fromFile(raw, meta)
}

func fromFile(raw fileConfig, meta toml.MetaData) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	cfg := Default()

	cfg.Node.Address = ilp.Address(strings.TrimSpace(raw.Node.Address))
	cfg.Node.Alias = strings.TrimSpace(raw.Node.Alias)
	cfg.Node.URL = strings.TrimSpace(raw.Node.URL)

	if meta.IsDefined("listen", "addr") {
		cfg.Listen.Addr = strings.TrimSpace(raw.Listen.Addr)
	}
	cfg.Listen.MetricsAddr = strings.TrimSpace(raw.Listen.MetricsAddr)
	cfg.Listen.Insecure = raw.Listen.Insecure

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"message_window", raw.Timing.MessageWindow, &cfg.Timing.MessageWindow},
		{"max_hold_time", raw.Timing.MaxHoldTime, &cfg.Timing.MaxHoldTime},
		{"session_key_ttl", raw.Timing.SessionKeyTTL, &cfg.Timing.SessionKeyTTL},
		{"registration_expiry", raw.Timing.RegistrationExpiry, &cfg.Timing.RegistrationExpiry},
		{"broadcast_interval", raw.Timing.BroadcastInterval, &cfg.Timing.BroadcastInterval},
		{"prune_interval", raw.Timing.PruneInterval, &cfg.Timing.PruneInterval},
	}
	for _, d := range durations {
		if !meta.IsDefined("timing", d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse timing.%s: %w", d.key, err)
		}
		*d.dst = v
	}

	if meta.IsDefined("store", "path") {
		cfg.StorePath = strings.TrimSpace(raw.Store.Path)
	}
	for _, p := range raw.Peers {
		cfg.Peers = append(cfg.Peers, Peer{
			ID:               strings.ToLower(strings.TrimSpace(p.ID)),
			URL:              strings.TrimSpace(p.URL),
			SettlementScheme: strings.TrimSpace(p.SettlementScheme),
			CreditLimit:      p.CreditLimit,
		})
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	ErrNoAddress = errors.New("config: node.address is required")
	ErrNoStore   = errors.New("config: store.path is required")
)

// Validate checks values Load cannot express in types.
func (c Config) Validate() error {
	if c.Node.Address == "" {
		return ErrNoAddress
	}
	if !c.Node.Address.Valid() {
		return fmt.Errorf("config: invalid node.address %q", c.Node.Address)
	}
	if c.Listen.Addr == "" {
		return errors.New("config: listen.addr is required")
	}
	if c.StorePath == "" {
		return ErrNoStore
	}
	t := c.Timing
	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"message_window", t.MessageWindow},
		{"max_hold_time", t.MaxHoldTime},
		{"session_key_ttl", t.SessionKeyTTL},
		{"registration_expiry", t.RegistrationExpiry},
		{"broadcast_interval", t.BroadcastInterval},
		{"prune_interval", t.PruneInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("config: timing.%s must be positive, got %s", d.name, d.v)
		}
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if len(p.ID) != 64 {
			return fmt.Errorf("config: peers[%d].id must be a 64 character node id", i)
		}
		if _, err := hex.DecodeString(p.ID); err != nil {
			return fmt.Errorf("config: peers[%d].id: %w", i, err)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate peer %s", p.ID)
		}
		seen[p.ID] = true
		if p.URL == "" {
			return fmt.Errorf("config: peers[%d].url is required", i)
		}
	}
	return nil
}
