// Package config loads the TOML configuration shared by the protosync
// commands: bound paths, protocol defaults and endpoints, and the addresses
// of the resource server, broadcast relay and trace collector.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the decoded configuration file.
type Config struct {
	Log       Log        `toml:"log"`
	Server    Server     `toml:"server"`
	Relay     Relay      `toml:"relay"`
	Otel      Otel       `toml:"otel"`
	Protocols []Protocol `toml:"protocol"`
	Bindings  []Binding  `toml:"binding"`
}

type Log struct {
	Level   string `toml:"level"`
	NoColor bool   `toml:"no_color"`
}

type Server struct {
	Addr string `toml:"addr"`
	// RPCTimeoutMS bounds each client call; 0 keeps the transport default.
	RPCTimeoutMS int64 `toml:"rpc_timeout_ms"`
}

// Relay configures the websocket broadcast relay. Addr is where serve
// listens; URL is what sync dials.
type Relay struct {
	Addr string `toml:"addr"`
	URL  string `toml:"url"`
}

type Otel struct {
	Endpoint string `toml:"endpoint"`
	Service  string `toml:"service"`
	Insecure bool   `toml:"insecure"`
}

// Protocol describes one resource protocol. Endpoint is the resource server
// clients reach it at; Defaults is the entity returned for new records.
type Protocol struct {
	Name     string         `toml:"name"`
	Endpoint string         `toml:"endpoint"`
	Defaults map[string]any `toml:"defaults"`
}

// Binding binds a path of the state tree to a protocol.
type Binding struct {
	Path       string `toml:"path"`
	Protocol   string `toml:"protocol"`
	Collection bool   `toml:"collection"`
	AutoSave   bool   `toml:"autosave"`
	// AutoSaveDelayMS > 0 replaces per-edit patches with one debounced
	// full save. Collections ignore it.
	AutoSaveDelayMS int64    `toml:"autosave_delay_ms"`
	Required        []string `toml:"required"`
}

const (
	DefaultServerAddr = ":7400"
	DefaultService    = "protosync"
)

// Delay returns the debounce delay of autosave.
func (b Binding) Delay() time.Duration {
	return time.Duration(b.AutoSaveDelayMS) * time.Millisecond
}

// Validate checks the fields a binding cannot work without.
func (b Binding) Validate() error {
	if strings.TrimSpace(b.Path) == "" {
		return fmt.Errorf("binding missing path")
	}
	if strings.TrimSpace(b.Protocol) == "" {
		return fmt.Errorf("binding %s missing protocol", b.Path)
	}
	if b.AutoSaveDelayMS < 0 {
		return fmt.Errorf("binding %s: negative autosave_delay_ms", b.Path)
	}
	return nil
}

// RPCTimeout returns the configured client call timeout, or 0.
func (s Server) RPCTimeout() time.Duration {
	return time.Duration(s.RPCTimeoutMS) * time.Millisecond
}

// Protocol returns the protocol named name.
func (c Config) Protocol(name string) (Protocol, bool) {
	for _, p := range c.Protocols {
		if p.Name == name {
			return p, true
		}
	}
	return Protocol{}, false
}

// Load reads and validates the file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	defer f.Close()
	cfg, err := Decode(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a configuration, fills defaults and validates it. Unknown
// keys are rejected.
func Decode(r io.Reader) (Config, error) {
	var cfg Config
	meta, err := toml.NewDecoder(r).Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 && !onlyDefaults(undecoded) {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultServerAddr
	}
	if cfg.Otel.Service == "" {
		cfg.Otel.Service = DefaultService
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// onlyDefaults reports whether every undecoded key lives under a protocol's
// free-form defaults table.
func onlyDefaults(keys []toml.Key) bool {
	for _, k := range keys {
		if len(k) < 2 || k[0] != "protocol" || k[1] != "defaults" {
			return false
		}
	}
	return true
}

// Validate checks protocols and bindings for consistency.
func (c Config) Validate() error {
	names := map[string]bool{}
	for i, p := range c.Protocols {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("protocol[%d] missing name", i)
		}
		if names[p.Name] {
			return fmt.Errorf("protocol %s declared twice", p.Name)
		}
		names[p.Name] = true
	}
	paths := map[string]bool{}
	for i, b := range c.Bindings {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("binding[%d] invalid: %w", i, err)
		}
		if paths[b.Path] {
			return fmt.Errorf("path %s bound twice", b.Path)
		}
		paths[b.Path] = true
		if len(names) > 0 && !names[b.Protocol] {
			return fmt.Errorf("binding %s: unknown protocol %s", b.Path, b.Protocol)
		}
	}
	return nil
}
