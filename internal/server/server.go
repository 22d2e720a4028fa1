// Package server provides a factory for creating the stream service.
package server

import (
	"fmt"

	"github.com/txn2/mcp-streampay/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// Overrides are command line values that replace config file settings when
// set.
type Overrides struct {
	Transport string
	Address   string
	Simulate  bool
}

// Apply writes the set overrides into cfg.
func (o Overrides) Apply(cfg *platform.Config) {
	if o.Transport != "" {
		cfg.Server.Transport = o.Transport
	}
	if o.Address != "" {
		cfg.Server.Address = o.Address
	}
	if o.Simulate {
		cfg.Chain.Simulate = true
	}
}

// New creates a platform from cfg. A version left at its default is
// replaced with the build version.
func New(cfg *platform.Config, opts ...platform.Option) (*platform.Platform, error) {
	if cfg.Server.Version == "" || cfg.Server.Version == "1.0.0" {
		cfg.Server.Version = Version
	}
	p, err := platform.New(append([]platform.Option{platform.WithConfig(cfg)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating platform: %w", err)
	}
	return p, nil
}

// NewWithConfig loads the config file at path, applies overrides and creates
// a platform from it.
func NewWithConfig(path string, o Overrides, opts ...platform.Option) (*platform.Platform, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	o.Apply(cfg)
	return New(cfg, opts...)
}
