// Package cli provides the command-line interface for luadbg.
// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/luadbg/internal/config"
)

// Re-export config types for public API
type (
	Config        = config.Config
	IDEConfig     = config.IDEConfig
	ChannelConfig = config.ChannelConfig
	StreamConfig  = config.StreamConfig
	DebugConfig   = config.DebugConfig
	StorageConfig = config.StorageConfig
	LoggingConfig = config.LoggingConfig
	Duration      = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	LoadConfig    = config.Load
)
