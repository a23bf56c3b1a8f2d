// This file re-exports config types from internal/config for public API.
package cli

import (
	"github.com/zot/chatops/internal/config"
)

// Re-export config types for public API
type (
	Config          = config.Config
	TransportConfig = config.TransportConfig
	StoreConfig     = config.StoreConfig
	LuaConfig       = config.LuaConfig
	MCPConfig       = config.MCPConfig
	LoggingConfig   = config.LoggingConfig
	Duration        = config.Duration
)

// Re-export config functions for public API
var (
	DefaultConfig = config.DefaultConfig
	Load          = config.Load
	LoadArgs      = config.LoadArgs
)
