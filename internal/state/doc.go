// Package state provides filesystem-backed storage implementations.
package state

import "github.com/fivehealth/smooch-logs/internal/types"

// Compile-time interface compliance checks.
var _ types.CheckpointStore = (*CheckpointStore)(nil)
var _ types.TokenStore = (*TokenStore)(nil)
