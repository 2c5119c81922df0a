// Package breakpoint maintains the per-process registry of logical
// breakpoints and their activation state.
package breakpoint

import "time"

// Key identifies a breakpoint by function name and label. It stays stable
// across code changes as long as both parts are unchanged.
type Key struct {
	Function string `json:"function"`
	Label    string `json:"label"`
}

// String renders the key for logs.
func (k Key) String() string {
	return k.Function + "/" + k.Label
}

// Breakpoint is a registered entry. Fields are owned by the Registry;
// callers receive copies.
type Breakpoint struct {
	Key          Key       `json:"key"`
	Enabled      bool      `json:"enabled"`
	MaxCaptures  int       `json:"max_captures"`
	CaptureCount int       `json:"capture_count"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// expired reports whether the entry is past its expiry. A zero ExpiresAt
// means no expiration.
func (b *Breakpoint) expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// active reports whether the entry should capture right now. An entry at
// or past its capture ceiling, or past its expiry, is treated as disabled
// regardless of the Enabled flag.
func (b *Breakpoint) active(now time.Time) bool {
	return b.Enabled && b.CaptureCount < b.MaxCaptures && !b.expired(now)
}

// RemoteState is one breakpoint descriptor as delivered by the control
// plane. ExpiresAt zero means the breakpoint does not expire.
type RemoteState struct {
	Function    string    `json:"function"`
	Label       string    `json:"label"`
	Enabled     bool      `json:"enabled"`
	MaxCaptures int       `json:"max_captures"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Key returns the registry key for the descriptor.
func (r RemoteState) Key() Key {
	return Key{Function: r.Function, Label: r.Label}
}
