// Package windowid holds the identifier of the current editor window.
//
// Every process gets one identifier at start-up. Lock events carry it so a
// window can tell its own locks apart from locks held by other windows,
// including other windows of the same user.
package windowid

import "github.com/google/uuid"

var current = New()

// Get returns the identifier of this process' window. It never changes.
func Get() string {
	return current
}

// New mints a fresh time-ordered window identifier.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}
