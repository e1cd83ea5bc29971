package model

import "github.com/pkg/errors"

// Sentinel error classes, matched with errors.Is. Configuration problems are
// fatal at construction or first use; shape problems are fatal at the call
// that detected them. Neither is ever silently corrected.
var (
	ErrConfiguration = errors.New("invalid configuration")
	ErrShape         = errors.New("shape mismatch")
)
