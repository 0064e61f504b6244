package lsm

import "github.com/pkg/errors"

var (
	ErrNotFound       = errors.New("lsm: key not found")
	ErrClosed         = errors.New("lsm: closed")
	ErrCorruption     = errors.New("lsm: corruption")
	ErrEmptyKey       = errors.New("lsm: empty key")
	ErrUnsorted       = errors.New("lsm: keys not in ascending order")
	ErrInvalidOptions = errors.New("lsm: invalid options")
	ErrTooLarge       = errors.New("lsm: entry too large")
)
