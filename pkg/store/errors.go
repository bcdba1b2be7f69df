package store

import "errors"

var (
	ErrClosed        = errors.New("store closed")
	ErrEmptyAppend   = errors.New("no events to append")
	ErrStaleRoot     = errors.New("root is not newer than the validated tree")
	ErrInvalidConfig = errors.New("invalid store config")
)
