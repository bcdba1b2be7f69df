package tree

import "errors"

var (
	ErrInvalidLink     = errors.New("invalid link")
	ErrBlockNotFound   = errors.New("block not found")
	ErrCorruptBlock    = errors.New("corrupt block")
	ErrInvalidTree     = errors.New("invalid tree")
	ErrEventOutOfOrder = errors.New("event out of order")
)
