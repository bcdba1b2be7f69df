package blockstore

import (
	"errors"

	"swarmlog/pkg/tree"
)

var (
	// ErrNotFound matches tree.ErrBlockNotFound so the forest can report missing blocks.
	ErrNotFound     = tree.ErrBlockNotFound
	ErrHashMismatch = errors.New("block data does not match its link")
	ErrUnknownPin   = errors.New("unknown temp pin")
)
