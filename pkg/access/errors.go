package access

import (
	"errors"
	"fmt"

	"swarmlog/pkg/types"
)

var ErrUnknownStream = errors.New("unknown stream")

// UnboundedStreamBackError is returned when a backward query names no finite set of streams.
type UnboundedStreamBackError struct {
	Selection EventSelection
}

func (e *UnboundedStreamBackError) Error() string {
	return "cannot stream backwards over an unbounded selection"
}

// UnknownStreamError is returned for a stream that must exist but is neither
// owned by this node nor replicated.
type UnknownStreamError struct {
	Stream types.StreamID
}

func (e *UnknownStreamError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownStream, e.Stream)
}

func (e *UnknownStreamError) Unwrap() error {
	return ErrUnknownStream
}
