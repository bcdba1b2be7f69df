package streams

import (
	"encoding/binary"
	"errors"
	"fmt"

	"swarmlog/pkg/types"
)

const (
	aliasPrefix = 'S'
	AliasSize   = 1 + 32 + 8
)

var ErrInvalidAlias = errors.New("invalid stream alias")

// StreamAlias is the fixed width key a stream root is stored under in the block store.
type StreamAlias [AliasSize]byte

func AliasFromStreamID(id types.StreamID) StreamAlias {
	var a StreamAlias
	a[0] = aliasPrefix
	copy(a[1:33], id.Node[:])
	binary.BigEndian.PutUint64(a[33:], uint64(id.Nr))
	return a
}

// ParseStreamAlias only checks the length and the prefix byte.
func ParseStreamAlias(b []byte) (StreamAlias, error) {
	var a StreamAlias
	if len(b) != AliasSize {
		return a, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidAlias, AliasSize, len(b))
	}
	if b[0] != aliasPrefix {
		return a, fmt.Errorf("%w: unexpected prefix %#x", ErrInvalidAlias, b[0])
	}
	copy(a[:], b)
	return a, nil
}

func (a StreamAlias) StreamID() types.StreamID {
	var node types.NodeID
	copy(node[:], a[1:33])
	return node.Stream(types.StreamNr(binary.BigEndian.Uint64(a[33:])))
}

func (a StreamAlias) Bytes() []byte {
	return a[:]
}
