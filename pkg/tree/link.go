package tree

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// Link is the content hash of a block: a CIDv1 with raw codec and blake3 multihash.
type Link struct {
	c cid.Cid
}

// Block is a content addressed piece of data.
type Block struct {
	Link Link
	Data []byte
}

func NewBlock(data []byte) Block {
	return Block{Link: LinkFromData(data), Data: data}
}

func LinkFromData(data []byte) Link {
	sum := blake3.Sum256(data)
	hash, err := mh.Encode(sum[:], mh.BLAKE3)
	if err != nil {
		// only fails for unknown codes or oversized digests
		panic(fmt.Sprintf("multihash encode: %v", err))
	}
	return Link{c: cid.NewCidV1(cid.Raw, hash)}
}

func ParseLink(s string) (Link, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return Link{}, fmt.Errorf("%w: %q: %v", ErrInvalidLink, s, err)
	}
	return Link{c: c}, nil
}

func LinkFromCid(c cid.Cid) Link {
	return Link{c: c}
}

func (l Link) Cid() cid.Cid {
	return l.c
}

func (l Link) IsZero() bool {
	return !l.c.Defined()
}

func (l Link) String() string {
	if l.IsZero() {
		return ""
	}
	return l.c.String()
}

// Verify reports whether data hashes to l.
func (l Link) Verify(data []byte) bool {
	return !l.IsZero() && LinkFromData(data) == l
}

func (l Link) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Link) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*l = Link{}
		return nil
	}
	parsed, err := ParseLink(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
