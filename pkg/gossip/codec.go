package gossip

import (
	"errors"
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

var ErrMalformedMessage = errors.New("malformed gossip message")

const (
	rootUpdateName = "swarmlog.gossip.RootUpdate"
	rootMapName    = "swarmlog.gossip.RootMap"
)

const messageSchema = `[
	{
		"type": "record",
		"name": "RootUpdate",
		"namespace": "swarmlog.gossip",
		"fields": [
			{"name": "stream", "type": "string"},
			{"name": "root", "type": "string"},
			{"name": "blocks", "type": {"type": "array", "items": {
				"type": "record",
				"name": "BlockEntry",
				"fields": [
					{"name": "cid", "type": "string"},
					{"name": "data", "type": "bytes"}
				]
			}}},
			{"name": "lamport", "type": "long"},
			{"name": "time", "type": "long"},
			{"name": "offset", "type": ["null", "long"], "default": null}
		]
	},
	{
		"type": "record",
		"name": "RootMap",
		"namespace": "swarmlog.gossip",
		"fields": [
			{"name": "entries", "type": {"type": "array", "items": {
				"type": "record",
				"name": "RootMapEntry",
				"fields": [
					{"name": "stream", "type": "string"},
					{"name": "root", "type": "string"},
					{"name": "lamport", "type": "long"},
					{"name": "offset", "type": "long"}
				]
			}}},
			{"name": "lamport", "type": "long"},
			{"name": "time", "type": "long"}
		]
	}
]`

var messageCodec = func() *goavro.Codec {
	codec, err := goavro.NewCodec(messageSchema)
	if err != nil {
		panic(fmt.Sprintf("invalid gossip schema: %v", err))
	}
	return codec
}()

// Message is either a *RootUpdate or a *RootMap.
type Message interface {
	isMessage()
}

// RootUpdate announces a new root of one stream, optionally with the blocks
// needed to reach it.
type RootUpdate struct {
	Stream  types.StreamID
	Root    tree.Link
	Blocks  []tree.Block
	Lamport types.LamportTimestamp
	Time    time.Time
	Offset  *types.Offset
}

// RootMap announces the roots of every stream the sender knows about.
type RootMap struct {
	Entries []RootMapEntry
	Lamport types.LamportTimestamp
	Time    time.Time
}

type RootMapEntry struct {
	Stream  types.StreamID
	Root    tree.Link
	Lamport types.LamportTimestamp
	Offset  types.Offset
}

func (*RootUpdate) isMessage() {}
func (*RootMap) isMessage()    {}

func Encode(msg Message) ([]byte, error) {
	var native interface{}
	switch m := msg.(type) {
	case *RootUpdate:
		blocks := make([]interface{}, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			blocks = append(blocks, map[string]interface{}{
				"cid":  b.Link.String(),
				"data": b.Data,
			})
		}
		var offset interface{}
		if m.Offset != nil {
			offset = goavro.Union("long", int64(*m.Offset))
		}
		native = goavro.Union(rootUpdateName, map[string]interface{}{
			"stream":  m.Stream.String(),
			"root":    m.Root.String(),
			"blocks":  blocks,
			"lamport": int64(m.Lamport),
			"time":    m.Time.UnixMicro(),
			"offset":  offset,
		})
	case *RootMap:
		entries := make([]interface{}, 0, len(m.Entries))
		for _, e := range m.Entries {
			entries = append(entries, map[string]interface{}{
				"stream":  e.Stream.String(),
				"root":    e.Root.String(),
				"lamport": int64(e.Lamport),
				"offset":  int64(e.Offset),
			})
		}
		native = goavro.Union(rootMapName, map[string]interface{}{
			"entries": entries,
			"lamport": int64(m.Lamport),
			"time":    m.Time.UnixMicro(),
		})
	default:
		return nil, fmt.Errorf("unsupported gossip message %T", msg)
	}

	data, err := messageCodec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("encode gossip message: %w", err)
	}
	return data, nil
}

func Decode(data []byte) (Message, error) {
	native, rest, err := messageCodec.NativeFromBinary(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedMessage, len(rest))
	}
	union, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected value %T", ErrMalformedMessage, native)
	}

	if rec, ok := union[rootUpdateName].(map[string]interface{}); ok {
		return decodeRootUpdate(rec)
	}
	if rec, ok := union[rootMapName].(map[string]interface{}); ok {
		return decodeRootMap(rec)
	}
	return nil, fmt.Errorf("%w: unknown message type", ErrMalformedMessage)
}

func decodeRootUpdate(rec map[string]interface{}) (*RootUpdate, error) {
	stream, root, err := decodeStreamRoot(rec)
	if err != nil {
		return nil, err
	}

	u := &RootUpdate{
		Stream:  stream,
		Root:    root,
		Lamport: types.LamportTimestamp(asInt64(rec["lamport"])),
		Time:    time.UnixMicro(asInt64(rec["time"])).UTC(),
	}
	if off, ok := rec["offset"].(map[string]interface{}); ok {
		o := types.Offset(asInt64(off["long"]))
		u.Offset = &o
	}

	items, _ := rec["blocks"].([]interface{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected block %T", ErrMalformedMessage, item)
		}
		s, _ := m["cid"].(string)
		link, err := tree.ParseLink(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		data, _ := m["data"].([]byte)
		u.Blocks = append(u.Blocks, tree.Block{Link: link, Data: data})
	}
	return u, nil
}

func decodeRootMap(rec map[string]interface{}) (*RootMap, error) {
	rm := &RootMap{
		Lamport: types.LamportTimestamp(asInt64(rec["lamport"])),
		Time:    time.UnixMicro(asInt64(rec["time"])).UTC(),
	}
	items, _ := rec["entries"].([]interface{})
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected entry %T", ErrMalformedMessage, item)
		}
		stream, root, err := decodeStreamRoot(m)
		if err != nil {
			return nil, err
		}
		rm.Entries = append(rm.Entries, RootMapEntry{
			Stream:  stream,
			Root:    root,
			Lamport: types.LamportTimestamp(asInt64(m["lamport"])),
			Offset:  types.Offset(asInt64(m["offset"])),
		})
	}
	return rm, nil
}

func decodeStreamRoot(rec map[string]interface{}) (types.StreamID, tree.Link, error) {
	s, _ := rec["stream"].(string)
	stream, err := types.ParseStreamID(s)
	if err != nil {
		return types.StreamID{}, tree.Link{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	r, _ := rec["root"].(string)
	root, err := tree.ParseLink(r)
	if err != nil {
		return types.StreamID{}, tree.Link{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return stream, root, nil
}

func asInt64(v interface{}) int64 {
	n, _ := v.(int64)
	return n
}
