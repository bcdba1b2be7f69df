package tree

import (
	"fmt"
	"time"

	"github.com/linkedin/goavro/v2"

	"swarmlog/pkg/types"
)

const chunkSchema = `{
	"type": "record",
	"name": "Chunk",
	"namespace": "swarmlog.tree",
	"fields": [
		{"name": "prev", "type": ["null", "string"], "default": null},
		{"name": "count", "type": "long"},
		{"name": "events", "type": {
			"type": "array",
			"items": {
				"type": "record",
				"name": "ChunkEvent",
				"fields": [
					{"name": "lamport", "type": "long"},
					{"name": "time", "type": "long"},
					{"name": "tags", "type": {"type": "array", "items": "string"}},
					{"name": "payload", "type": "bytes"}
				]
			}
		}}
	]
}`

var chunkCodec = mustCodec(chunkSchema)

func mustCodec(schema string) *goavro.Codec {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		panic(fmt.Sprintf("invalid avro schema: %v", err))
	}
	return codec
}

// chunk is one block of the chain. Count is the total number of events up to and
// including this chunk, so the first offset of the chunk is Count-len(Events).
type chunk struct {
	Prev   Link
	Count  uint64
	Events []chunkEvent
}

type chunkEvent struct {
	Lamport types.LamportTimestamp
	Time    time.Time
	Tags    types.TagSet
	Payload []byte
}

func (c *chunk) firstOffset() types.Offset {
	return types.Offset(c.Count - uint64(len(c.Events)))
}

func encodeChunk(c *chunk) ([]byte, error) {
	var prev interface{}
	if !c.Prev.IsZero() {
		prev = goavro.Union("string", c.Prev.String())
	}

	events := make([]interface{}, 0, len(c.Events))
	for _, ev := range c.Events {
		tags := make([]interface{}, 0, len(ev.Tags))
		for _, t := range ev.Tags {
			tags = append(tags, t)
		}
		events = append(events, map[string]interface{}{
			"lamport": int64(ev.Lamport),
			"time":    ev.Time.UnixMicro(),
			"tags":    tags,
			"payload": ev.Payload,
		})
	}

	return chunkCodec.BinaryFromNative(nil, map[string]interface{}{
		"prev":   prev,
		"count":  int64(c.Count),
		"events": events,
	})
}

func decodeChunk(data []byte) (*chunk, error) {
	native, _, err := chunkCodec.NativeFromBinary(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
	}
	rec, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected record %T", ErrCorruptBlock, native)
	}

	var c chunk
	if u, ok := rec["prev"].(map[string]interface{}); ok {
		s, _ := u["string"].(string)
		c.Prev, err = ParseLink(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptBlock, err)
		}
	}

	count, _ := rec["count"].(int64)
	if count < 0 {
		return nil, fmt.Errorf("%w: negative count", ErrCorruptBlock)
	}
	c.Count = uint64(count)

	items, _ := rec["events"].([]interface{})
	c.Events = make([]chunkEvent, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected event %T", ErrCorruptBlock, item)
		}
		lamport, _ := m["lamport"].(int64)
		micros, _ := m["time"].(int64)
		payload, _ := m["payload"].([]byte)
		rawTags, _ := m["tags"].([]interface{})
		tags := make(types.TagSet, 0, len(rawTags))
		for _, t := range rawTags {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		c.Events = append(c.Events, chunkEvent{
			Lamport: types.LamportTimestamp(lamport),
			Time:    time.UnixMicro(micros).UTC(),
			Tags:    tags,
			Payload: payload,
		})
	}
	if uint64(len(c.Events)) > c.Count {
		return nil, fmt.Errorf("%w: count %d below chunk size %d", ErrCorruptBlock, c.Count, len(c.Events))
	}

	return &c, nil
}

// BlockLinks returns the links a tree block refers to.
func BlockLinks(data []byte) ([]Link, error) {
	c, err := decodeChunk(data)
	if err != nil {
		return nil, err
	}
	if c.Prev.IsZero() {
		return nil, nil
	}
	return []Link{c.Prev}, nil
}
