package adapters

import "github.com/tidwall/sjson"

// blockIndexer numbers content blocks the way the client sees them.
//
// Vendors index blocks in generation order, but held tool blocks reach the
// client late or never. Forwarded blocks get the next client index when they
// open; held blocks get one only when replayed, and injected text blocks
// take the next free one. Client indices therefore stay contiguous from 0.
type blockIndexer struct {
	next    int
	visible map[int]int // vendor index -> client index
}

func newBlockIndexer() blockIndexer {
	return blockIndexer{visible: make(map[int]int)}
}

// open maps a vendor block to the next client index, once.
func (b *blockIndexer) open(vendor int) int {
	if ci, ok := b.visible[vendor]; ok {
		return ci
	}
	ci := b.alloc()
	b.visible[vendor] = ci
	return ci
}

func (b *blockIndexer) lookup(vendor int) (int, bool) {
	ci, ok := b.visible[vendor]
	return ci, ok
}

// alloc reserves an index for a block the gateway writes itself.
func (b *blockIndexer) alloc() int {
	ci := b.next
	b.next++
	return ci
}

// reindex rewrites the index at path when it differs from the vendor's.
func reindex(data []byte, path string, vendor, client int) []byte {
	if vendor == client {
		return data
	}
	out, err := sjson.SetBytes(append([]byte(nil), data...), path, client)
	if err != nil {
		return data
	}
	return out
}

// heldBlockEvent is a withheld tool block event awaiting replay.
type heldBlockEvent struct {
	event string
	index int
	data  []byte
}
