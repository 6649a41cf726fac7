package blockproc

import "container/list"

// Ref is where a committed block ended up in the output file.
type Ref struct {
	Offset   uint64
	SizeWord uint32 // on-disk size_word: raw size, optionally SIZE_IS_COMPRESSED
}

// blockIndex deduplicates data blocks (full-size blocks and standalone short
// tails) by (uncompressed_size, checksum), the way VariousForks-dedup/writer.go keys
// its `index map[[hasher.Size]byte]int` by content hash. A checksum
// collision alone is not proof of identity, so on a hit the index keeps an
// LRU cache of recent raw payloads and falls back to re-reading the
// previously committed bytes from the sink for a byte-for-byte compare
// before trusting the hit (spec section 4.6's byte-compare-on-hit).
type blockIndex struct {
	byKey       map[indexKey][]Ref // collisions on one key are rare but possible; keep all
	byteCompare bool
	lru         *list.List // of *lruEntry, front = most recently used
	lruByKey    map[indexKey]*list.Element
	lruCapacity int
	readAt      func(p []byte, offset uint64) error
	decompress  func(src []byte) ([]byte, error)
}

type lruEntry struct {
	key indexKey
	ref Ref
	raw []byte
}

func newBlockIndex(byteCompare bool, lruCapacity int, readAt func([]byte, uint64) error, decompress func([]byte) ([]byte, error)) *blockIndex {
	return &blockIndex{
		byKey:       make(map[indexKey][]Ref),
		byteCompare: byteCompare,
		lru:         list.New(),
		lruByKey:    make(map[indexKey]*list.Element),
		lruCapacity: lruCapacity,
		readAt:      readAt,
		decompress:  decompress,
	}
}

// lookup returns an existing Ref for raw's content if one is known, doing a
// byte compare (live LRU copy, or a re-read via readAt) when byteCompare is
// enabled. ok is false when no matching block has been committed yet, or
// every candidate with this key failed the byte compare (a genuine
// checksum collision between distinct payloads).
func (idx *blockIndex) lookup(key indexKey, raw []byte) (Ref, bool) {
	refs := idx.byKey[key]
	if len(refs) == 0 {
		return Ref{}, false
	}
	if !idx.byteCompare {
		return refs[0], true
	}
	for _, ref := range refs {
		if idx.matches(key, ref, raw) {
			return ref, true
		}
	}
	return Ref{}, false
}

// matches re-verifies that ref's on-disk bytes equal raw. A still-cached LRU
// entry is compared directly; on an LRU miss it re-reads exactly the
// on-disk payload length recorded in ref.SizeWord (which may be shorter
// than len(raw) when the block was stored compressed) and decompresses it
// before comparing, rather than comparing compressed bytes against raw
// uncompressed ones.
func (idx *blockIndex) matches(key indexKey, ref Ref, raw []byte) bool {
	if el, ok := idx.lruByKey[key]; ok {
		e := el.Value.(*lruEntry)
		if e.ref == ref {
			idx.lru.MoveToFront(el)
			return bytesEqual(e.raw, raw)
		}
	}
	diskLen := ref.SizeWord &^ sizeWordUncompressedBit
	buf := make([]byte, diskLen)
	if err := idx.readAt(buf, ref.Offset); err != nil {
		return false
	}
	if ref.SizeWord&sizeWordUncompressedBit != 0 {
		return bytesEqual(buf, raw)
	}
	if idx.decompress == nil {
		return false
	}
	decoded, err := idx.decompress(buf)
	if err != nil {
		return false
	}
	return bytesEqual(decoded, raw)
}

// insert records a newly committed block and, when byte-compare-on-hit is
// enabled, caches its raw bytes so the next identical submission can be
// verified without a round trip through the sink.
func (idx *blockIndex) insert(key indexKey, ref Ref, raw []byte) {
	idx.byKey[key] = append(idx.byKey[key], ref)
	if !idx.byteCompare {
		return
	}
	cached := make([]byte, len(raw))
	copy(cached, raw)
	el := idx.lru.PushFront(&lruEntry{key: key, ref: ref, raw: cached})
	idx.lruByKey[key] = el
	for idx.lru.Len() > idx.lruCapacity {
		back := idx.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*lruEntry)
		if idx.lruByKey[e.key] == back {
			delete(idx.lruByKey, e.key)
		}
		idx.lru.Remove(back)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
