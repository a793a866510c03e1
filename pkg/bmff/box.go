// Package bmff models ISO Base Media File Format (ISOBMFF) boxes as a generic tree.
//
// Only the containers needed to reach protection metadata and sample tables are
// descended into; every other box is kept as an opaque leaf and serialized back
// byte for byte.
package bmff

import "encoding/binary"

var be = binary.BigEndian

// BoxType is a 4-byte box type identifier.
type BoxType [4]byte

func (t BoxType) String() string {
	return string(t[:])
}

// Known box types.
var (
	TypeFtyp = BoxType{'f', 't', 'y', 'p'}
	TypeFree = BoxType{'f', 'r', 'e', 'e'}
	TypeSkip = BoxType{'s', 'k', 'i', 'p'}
	TypeMdat = BoxType{'m', 'd', 'a', 't'}
	TypeMoov = BoxType{'m', 'o', 'o', 'v'}
	TypeMvhd = BoxType{'m', 'v', 'h', 'd'}
	TypePssh = BoxType{'p', 's', 's', 'h'}
	TypeTrak = BoxType{'t', 'r', 'a', 'k'}
	TypeTkhd = BoxType{'t', 'k', 'h', 'd'}
	TypeMdia = BoxType{'m', 'd', 'i', 'a'}
	TypeMdhd = BoxType{'m', 'd', 'h', 'd'}
	TypeHdlr = BoxType{'h', 'd', 'l', 'r'}
	TypeMinf = BoxType{'m', 'i', 'n', 'f'}
	TypeStbl = BoxType{'s', 't', 'b', 'l'}
	TypeStsd = BoxType{'s', 't', 's', 'd'}
	TypeStts = BoxType{'s', 't', 't', 's'}
	TypeStsc = BoxType{'s', 't', 's', 'c'}
	TypeStsz = BoxType{'s', 't', 's', 'z'}
	TypeStz2 = BoxType{'s', 't', 'z', '2'}
	TypeStco = BoxType{'s', 't', 'c', 'o'}
	TypeCo64 = BoxType{'c', 'o', '6', '4'}
	TypeSbgp = BoxType{'s', 'b', 'g', 'p'}
	TypeSgpd = BoxType{'s', 'g', 'p', 'd'}
	TypeSaiz = BoxType{'s', 'a', 'i', 'z'}
	TypeSaio = BoxType{'s', 'a', 'i', 'o'}
	TypeSenc = BoxType{'s', 'e', 'n', 'c'}
	TypeUUID = BoxType{'u', 'u', 'i', 'd'}

	// Fragmented movie boxes
	TypeMvex = BoxType{'m', 'v', 'e', 'x'}
	TypeTrex = BoxType{'t', 'r', 'e', 'x'}
	TypeMoof = BoxType{'m', 'o', 'o', 'f'}
	TypeMfhd = BoxType{'m', 'f', 'h', 'd'}
	TypeTraf = BoxType{'t', 'r', 'a', 'f'}
	TypeTfhd = BoxType{'t', 'f', 'h', 'd'}
	TypeTfdt = BoxType{'t', 'f', 'd', 't'}
	TypeTrun = BoxType{'t', 'r', 'u', 'n'}

	// Protection boxes
	TypeEncv = BoxType{'e', 'n', 'c', 'v'}
	TypeEnca = BoxType{'e', 'n', 'c', 'a'}
	TypeSinf = BoxType{'s', 'i', 'n', 'f'}
	TypeFrma = BoxType{'f', 'r', 'm', 'a'}
	TypeSchm = BoxType{'s', 'c', 'h', 'm'}
	TypeSchi = BoxType{'s', 'c', 'h', 'i'}
	TypeTenc = BoxType{'t', 'e', 'n', 'c'}
)

const (
	headerSize         = 8
	extendedHeaderSize = 16
	maxDepth           = 32
)

// containerPrefix holds, for every box the parser descends into, the number of
// payload bytes that precede its child boxes.
var containerPrefix = map[BoxType]int{
	TypeMoov: 0,
	TypeTrak: 0,
	TypeMdia: 0,
	TypeMinf: 0,
	TypeStbl: 0,
	TypeMvex: 0,
	TypeMoof: 0,
	TypeTraf: 0,
	TypeSinf: 0,
	TypeSchi: 0,
	TypeStsd: 8,  // version/flags + entry_count
	TypeEncv: 78, // VisualSampleEntry fields
	TypeEnca: 28, // AudioSampleEntry fields, extended by the QuickTime sound version
}

// IsContainerBox reports whether the parser descends into boxes of type t.
func IsContainerBox(t BoxType) bool {
	_, ok := containerPrefix[t]
	return ok
}

// prefixLen returns the preamble length of a container given its payload.
func prefixLen(t BoxType, payload []byte) int {
	n := containerPrefix[t]
	if t == TypeEnca && len(payload) >= 10 {
		switch be.Uint16(payload[8:10]) {
		case 1:
			n += 16
		case 2:
			n += 36
		}
	}
	return n
}

// Box is one node of the box tree.
//
// For leaf boxes Payload holds the whole body. For containers Payload holds the
// preamble that precedes the children, Children the parsed child boxes and
// Trailer any bytes after the last child too short to form a box.
type Box struct {
	Type     BoxType
	Offset   int64 // absolute offset of the box header in the parsed buffer, -1 when synthesized
	Extended bool  // header used a 64-bit largesize
	Payload  []byte
	Children []*Box
	Trailer  []byte

	container bool
	hdrLen    int
}

// NewBox creates a leaf box with the given payload.
func NewBox(t BoxType, payload []byte) *Box {
	return &Box{Type: t, Offset: -1, Payload: payload}
}

// IsContainer reports whether the box was parsed (or built) as a container.
func (b *Box) IsContainer() bool { return b.container }

// bodySize returns the number of bytes after the header.
func (b *Box) bodySize() uint64 {
	n := uint64(len(b.Payload)) + uint64(len(b.Trailer))
	for _, c := range b.Children {
		n += c.Size()
	}
	return n
}

// HeaderSize returns the header length used when the box is serialized.
func (b *Box) HeaderSize() int {
	if b.Extended || b.bodySize()+headerSize > uint32Max {
		return extendedHeaderSize
	}
	return headerSize
}

// Size returns the serialized size of the box including its header.
func (b *Box) Size() uint64 {
	return uint64(b.HeaderSize()) + b.bodySize()
}

// DataOffset returns the absolute offset of the first payload byte in the
// parsed buffer.
func (b *Box) DataOffset() int64 {
	if b.hdrLen != 0 {
		return b.Offset + int64(b.hdrLen)
	}
	return b.Offset + int64(b.HeaderSize())
}

// Child returns the first direct child of type t, or nil.
func (b *Box) Child(t BoxType) *Box {
	for _, c := range b.Children {
		if c.Type == t {
			return c
		}
	}
	return nil
}

// ChildrenOf returns all direct children of type t.
func (b *Box) ChildrenOf(t BoxType) []*Box {
	var out []*Box
	for _, c := range b.Children {
		if c.Type == t {
			out = append(out, c)
		}
	}
	return out
}

// Find follows a path of child types from b and returns the box at its end.
func (b *Box) Find(path ...BoxType) *Box {
	cur := b
	for _, t := range path {
		if cur = cur.Child(t); cur == nil {
			return nil
		}
	}
	return cur
}

// RemoveChildren removes the direct children for which drop returns true and
// reports how many bytes the box shrank by.
func (b *Box) RemoveChildren(drop func(*Box) bool) uint64 {
	before := b.Size()
	kept := b.Children[:0]
	for _, c := range b.Children {
		if !drop(c) {
			kept = append(kept, c)
		}
	}
	clear(b.Children[len(kept):])
	b.Children = kept
	return before - b.Size()
}

// Walk calls fn for b and every descendant in depth-first order. Returning
// false from fn skips the descendants of that box.
func (b *Box) Walk(fn func(*Box) bool) {
	if !fn(b) {
		return
	}
	for _, c := range b.Children {
		c.Walk(fn)
	}
}

// Find returns the first top-level box of type t.
func Find(boxes []*Box, t BoxType) *Box {
	for _, b := range boxes {
		if b.Type == t {
			return b
		}
	}
	return nil
}

// FullBox splits the payload of a full box into version, flags and the body
// following them. ok is false when the payload is shorter than 4 bytes.
func FullBox(payload []byte) (version uint8, flags uint32, body []byte, ok bool) {
	if len(payload) < 4 {
		return 0, 0, nil, false
	}
	v := be.Uint32(payload)
	return uint8(v >> 24), v & 0xFFFFFF, payload[4:], true
}
