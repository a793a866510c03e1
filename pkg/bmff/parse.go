package bmff

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncatedInput is returned when a box declares more bytes than remain.
	ErrTruncatedInput = errors.New("truncated input")
	// ErrInvalidBoxHeader is returned for unusable size fields or non-printable types.
	ErrInvalidBoxHeader = errors.New("invalid box header")
)

// ParseError describes where parsing stopped.
type ParseError struct {
	Err    error   // ErrTruncatedInput or ErrInvalidBoxHeader
	Offset int64   // absolute offset of the offending header
	Type   BoxType // zero when the type could not be read
	Detail string
}

func (e *ParseError) Error() string {
	if e.Type == (BoxType{}) {
		return fmt.Sprintf("bmff: %v at offset %d: %s", e.Err, e.Offset, e.Detail)
	}
	return fmt.Sprintf("bmff: %v at offset %d (%q): %s", e.Err, e.Offset, e.Type.String(), e.Detail)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse decodes buf into its top-level boxes. Payload slices alias buf.
//
// A size field of 0 is resolved to the end of the enclosing range. At top level
// any leftover bytes that cannot hold a header are reported as truncation;
// inside a container they are kept as the container's Trailer.
func Parse(buf []byte) ([]*Box, error) {
	p := parser{buf: buf}
	boxes, _, err := p.parseRange(0, len(buf), true, 0)
	if err != nil {
		return nil, err
	}
	return boxes, nil
}

type parser struct {
	buf []byte
}

func (p *parser) parseRange(start, end int, top bool, depth int) ([]*Box, []byte, error) {
	var boxes []*Box
	pos := start
	for pos < end {
		remaining := end - pos
		if remaining < headerSize {
			if top {
				return nil, nil, &ParseError{Err: ErrTruncatedInput, Offset: int64(pos),
					Detail: fmt.Sprintf("%d trailing bytes cannot hold a box header", remaining)}
			}
			return boxes, p.buf[pos:end], nil
		}

		var typ BoxType
		copy(typ[:], p.buf[pos+4:pos+8])
		if !printable(typ) {
			return nil, nil, &ParseError{Err: ErrInvalidBoxHeader, Offset: int64(pos),
				Detail: fmt.Sprintf("non-printable type % x", typ[:])}
		}

		size := uint64(be.Uint32(p.buf[pos:]))
		hdr := headerSize
		extended := false
		switch {
		case size == 1:
			if remaining < extendedHeaderSize {
				return nil, nil, &ParseError{Err: ErrTruncatedInput, Offset: int64(pos), Type: typ,
					Detail: "largesize field cut short"}
			}
			size = be.Uint64(p.buf[pos+8:])
			hdr = extendedHeaderSize
			extended = true
			if size < extendedHeaderSize {
				return nil, nil, &ParseError{Err: ErrInvalidBoxHeader, Offset: int64(pos), Type: typ,
					Detail: fmt.Sprintf("largesize %d smaller than header", size)}
			}
		case size == 0:
			size = uint64(remaining)
		case size < headerSize:
			return nil, nil, &ParseError{Err: ErrInvalidBoxHeader, Offset: int64(pos), Type: typ,
				Detail: fmt.Sprintf("size %d smaller than header", size)}
		}
		if size > uint64(remaining) {
			return nil, nil, &ParseError{Err: ErrTruncatedInput, Offset: int64(pos), Type: typ,
				Detail: fmt.Sprintf("declared size %d, %d bytes remain", size, remaining)}
		}

		boxEnd := pos + int(size)
		payload := p.buf[pos+hdr : boxEnd]
		box := &Box{Type: typ, Offset: int64(pos), Extended: extended, hdrLen: hdr}

		if IsContainerBox(typ) {
			if depth >= maxDepth {
				return nil, nil, &ParseError{Err: ErrInvalidBoxHeader, Offset: int64(pos), Type: typ,
					Detail: "boxes nested too deeply"}
			}
			n := prefixLen(typ, payload)
			if n > len(payload) {
				return nil, nil, &ParseError{Err: ErrTruncatedInput, Offset: int64(pos), Type: typ,
					Detail: fmt.Sprintf("payload of %d bytes shorter than its %d fixed bytes", len(payload), n)}
			}
			children, trailer, err := p.parseRange(pos+hdr+n, boxEnd, false, depth+1)
			if err != nil {
				return nil, nil, err
			}
			box.container = true
			box.Payload = payload[:n]
			box.Children = children
			box.Trailer = trailer
		} else {
			box.Payload = payload
		}

		boxes = append(boxes, box)
		pos = boxEnd
	}
	return boxes, nil, nil
}

// printable reports whether every byte of t is printable ASCII. 0xA9 is
// accepted for the QuickTime metadata types such as "\xa9nam".
func printable(t BoxType) bool {
	for _, c := range t {
		if (c < 0x20 || c > 0x7E) && c != 0xA9 {
			return false
		}
	}
	return true
}
