package bmff

// writerFrame tracks the start offset of a box for size backpatching.
type writerFrame struct {
	offset int
}

// Writer encodes ISOBMFF boxes into a growing byte buffer.
type Writer struct {
	buf   []byte
	stack [maxDepth]writerFrame
	depth int
}

// NewWriter creates a Writer that appends to buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

// Bytes returns the written data.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Write appends raw bytes. Implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// PutUint8 appends a single byte.
func (w *Writer) PutUint8(v byte) { w.buf = append(w.buf, v) }

// PutUint16 appends a big-endian uint16.
func (w *Writer) PutUint16(v uint16) { w.buf = be.AppendUint16(w.buf, v) }

// PutUint32 appends a big-endian uint32.
func (w *Writer) PutUint32(v uint32) { w.buf = be.AppendUint32(w.buf, v) }

// PutUint64 appends a big-endian uint64.
func (w *Writer) PutUint64(v uint64) { w.buf = be.AppendUint64(w.buf, v) }

// PutBytes appends raw bytes.
func (w *Writer) PutBytes(p []byte) { w.buf = append(w.buf, p...) }

// PutZeros appends n zero bytes.
func (w *Writer) PutZeros(n int) {
	w.buf = append(w.buf, make([]byte, n)...)
}

// PutType appends a four-character code.
func (w *Writer) PutType(t BoxType) { w.buf = append(w.buf, t[:]...) }

// StartBox writes a box header with a placeholder size. Must be paired with EndBox.
func (w *Writer) StartBox(t BoxType) {
	w.stack[w.depth] = writerFrame{offset: len(w.buf)}
	w.depth++
	w.PutUint32(0)
	w.PutType(t)
}

// StartFullBox writes a full box header (box header + version + flags).
func (w *Writer) StartFullBox(t BoxType, version uint8, flags uint32) {
	w.StartBox(t)
	w.PutUint32(uint32(version)<<24 | flags&0xFFFFFF)
}

// EndBox backpatches the size of the most recently started box.
func (w *Writer) EndBox() {
	w.depth--
	start := w.stack[w.depth].offset
	be.PutUint32(w.buf[start:], uint32(len(w.buf)-start))
}

// WriteBox encodes b and its descendants, writing each size field from the
// current tree rather than from the parsed input.
func (w *Writer) WriteBox(b *Box) {
	size := b.Size()
	if b.HeaderSize() == extendedHeaderSize {
		w.PutUint32(1)
		w.PutType(b.Type)
		w.PutUint64(size)
	} else {
		w.PutUint32(uint32(size))
		w.PutType(b.Type)
	}
	w.PutBytes(b.Payload)
	for _, c := range b.Children {
		w.WriteBox(c)
	}
	w.PutBytes(b.Trailer)
}

// Serialize encodes boxes into a new buffer. For an unmodified tree returned by
// Parse the output equals the parsed input, except that size-0 boxes carry
// their resolved size.
func Serialize(boxes []*Box) []byte {
	var total uint64
	for _, b := range boxes {
		total += b.Size()
	}
	w := NewWriter(make([]byte, 0, total))
	for _, b := range boxes {
		w.WriteBox(b)
	}
	return w.Bytes()
}
