package crypto

import (
	"bytes"
	"encoding/binary"

	"mp4decrypt-go/pkg/bmff"
)

var be = binary.BigEndian

// piffSampleEncryption is the user type of the PIFF 1.1 sample encryption box.
var piffSampleEncryption = []byte{
	0xA2, 0x39, 0x4F, 0x52, 0x5A, 0x9B, 0x4F, 0x14,
	0xA2, 0x44, 0x6C, 0x42, 0x7C, 0x64, 0x8D, 0xF4,
}

const sencUseSubsamples = 0x000002

// Subsample is one clear/encrypted split of a sample.
type Subsample struct {
	Clear     uint16
	Encrypted uint32
}

// SampleEncryptionEntry holds the IV and subsample map of one sample.
type SampleEncryptionEntry struct {
	IV         []byte
	Subsamples []Subsample
}

// auxSource points at the sample auxiliary information of one stbl or traf.
type auxSource struct {
	senc *bmff.Box
	piff bool
	saiz *bmff.Box
	saio *bmff.Box
	// base is added to saio offsets: 0 in stbl, the base data offset in traf.
	base int64
}

func isPIFFSenc(b *bmff.Box) bool {
	return b.Type == bmff.TypeUUID && len(b.Payload) >= 16 && bytes.Equal(b.Payload[:16], piffSampleEncryption)
}

// isCencAuxType reports whether a saiz/saio aux_info_type (when present)
// names a common encryption scheme.
func isCencAuxType(payload []byte) bool {
	_, flags, body, ok := bmff.FullBox(payload)
	if !ok || flags&1 == 0 {
		return true
	}
	if len(body) < 4 {
		return false
	}
	var t bmff.BoxType
	copy(t[:], body[:4])
	switch t {
	case schemeCenc, schemeCens, schemeCbc1, schemeCbcs:
		return true
	}
	return false
}

// isEncryptionBox reports whether b only exists to describe encryption and
// is dropped from the decrypted output.
func isEncryptionBox(b *bmff.Box) bool {
	switch b.Type {
	case bmff.TypeSenc, bmff.TypePssh:
		return true
	case bmff.TypeSaiz, bmff.TypeSaio:
		return isCencAuxType(b.Payload)
	case bmff.TypeSbgp, bmff.TypeSgpd:
		_, _, body, ok := bmff.FullBox(b.Payload)
		return ok && len(body) >= 4 && bytes.Equal(body[:4], groupingSeig[:])
	case bmff.TypeUUID:
		return isPIFFSenc(b)
	}
	return false
}

// findAuxSource locates the auxiliary information boxes among the children of
// an stbl or traf.
func findAuxSource(container *bmff.Box, base int64) auxSource {
	a := auxSource{base: base}
	for _, c := range container.Children {
		switch {
		case c.Type == bmff.TypeSenc:
			if a.senc == nil || a.piff {
				a.senc, a.piff = c, false
			}
		case isPIFFSenc(c):
			if a.senc == nil {
				a.senc, a.piff = c, true
			}
		case c.Type == bmff.TypeSaiz && a.saiz == nil && isCencAuxType(c.Payload):
			a.saiz = c
		case c.Type == bmff.TypeSaio && a.saio == nil && isCencAuxType(c.Payload):
			a.saio = c
		}
	}
	return a
}

func (a auxSource) empty() bool {
	return a.senc == nil && a.saiz == nil
}

// readEntries returns one SampleEncryptionEntry per sample. ivSize gives the
// per-sample IV size of every sample (0 for samples using a constant IV or
// left in the clear); groups is the number of distinct chunk (stbl) or trun
// (traf) indices among samples.
func (a auxSource) readEntries(file []byte, samples []sample, ivSize []int, groups int) ([]SampleEncryptionEntry, error) {
	if a.senc != nil {
		return readSenc(a.senc, a.piff, ivSize)
	}
	if a.saiz == nil || a.saio == nil {
		box := a.saiz
		if box == nil {
			box = a.saio
		}
		return nil, newError(ErrMalformedAuxInfo, box.Offset, "saiz and saio must appear together")
	}
	return a.readSaizSaio(file, samples, ivSize, groups)
}

// readSenc parses a senc box, or its PIFF uuid equivalent.
//
//	u32 sample_count
//	per sample: IV, and when flags&2: u16 subsample_count, (u16 clear, u32 encrypted)...
func readSenc(b *bmff.Box, piff bool, ivSize []int) ([]SampleEncryptionEntry, error) {
	payload := b.Payload
	if piff {
		payload = payload[16:]
	}
	_, flags, body, ok := bmff.FullBox(payload)
	if !ok {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "senc too short")
	}

	override := 0
	if piff && flags&1 != 0 {
		// AlgorithmID(3) IV_size(1) KID(16)
		if len(body) < 20 {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "PIFF override cut short")
		}
		override = int(body[3])
		body = body[20:]
	}

	r := auxReader{buf: body}
	count, ok := r.uint32()
	if !ok {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "senc sample count missing")
	}
	if int(count) != len(ivSize) {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "senc has %d entries for %d samples", count, len(ivSize))
	}

	entries := make([]SampleEncryptionEntry, count)
	for i := range entries {
		n := ivSize[i]
		if override > 0 && n > 0 {
			n = override
		}
		e, ok := r.entry(n, flags&sencUseSubsamples != 0)
		if !ok {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "senc entry %d cut short", i)
		}
		entries[i] = e
	}
	return entries, nil
}

// readSaizSaio gathers per-sample aux data referenced by a saiz/saio pair.
func (a auxSource) readSaizSaio(file []byte, samples []sample, ivSize []int, groups int) ([]SampleEncryptionEntry, error) {
	sizes, err := readSaiz(a.saiz, len(samples))
	if err != nil {
		return nil, err
	}
	offsets, err := readSaio(a.saio)
	if err != nil {
		return nil, err
	}
	switch len(offsets) {
	case 1, groups:
	default:
		return nil, newError(ErrMalformedAuxInfo, a.saio.Offset, "saio has %d offsets for %d chunks", len(offsets), groups)
	}

	entries := make([]SampleEncryptionEntry, len(samples))
	var pos int64
	group := -1
	for i, s := range samples {
		if i == 0 || (len(offsets) > 1 && s.group != group) {
			idx := 0
			if len(offsets) > 1 {
				idx = s.group
			}
			pos = a.base + int64(offsets[idx])
			group = s.group
		}
		size := int64(sizes[i])
		if pos < 0 || pos+size > int64(len(file)) {
			return nil, newError(ErrMalformedAuxInfo, pos, "aux info of sample %d outside the file", i)
		}
		data := file[pos : pos+size]
		pos += size

		if size == 0 {
			continue
		}
		r := auxReader{buf: data}
		e, ok := r.entry(ivSize[i], len(data) > ivSize[i])
		if !ok || r.pos != len(data) {
			return nil, newError(ErrMalformedAuxInfo, pos-size, "aux info of sample %d does not match its size %d", i, size)
		}
		entries[i] = e
	}
	return entries, nil
}

// readSaiz returns the aux info size of every sample.
func readSaiz(b *bmff.Box, sampleCount int) ([]uint8, error) {
	_, flags, body, ok := bmff.FullBox(b.Payload)
	if ok && flags&1 != 0 {
		if len(body) < 8 {
			ok = false
		} else {
			body = body[8:] // aux_info_type + parameter
		}
	}
	if !ok || len(body) < 5 {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "saiz too short")
	}
	defaultSize := body[0]
	count := int(be.Uint32(body[1:5]))
	if count != sampleCount {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "saiz has %d entries for %d samples", count, sampleCount)
	}
	sizes := make([]uint8, count)
	if defaultSize != 0 {
		for i := range sizes {
			sizes[i] = defaultSize
		}
		return sizes, nil
	}
	if len(body) < 5+count {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "saiz sample sizes cut short")
	}
	copy(sizes, body[5:5+count])
	return sizes, nil
}

// readSaio returns the offsets of a saio box.
func readSaio(b *bmff.Box) ([]uint64, error) {
	version, flags, body, ok := bmff.FullBox(b.Payload)
	if ok && flags&1 != 0 {
		if len(body) < 8 {
			ok = false
		} else {
			body = body[8:]
		}
	}
	if !ok || len(body) < 4 {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "saio too short")
	}
	count := int(be.Uint32(body))
	width := 4
	if version == 1 {
		width = 8
	}
	if count == 0 || len(body) < 4+count*width {
		return nil, newError(ErrMalformedAuxInfo, b.Offset, "saio with %d offsets cut short", count)
	}
	offsets := make([]uint64, count)
	for i := range offsets {
		p := body[4+i*width:]
		if width == 8 {
			offsets[i] = be.Uint64(p)
		} else {
			offsets[i] = uint64(be.Uint32(p))
		}
	}
	return offsets, nil
}

// auxReader is a cursor over sample auxiliary data.
type auxReader struct {
	buf []byte
	pos int
}

func (r *auxReader) take(n int) ([]byte, bool) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, false
	}
	p := r.buf[r.pos : r.pos+n]
	r.pos += n
	return p, true
}

func (r *auxReader) uint32() (uint32, bool) {
	p, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return be.Uint32(p), true
}

func (r *auxReader) entry(ivSize int, subsamples bool) (SampleEncryptionEntry, bool) {
	var e SampleEncryptionEntry
	iv, ok := r.take(ivSize)
	if !ok {
		return e, false
	}
	e.IV = iv
	if !subsamples {
		return e, true
	}
	p, ok := r.take(2)
	if !ok {
		return e, false
	}
	n := int(be.Uint16(p))
	e.Subsamples = make([]Subsample, n)
	for j := range e.Subsamples {
		p, ok := r.take(6)
		if !ok {
			return e, false
		}
		e.Subsamples[j] = Subsample{
			Clear:     be.Uint16(p),
			Encrypted: be.Uint32(p[2:]),
		}
	}
	return e, true
}

// checkSubsamples validates a sample's subsample map against its size and
// returns the ranges to decrypt. A sample without a map is one encrypted
// range of its full length.
func checkSubsamples(e SampleEncryptionEntry, size uint32, offset int64) ([]Subsample, bool, error) {
	if len(e.Subsamples) == 0 {
		return []Subsample{{Clear: 0, Encrypted: size}}, false, nil
	}
	var total uint64
	for _, s := range e.Subsamples {
		total += uint64(s.Clear) + uint64(s.Encrypted)
	}
	if total != uint64(size) {
		return nil, true, newError(ErrMalformedAuxInfo, offset, "subsamples cover %d bytes of a %d byte sample", total, size)
	}
	return e.Subsamples, true, nil
}
