package bmff

import "math"

const uint32Max = math.MaxUint32

// StszIter iterates over sample sizes in an stsz or stz2 box.
type StszIter struct {
	buf        []byte
	sampleSize uint32
	fieldSize  uint8 // 0 for stsz, 4/8/16 for stz2
	count      uint32
	index      uint32
}

// NewStszIter creates an iterator from stsz box data (after version/flags).
func NewStszIter(data []byte) StszIter {
	if len(data) < 8 {
		return StszIter{}
	}
	return StszIter{
		buf:        data,
		sampleSize: be.Uint32(data[0:4]),
		count:      be.Uint32(data[4:8]),
	}
}

// NewStz2Iter creates an iterator from compact stz2 box data (after version/flags).
func NewStz2Iter(data []byte) StszIter {
	if len(data) < 8 {
		return StszIter{}
	}
	fs := data[3]
	if fs != 4 && fs != 8 && fs != 16 {
		return StszIter{}
	}
	return StszIter{
		buf:       data,
		fieldSize: fs,
		count:     be.Uint32(data[4:8]),
	}
}

// Count returns the total number of samples.
func (it *StszIter) Count() uint32 { return it.count }

// ConstantSize returns the size shared by every sample, or 0 when sizes come
// from the table.
func (it *StszIter) ConstantSize() uint32 { return it.sampleSize }

// Next returns the next sample size. Returns (0, false) when done or when the
// table is cut short.
func (it *StszIter) Next() (uint32, bool) {
	if it.index >= it.count {
		return 0, false
	}
	var size uint32
	switch it.fieldSize {
	case 0:
		if it.sampleSize != 0 {
			size = it.sampleSize
			break
		}
		offset := 8 + int(it.index)*4
		if offset+4 > len(it.buf) {
			return 0, false
		}
		size = be.Uint32(it.buf[offset:])
	case 4:
		offset := 8 + int(it.index)/2
		if offset >= len(it.buf) {
			return 0, false
		}
		if it.index%2 == 0 {
			size = uint32(it.buf[offset] >> 4)
		} else {
			size = uint32(it.buf[offset] & 0x0F)
		}
	case 8:
		offset := 8 + int(it.index)
		if offset >= len(it.buf) {
			return 0, false
		}
		size = uint32(it.buf[offset])
	case 16:
		offset := 8 + int(it.index)*2
		if offset+2 > len(it.buf) {
			return 0, false
		}
		size = uint32(be.Uint16(it.buf[offset:]))
	}
	it.index++
	return size, true
}

// StscEntry is a sample-to-chunk entry.
type StscEntry struct {
	FirstChunk             uint32
	SamplesPerChunk        uint32
	SampleDescriptionIndex uint32
}

// StscIter iterates over stsc entries.
type StscIter struct {
	buf   []byte
	count uint32
	index uint32
}

// NewStscIter creates an iterator from stsc box data.
func NewStscIter(data []byte) StscIter {
	if len(data) < 4 {
		return StscIter{}
	}
	return StscIter{
		buf:   data,
		count: be.Uint32(data[0:4]),
	}
}

// Count returns the total number of entries.
func (it *StscIter) Count() uint32 { return it.count }

// Next returns the next entry. Returns false when done.
func (it *StscIter) Next() (StscEntry, bool) {
	if it.index >= it.count {
		return StscEntry{}, false
	}
	offset := 4 + int(it.index)*12
	if offset+12 > len(it.buf) {
		return StscEntry{}, false
	}
	e := StscEntry{
		FirstChunk:             be.Uint32(it.buf[offset:]),
		SamplesPerChunk:        be.Uint32(it.buf[offset+4:]),
		SampleDescriptionIndex: be.Uint32(it.buf[offset+8:]),
	}
	it.index++
	return e, true
}

// ChunkOffsetIter iterates over chunk offsets of an stco (32-bit) or co64
// (64-bit) box.
type ChunkOffsetIter struct {
	buf   []byte
	wide  bool
	count uint32
	index uint32
}

// NewChunkOffsetIter creates an iterator from stco or co64 box data.
func NewChunkOffsetIter(data []byte, wide bool) ChunkOffsetIter {
	if len(data) < 4 {
		return ChunkOffsetIter{}
	}
	return ChunkOffsetIter{
		buf:   data,
		wide:  wide,
		count: be.Uint32(data[0:4]),
	}
}

// Count returns the total number of entries.
func (it *ChunkOffsetIter) Count() uint32 { return it.count }

// Next returns the next chunk offset. Returns (0, false) when done.
func (it *ChunkOffsetIter) Next() (uint64, bool) {
	if it.index >= it.count {
		return 0, false
	}
	var v uint64
	if it.wide {
		offset := 4 + int(it.index)*8
		if offset+8 > len(it.buf) {
			return 0, false
		}
		v = be.Uint64(it.buf[offset:])
	} else {
		offset := 4 + int(it.index)*4
		if offset+4 > len(it.buf) {
			return 0, false
		}
		v = uint64(be.Uint32(it.buf[offset:]))
	}
	it.index++
	return v, true
}

// TrunEntry is a track run sample entry.
type TrunEntry struct {
	Duration              uint32
	Size                  uint32
	Flags                 uint32
	CompositionTimeOffset int32
}

// Trun flags.
const (
	TrunDataOffsetPresent                  = 0x000001
	TrunFirstSampleFlagsPresent            = 0x000004
	TrunSampleDurationPresent              = 0x000100
	TrunSampleSizePresent                  = 0x000200
	TrunSampleFlagsPresent                 = 0x000400
	TrunSampleCompositionTimeOffsetPresent = 0x000800
)

// Tfhd flags (Track Fragment Header Box).
const (
	TfhdBaseDataOffsetPresent         = 0x000001
	TfhdSampleDescriptionIndexPresent = 0x000002
	TfhdDefaultSampleDurationPresent  = 0x000008
	TfhdDefaultSampleSizePresent      = 0x000010
	TfhdDefaultSampleFlagsPresent     = 0x000020
	TfhdDurationIsEmpty               = 0x010000
	TfhdDefaultBaseIsMoof             = 0x020000
)

// TrunIter iterates over trun entries.
type TrunIter struct {
	buf          []byte
	flags        uint32
	count        uint32
	index        uint32
	dataOffset   int32
	stride       int
	entriesStart int
}

// NewTrunIter creates an iterator from trun box data with the given flags.
func NewTrunIter(data []byte, flags uint32) TrunIter {
	if len(data) < 4 {
		return TrunIter{}
	}
	it := TrunIter{
		buf:   data,
		flags: flags,
		count: be.Uint32(data[0:4]),
	}
	ptr := 4
	if flags&TrunDataOffsetPresent != 0 {
		if ptr+4 > len(data) {
			return TrunIter{}
		}
		it.dataOffset = int32(be.Uint32(data[ptr:]))
		ptr += 4
	}
	if flags&TrunFirstSampleFlagsPresent != 0 {
		ptr += 4
	}
	it.entriesStart = ptr

	for _, f := range []uint32{
		TrunSampleDurationPresent,
		TrunSampleSizePresent,
		TrunSampleFlagsPresent,
		TrunSampleCompositionTimeOffsetPresent,
	} {
		if flags&f != 0 {
			it.stride += 4
		}
	}
	return it
}

// Count returns the total number of samples.
func (it *TrunIter) Count() uint32 { return it.count }

// HasDataOffset reports whether the run carries an explicit data offset.
func (it *TrunIter) HasDataOffset() bool { return it.flags&TrunDataOffsetPresent != 0 }

// HasSampleSizes reports whether every entry carries its own sample size.
func (it *TrunIter) HasSampleSizes() bool { return it.flags&TrunSampleSizePresent != 0 }

// DataOffset returns the trun data offset.
func (it *TrunIter) DataOffset() int32 { return it.dataOffset }

// Next returns the next sample entry. Returns false when done.
func (it *TrunIter) Next() (TrunEntry, bool) {
	if it.index >= it.count {
		return TrunEntry{}, false
	}
	offset := it.entriesStart + int(it.index)*it.stride
	if offset+it.stride > len(it.buf) {
		return TrunEntry{}, false
	}
	var e TrunEntry
	p := offset
	if it.flags&TrunSampleDurationPresent != 0 {
		e.Duration = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleSizePresent != 0 {
		e.Size = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleFlagsPresent != 0 {
		e.Flags = be.Uint32(it.buf[p:])
		p += 4
	}
	if it.flags&TrunSampleCompositionTimeOffsetPresent != 0 {
		e.CompositionTimeOffset = int32(be.Uint32(it.buf[p:]))
	}
	it.index++
	return e, true
}

// Tfhd holds the fields of a track fragment header.
type Tfhd struct {
	TrackID                uint32
	Flags                  uint32
	BaseDataOffset         uint64
	SampleDescriptionIndex uint32
	DefaultSampleDuration  uint32
	DefaultSampleSize      uint32
	DefaultSampleFlags     uint32
}

// Has reports whether flag f is set.
func (h Tfhd) Has(f uint32) bool { return h.Flags&f != 0 }

// ReadTfhd parses tfhd box data (after version/flags). ok is false when the
// optional fields announced by flags do not fit.
func ReadTfhd(data []byte, flags uint32) (Tfhd, bool) {
	h := Tfhd{Flags: flags}
	if len(data) < 4 {
		return h, false
	}
	h.TrackID = be.Uint32(data)
	p := 4
	need := func(n int) bool { return p+n <= len(data) }
	if flags&TfhdBaseDataOffsetPresent != 0 {
		if !need(8) {
			return h, false
		}
		h.BaseDataOffset = be.Uint64(data[p:])
		p += 8
	}
	if flags&TfhdSampleDescriptionIndexPresent != 0 {
		if !need(4) {
			return h, false
		}
		h.SampleDescriptionIndex = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleDurationPresent != 0 {
		if !need(4) {
			return h, false
		}
		h.DefaultSampleDuration = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleSizePresent != 0 {
		if !need(4) {
			return h, false
		}
		h.DefaultSampleSize = be.Uint32(data[p:])
		p += 4
	}
	if flags&TfhdDefaultSampleFlagsPresent != 0 {
		if !need(4) {
			return h, false
		}
		h.DefaultSampleFlags = be.Uint32(data[p:])
	}
	return h, true
}

// Trex holds the per-track fragment defaults from mvex.
type Trex struct {
	TrackID                       uint32
	DefaultSampleDescriptionIndex uint32
	DefaultSampleDuration         uint32
	DefaultSampleSize             uint32
	DefaultSampleFlags            uint32
}

// ReadTrex parses trex box data (after version/flags).
func ReadTrex(data []byte) (Trex, bool) {
	if len(data) < 20 {
		return Trex{}, false
	}
	return Trex{
		TrackID:                       be.Uint32(data[0:]),
		DefaultSampleDescriptionIndex: be.Uint32(data[4:]),
		DefaultSampleDuration:         be.Uint32(data[8:]),
		DefaultSampleSize:             be.Uint32(data[12:]),
		DefaultSampleFlags:            be.Uint32(data[16:]),
	}, true
}

// ReadTkhdTrackID extracts the track ID from tkhd box data (after version/flags).
func ReadTkhdTrackID(data []byte, version uint8) (uint32, bool) {
	off := 8 // creation + modification time
	if version == 1 {
		off = 16
	}
	if len(data) < off+4 {
		return 0, false
	}
	return be.Uint32(data[off:]), true
}

// SbgpEntry is a sample-to-group run.
type SbgpEntry struct {
	SampleCount           uint32
	GroupDescriptionIndex uint32
}

// Sbgp holds a parsed sample-to-group box.
type Sbgp struct {
	GroupingType BoxType
	Entries      []SbgpEntry
}

// ReadSbgp parses sbgp box data (after version/flags).
func ReadSbgp(data []byte, version uint8) (Sbgp, bool) {
	var s Sbgp
	if len(data) < 8 {
		return s, false
	}
	copy(s.GroupingType[:], data[0:4])
	p := 4
	if version == 1 {
		p += 4 // grouping_type_parameter
	}
	if p+4 > len(data) {
		return s, false
	}
	n := be.Uint32(data[p:])
	p += 4
	if uint64(n)*8 > uint64(len(data)-p) {
		return s, false
	}
	s.Entries = make([]SbgpEntry, n)
	for i := range s.Entries {
		s.Entries[i] = SbgpEntry{
			SampleCount:           be.Uint32(data[p:]),
			GroupDescriptionIndex: be.Uint32(data[p+4:]),
		}
		p += 8
	}
	return s, true
}

// Sgpd holds a parsed sample group description box with its raw entries.
type Sgpd struct {
	GroupingType BoxType
	Entries      [][]byte
}

// ReadSgpd parses sgpd box data (after version/flags). Version 0 entries carry
// no length, so entryLen is asked for the size of the entry starting at the
// given bytes; it returns a negative value when the entry is malformed.
func ReadSgpd(data []byte, version uint8, entryLen func([]byte) int) (Sgpd, bool) {
	var s Sgpd
	if len(data) < 4 {
		return s, false
	}
	copy(s.GroupingType[:], data[0:4])
	p := 4
	var defaultLen uint32
	if version == 1 {
		if p+4 > len(data) {
			return s, false
		}
		defaultLen = be.Uint32(data[p:])
		p += 4
	}
	if version >= 2 {
		p += 4 // default_sample_description_index
	}
	if p+4 > len(data) {
		return s, false
	}
	n := be.Uint32(data[p:])
	p += 4
	for j := uint32(0); j < n; j++ {
		var l int
		switch {
		case version == 1 && defaultLen == 0:
			if p+4 > len(data) {
				return s, false
			}
			l = int(be.Uint32(data[p:]))
			p += 4
		case version == 1:
			l = int(defaultLen)
		default:
			l = entryLen(data[p:])
		}
		if l < 0 || p+l > len(data) {
			return s, false
		}
		s.Entries = append(s.Entries, data[p:p+l])
		p += l
	}
	return s, true
}
