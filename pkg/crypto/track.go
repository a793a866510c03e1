package crypto

import (
	"mp4decrypt-go/pkg/bmff"
)

// sample locates one sample's bytes in the file.
type sample struct {
	offset int64
	size   uint32
	desc   uint32 // 1-based sample description index
	group  int    // chunk (stbl) or trun (traf) the sample is stored in
}

// track is what the decrypter learned about one trak.
type track struct {
	id          uint32
	stbl        *bmff.Box
	stsd        *bmff.Box
	entries     []*bmff.Box       // sample entries of stsd, in order
	protections []*ProtectionInfo // per sample entry, nil when in the clear
	trex        *bmff.Trex
}

func (t *track) protected() bool {
	for _, p := range t.protections {
		if p != nil {
			return true
		}
	}
	return false
}

// protection returns the protection of a 1-based sample description index.
func (t *track) protection(desc uint32) *ProtectionInfo {
	if desc == 0 || int(desc) > len(t.protections) {
		return nil
	}
	return t.protections[desc-1]
}

// readTracks interprets every trak of moov, plus the trex defaults of mvex.
func readTracks(moov *bmff.Box) ([]*track, error) {
	trexByID := make(map[uint32]*bmff.Trex)
	if mvex := moov.Child(bmff.TypeMvex); mvex != nil {
		for _, b := range mvex.ChildrenOf(bmff.TypeTrex) {
			if _, _, body, ok := bmff.FullBox(b.Payload); ok {
				if trex, ok := bmff.ReadTrex(body); ok {
					trexByID[trex.TrackID] = &trex
				}
			}
		}
	}

	var tracks []*track
	for _, trak := range moov.ChildrenOf(bmff.TypeTrak) {
		t, err := readTrack(trak)
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		t.trex = trexByID[t.id]
		tracks = append(tracks, t)
	}
	return tracks, nil
}

func readTrack(trak *bmff.Box) (*track, error) {
	tkhd := trak.Child(bmff.TypeTkhd)
	stbl := trak.Find(bmff.TypeMdia, bmff.TypeMinf, bmff.TypeStbl)
	if tkhd == nil || stbl == nil {
		return nil, nil
	}
	version, _, body, ok := bmff.FullBox(tkhd.Payload)
	if !ok {
		return nil, newError(ErrTruncatedInput, tkhd.Offset, "tkhd too short")
	}
	id, ok := bmff.ReadTkhdTrackID(body, version)
	if !ok {
		return nil, newError(ErrTruncatedInput, tkhd.Offset, "tkhd too short")
	}

	t := &track{id: id, stbl: stbl, stsd: stbl.Child(bmff.TypeStsd)}
	if t.stsd == nil {
		return t, nil
	}
	t.entries = t.stsd.Children
	t.protections = make([]*ProtectionInfo, len(t.entries))
	for i, entry := range t.entries {
		sinf := entry.Child(bmff.TypeSinf)
		if sinf == nil {
			continue
		}
		p, err := ReadProtectionInfo(sinf)
		if err != nil {
			if e, ok := err.(*Error); ok {
				e.TrackID = id
			}
			return nil, err
		}
		t.protections[i] = p
	}
	return t, nil
}

// progressiveSamples lays out the samples described by an stbl. It returns
// the samples and the number of chunks.
func progressiveSamples(stbl *bmff.Box, fileSize int64) ([]sample, int, error) {
	sizes, err := readSampleSizes(stbl, fileSize)
	if err != nil || len(sizes) == 0 {
		return nil, 0, err
	}

	stsc := stbl.Child(bmff.TypeStsc)
	if stsc == nil {
		return nil, 0, newError(ErrTruncatedInput, stbl.Offset, "stbl without stsc")
	}
	_, _, body, _ := bmff.FullBox(stsc.Payload)
	stscIter := bmff.NewStscIter(body)
	var stscEntries []bmff.StscEntry
	for {
		e, ok := stscIter.Next()
		if !ok {
			break
		}
		stscEntries = append(stscEntries, e)
	}
	if len(stscEntries) == 0 || len(stscEntries) != int(stscIter.Count()) {
		return nil, 0, newError(ErrTruncatedInput, stsc.Offset, "stsc cut short")
	}

	chunkOffsets, err := readChunkOffsets(stbl)
	if err != nil {
		return nil, 0, err
	}

	samples := make([]sample, len(sizes))
	chunk := 0
	sampleInChunk := 0
	var offsetInChunk int64
	stscIdx := 0
	for i, size := range sizes {
		if chunk >= len(chunkOffsets) {
			return nil, 0, newError(ErrTruncatedInput, stbl.Offset, "sample %d has no chunk", i)
		}
		e := stscEntries[stscIdx]
		s := sample{
			offset: int64(chunkOffsets[chunk]) + offsetInChunk,
			size:   size,
			desc:   e.SampleDescriptionIndex,
			group:  chunk,
		}
		if s.offset < 0 || s.offset+int64(size) > fileSize {
			return nil, 0, newError(ErrTruncatedInput, s.offset, "sample %d of %d bytes beyond end of file", i, size)
		}
		samples[i] = s

		sampleInChunk++
		offsetInChunk += int64(size)
		if sampleInChunk >= int(e.SamplesPerChunk) {
			sampleInChunk = 0
			offsetInChunk = 0
			chunk++
			if stscIdx+1 < len(stscEntries) && uint32(chunk+1) >= stscEntries[stscIdx+1].FirstChunk {
				stscIdx++
			}
		}
	}
	return samples, len(chunkOffsets), nil
}

func readSampleSizes(stbl *bmff.Box, fileSize int64) ([]uint32, error) {
	var it bmff.StszIter
	var box *bmff.Box
	if box = stbl.Child(bmff.TypeStsz); box != nil {
		_, _, body, _ := bmff.FullBox(box.Payload)
		it = bmff.NewStszIter(body)
	} else if box = stbl.Child(bmff.TypeStz2); box != nil {
		_, _, body, _ := bmff.FullBox(box.Payload)
		it = bmff.NewStz2Iter(body)
	} else {
		return nil, nil
	}
	// A constant sample size has no table to run out of.
	if c := it.ConstantSize(); c > 0 && int64(it.Count()) > maxSamples(fileSize, c) {
		return nil, newError(ErrTruncatedInput, box.Offset, "%d samples of %d bytes exceed the file size %d", it.Count(), c, fileSize)
	}
	sizes := make([]uint32, 0, min(it.Count(), 1<<20))
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		sizes = append(sizes, v)
	}
	if len(sizes) != int(it.Count()) {
		return nil, newError(ErrTruncatedInput, box.Offset, "%s lists %d of %d samples", box.Type, len(sizes), it.Count())
	}
	return sizes, nil
}

// maxSamples is how many samples of size bytes fit in n bytes. Empty samples
// count as one byte each.
func maxSamples(n int64, size uint32) int64 {
	if n <= 0 {
		return 0
	}
	return n / int64(max(size, 1))
}

func readChunkOffsets(stbl *bmff.Box) ([]uint64, error) {
	box := stbl.Child(bmff.TypeCo64)
	wide := box != nil
	if box == nil {
		box = stbl.Child(bmff.TypeStco)
	}
	if box == nil {
		return nil, newError(ErrTruncatedInput, stbl.Offset, "stbl without stco or co64")
	}
	_, _, body, _ := bmff.FullBox(box.Payload)
	it := bmff.NewChunkOffsetIter(body, wide)
	offsets := make([]uint64, 0, min(it.Count(), 1<<20))
	for {
		v, ok := it.Next()
		if !ok {
			break
		}
		offsets = append(offsets, v)
	}
	if len(offsets) != int(it.Count()) {
		return nil, newError(ErrTruncatedInput, box.Offset, "%s cut short", box.Type)
	}
	return offsets, nil
}

// fragment is the sample layout of one traf.
type fragment struct {
	samples []sample
	base    int64 // base data offset
	end     int64 // end of the last run's data
	runs    int
}

// fragmentSamples lays out the samples of a traf. prevEnd is where the data
// of the previous traf in the same moof ended, used when the base data offset
// is implicit.
func fragmentSamples(moof, traf *bmff.Box, tfhd bmff.Tfhd, trex *bmff.Trex, first bool, prevEnd, fileSize int64) (fragment, error) {
	var f fragment
	switch {
	case tfhd.Has(bmff.TfhdBaseDataOffsetPresent):
		f.base = int64(tfhd.BaseDataOffset)
	case tfhd.Has(bmff.TfhdDefaultBaseIsMoof) || first:
		f.base = moof.Offset
	default:
		f.base = prevEnd
	}

	desc := uint32(1)
	var defaultSize uint32
	if trex != nil {
		desc = trex.DefaultSampleDescriptionIndex
		defaultSize = trex.DefaultSampleSize
	}
	if tfhd.Has(bmff.TfhdSampleDescriptionIndexPresent) {
		desc = tfhd.SampleDescriptionIndex
	}
	if tfhd.Has(bmff.TfhdDefaultSampleSizePresent) {
		defaultSize = tfhd.DefaultSampleSize
	}

	pos := f.base
	for _, trun := range traf.ChildrenOf(bmff.TypeTrun) {
		_, flags, body, ok := bmff.FullBox(trun.Payload)
		if !ok {
			return f, newError(ErrTruncatedInput, trun.Offset, "trun too short")
		}
		it := bmff.NewTrunIter(body, flags)
		if it.HasDataOffset() {
			pos = f.base + int64(it.DataOffset())
		}
		if !it.HasSampleSizes() && int64(it.Count()) > maxSamples(fileSize-pos, defaultSize) {
			return f, newError(ErrTruncatedInput, trun.Offset, "trun of %d samples of %d bytes exceeds the remaining %d bytes", it.Count(), defaultSize, fileSize-pos)
		}
		for i := uint32(0); i < it.Count(); i++ {
			e, ok := it.Next()
			if !ok {
				return f, newError(ErrTruncatedInput, trun.Offset, "trun lists %d of %d samples", i, it.Count())
			}
			size := defaultSize
			if it.HasSampleSizes() {
				size = e.Size
			}
			if pos < 0 || pos+int64(size) > fileSize {
				return f, newError(ErrTruncatedInput, pos, "sample of %d bytes beyond end of file", size)
			}
			f.samples = append(f.samples, sample{offset: pos, size: size, desc: desc, group: f.runs})
			pos += int64(size)
		}
		f.runs++
	}
	f.end = pos
	return f, nil
}
