// Package crypto decrypts Common Encryption (cenc, cens, cbc1, cbcs)
// protected ISO-BMFF files.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"

	"mp4decrypt-go/pkg/bmff"
	"mp4decrypt-go/pkg/logging"
)

// MP4Decrypter decrypts protected MP4 files with a fixed set of keys.
// It holds no per-call state and may be used from several goroutines.
type MP4Decrypter struct {
	keys *KeyMap
	log  *logging.Logger
}

// Option configures an MP4Decrypter.
type Option func(*MP4Decrypter)

// WithLogger sets the logger used for debug output.
func WithLogger(l *logging.Logger) Option {
	return func(d *MP4Decrypter) {
		if l != nil {
			d.log = l
		}
	}
}

// NewMP4Decrypter creates a decrypter for the given keys.
func NewMP4Decrypter(keys *KeyMap, opts ...Option) *MP4Decrypter {
	d := &MP4Decrypter{
		keys: keys,
		log:  logging.Discard(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// sampleJob is one protected sample ready to be deciphered in place.
type sampleJob struct {
	data       []byte
	offset     int64
	iv         []byte
	subsamples []Subsample
	declared   bool
	info       *ProtectionInfo
	kid        KeyID
	key        []byte
}

// Decrypt returns a decrypted copy of input; input itself is never modified.
//
// Every protected sample is located and its key resolved before any byte is
// deciphered, so a missing key fails the call without producing output.
// Protected sample entries get their original format back and lose their sinf;
// senc, saiz, saio, seig sample groups and pssh boxes are dropped. Each
// rewritten moov or moof is followed by a free box of exactly the removed
// size, which keeps every chunk offset and data offset valid and the file
// size unchanged. Input without protected tracks is returned as is.
func (d *MP4Decrypter) Decrypt(input []byte) ([]byte, error) {
	buf := bytes.Clone(input)
	boxes, err := bmff.Parse(buf)
	if err != nil {
		return nil, fromParseError(err)
	}

	moov := bmff.Find(boxes, bmff.TypeMoov)
	if moov == nil {
		d.log.Debug("no movie box, nothing to decrypt")
		return buf, nil
	}
	tracks, err := readTracks(moov)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint32]*track, len(tracks))
	protected := 0
	for _, t := range tracks {
		byID[t.id] = t
		if t.protected() {
			protected++
		}
	}
	if protected == 0 {
		d.log.Debug("no protected tracks", "tracks", len(tracks))
		return buf, nil
	}

	jobs, err := d.planAll(buf, boxes, tracks, byID)
	if err != nil {
		return nil, err
	}
	if err := d.run(jobs); err != nil {
		return nil, err
	}

	out := bmff.Serialize(rewrite(boxes, byID))
	d.log.WithSize("size", len(out)).Debug("decrypted",
		"tracks", len(tracks),
		"protected_tracks", protected,
		"samples", len(jobs),
	)
	return out, nil
}

// planAll collects the jobs of movie-level samples and of every fragment.
func (d *MP4Decrypter) planAll(file []byte, boxes []*bmff.Box, tracks []*track, byID map[uint32]*track) ([]sampleJob, error) {
	fileSize := int64(len(file))
	var jobs []sampleJob

	for _, t := range tracks {
		if !t.protected() {
			continue
		}
		samples, chunks, err := progressiveSamples(t.stbl, fileSize)
		if err != nil {
			return nil, withTrack(err, t.id)
		}
		if len(samples) == 0 {
			continue
		}
		js, err := d.plan(file, t, samples, chunks, t.stbl, 0)
		if err != nil {
			return nil, withTrack(err, t.id)
		}
		d.log.WithTrack(t.id).Debug("track planned", "samples", len(js), "chunks", chunks)
		jobs = append(jobs, js...)
	}

	for _, moof := range boxes {
		if moof.Type != bmff.TypeMoof {
			continue
		}
		prevEnd := moof.Offset
		for i, traf := range moof.ChildrenOf(bmff.TypeTraf) {
			tfhdBox := traf.Child(bmff.TypeTfhd)
			if tfhdBox == nil {
				return nil, newError(ErrTruncatedInput, traf.Offset, "traf without tfhd")
			}
			_, flags, body, ok := bmff.FullBox(tfhdBox.Payload)
			tfhd, ok2 := bmff.ReadTfhd(body, flags)
			if !ok || !ok2 {
				return nil, newError(ErrTruncatedInput, tfhdBox.Offset, "tfhd too short")
			}
			t := byID[tfhd.TrackID]
			var trex *bmff.Trex
			if t != nil {
				trex = t.trex
			}
			frag, err := fragmentSamples(moof, traf, tfhd, trex, i == 0, prevEnd, fileSize)
			if err != nil {
				return nil, withTrack(err, tfhd.TrackID)
			}
			prevEnd = frag.end
			if t == nil || !t.protected() || len(frag.samples) == 0 {
				continue
			}
			js, err := d.plan(file, t, frag.samples, frag.runs, traf, frag.base)
			if err != nil {
				return nil, withTrack(err, t.id)
			}
			d.log.WithTrack(t.id).Debug("fragment planned", "moof_offset", moof.Offset, "samples", len(js), "runs", frag.runs)
			jobs = append(jobs, js...)
		}
	}
	return jobs, nil
}

// plan resolves protection, auxiliary information and key of each sample
// stored under container (an stbl or a traf).
func (d *MP4Decrypter) plan(file []byte, t *track, samples []sample, groups int, container *bmff.Box, base int64) ([]sampleJob, error) {
	infos := make([]*ProtectionInfo, len(samples))
	ivSize := make([]int, len(samples))

	sg, err := readSeigGroups(container, t.stbl)
	if err != nil {
		return nil, err
	}
	var groupEntries [][]byte
	if sg != nil {
		if groupEntries, err = sg.entries(len(samples)); err != nil {
			return nil, err
		}
	}

	overrides := make(map[string]*ProtectionInfo)
	found := false
	for i, s := range samples {
		p := t.protection(s.desc)
		if p == nil {
			continue
		}
		if groupEntries != nil && groupEntries[i] != nil {
			o, ok := overrides[string(groupEntries[i])]
			if !ok {
				if o, err = p.withSeig(groupEntries[i]); err != nil {
					return nil, newError(ErrMalformedAuxInfo, s.offset, "sample %d: %v", i, err)
				}
				overrides[string(groupEntries[i])] = o
			}
			p = o
		}
		if !p.IsProtected {
			continue
		}
		infos[i] = p
		ivSize[i] = int(p.IVSize)
		found = true
	}
	if !found {
		return nil, nil
	}

	var entries []SampleEncryptionEntry
	if aux := findAuxSource(container, base); !aux.empty() {
		if entries, err = aux.readEntries(file, samples, ivSize, groups); err != nil {
			return nil, err
		}
	}

	jobs := make([]sampleJob, 0, len(samples))
	for i, s := range samples {
		p := infos[i]
		if p == nil {
			continue
		}
		var e SampleEncryptionEntry
		if entries != nil {
			e = entries[i]
		}
		iv := e.IV
		if p.IVSize == 0 {
			iv = p.ConstantIV
		}
		if len(iv) == 0 {
			return nil, newError(ErrMalformedAuxInfo, s.offset, "no IV for sample %d", i)
		}

		subsamples, declared, err := checkSubsamples(e, s.size, s.offset)
		if err != nil {
			return nil, err
		}
		if p.Scheme == SchemeCBCS && declared {
			for _, sub := range subsamples {
				if sub.Encrypted%aes.BlockSize != 0 {
					return nil, newError(ErrUnalignedCipherBlock, s.offset,
						"sample %d protects %d bytes", i, sub.Encrypted)
				}
			}
		}

		key, ok := d.keys.Get(p.DefaultKeyID)
		if !ok {
			return nil, &Error{Kind: ErrMissingKey, Offset: s.offset, KeyID: p.DefaultKeyID.String(), TrackID: t.id}
		}

		jobs = append(jobs, sampleJob{
			data:       file[s.offset : s.offset+int64(s.size)],
			offset:     s.offset,
			iv:         bytes.Clone(iv),
			subsamples: subsamples,
			declared:   declared,
			info:       p,
			kid:        p.DefaultKeyID,
			key:        key,
		})
	}
	return jobs, nil
}

// run deciphers every planned sample in place.
func (d *MP4Decrypter) run(jobs []sampleJob) error {
	blocks := make(map[KeyID]cipher.Block)
	for _, j := range jobs {
		block, ok := blocks[j.kid]
		if !ok {
			var err error
			if block, err = aes.NewCipher(j.key); err != nil {
				return &Error{Kind: ErrInvalidKeyHex, Offset: -1, KeyID: j.kid.String(), Detail: err.Error()}
			}
			blocks[j.kid] = block
		}

		switch j.info.Scheme {
		case SchemeCENC:
			decryptCENC(block, j.iv, j.data, j.subsamples)
		case SchemeCBCS:
			crypt, skip := j.info.CryptByteBlock, j.info.SkipByteBlock
			if err := decryptCBCS(block, j.iv, j.data, j.subsamples, crypt, skip, j.declared); err != nil {
				if e, ok := err.(*Error); ok {
					e.Offset = j.offset
				}
				return err
			}
		}
	}
	return nil
}

// rewrite strips protection from the box tree and returns the new top-level
// sequence.
func rewrite(boxes []*bmff.Box, byID map[uint32]*track) []*bmff.Box {
	out := make([]*bmff.Box, 0, len(boxes)+2)
	for _, b := range boxes {
		out = append(out, b)
		var shrink uint64
		switch b.Type {
		case bmff.TypeMoov:
			shrink = rewriteMoov(b, byID)
		case bmff.TypeMoof:
			shrink = rewriteMoof(b, byID)
		}
		if shrink >= 8 {
			out = append(out, bmff.NewBox(bmff.TypeFree, make([]byte, shrink-8)))
		}
	}
	return out
}

func rewriteMoov(moov *bmff.Box, byID map[uint32]*track) uint64 {
	before := moov.Size()
	moov.RemoveChildren(func(b *bmff.Box) bool { return b.Type == bmff.TypePssh })
	for _, t := range byID {
		if !t.protected() {
			continue
		}
		for i, entry := range t.entries {
			p := t.protections[i]
			if p == nil {
				continue
			}
			entry.Type = p.OriginalFormat
			entry.RemoveChildren(func(b *bmff.Box) bool { return b.Type == bmff.TypeSinf })
		}
		t.stbl.RemoveChildren(isEncryptionBox)
	}
	return before - moov.Size()
}

func rewriteMoof(moof *bmff.Box, byID map[uint32]*track) uint64 {
	before := moof.Size()
	moof.RemoveChildren(func(b *bmff.Box) bool { return b.Type == bmff.TypePssh })
	for _, traf := range moof.ChildrenOf(bmff.TypeTraf) {
		tfhd := traf.Child(bmff.TypeTfhd)
		if tfhd == nil {
			continue
		}
		_, flags, body, _ := bmff.FullBox(tfhd.Payload)
		h, _ := bmff.ReadTfhd(body, flags)
		if t := byID[h.TrackID]; t != nil && t.protected() {
			traf.RemoveChildren(isEncryptionBox)
		}
	}
	return before - moof.Size()
}

func withTrack(err error, id uint32) error {
	if e, ok := err.(*Error); ok && e.TrackID == 0 {
		e.TrackID = id
	}
	return err
}

// DecryptWithKeys decrypts input with hex key id -> hex key pairs.
func DecryptWithKeys(input []byte, pairs map[string]string) ([]byte, error) {
	keys, err := NewKeyMap(pairs)
	if err != nil {
		return nil, err
	}
	return NewMP4Decrypter(keys).Decrypt(input)
}

// DecryptSegmentWithKeys decrypts a media segment together with its init
// segment. keyID and key can be comma-separated for multi-key support.
func DecryptSegmentWithKeys(initSegment, mediaSegment []byte, keyID, key string) ([]byte, error) {
	pairs, err := ParseKeyLists(keyID, key)
	if err != nil {
		return nil, err
	}
	combined := make([]byte, 0, len(initSegment)+len(mediaSegment))
	combined = append(combined, initSegment...)
	combined = append(combined, mediaSegment...)
	return DecryptWithKeys(combined, pairs)
}
