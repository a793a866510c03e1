package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/require"

	"mp4decrypt-go/pkg/bmff"
)

// fixtureTrack describes one track of a generated test movie.
type fixtureTrack struct {
	id          uint32
	format      string // original sample entry format
	scheme      string // schm scheme type, empty for a clear track
	tencVersion uint8
	kid         KeyID
	key         []byte
	ivSize      uint8
	constantIV  []byte
	crypt, skip uint8
	samples     [][]byte      // plaintext samples
	ivs         [][]byte      // per-sample IVs, unused with a constant IV
	subsamples  [][]Subsample // per-sample maps, nil entries mean whole sample
	useSaiz     bool          // aux info through saiz/saio instead of senc
	noAux       bool          // neither senc nor saiz/saio
}

func (tr *fixtureTrack) protected() bool { return tr.scheme != "" }

func (tr *fixtureTrack) hasSubsamples() bool {
	for _, s := range tr.subsamples {
		if s != nil {
			return true
		}
	}
	return false
}

// encrypted returns sample i as it appears in the protected file.
func (tr *fixtureTrack) encrypted(t *testing.T, i int) []byte {
	t.Helper()
	out := append([]byte(nil), tr.samples[i]...)
	if !tr.protected() {
		return out
	}
	block, err := aes.NewCipher(tr.key)
	require.NoError(t, err)
	iv := tr.constantIV
	if tr.ivSize > 0 {
		iv = tr.ivs[i]
	}
	full := make([]byte, 16)
	copy(full, iv)

	subs := tr.subsampleMap(i)
	switch tr.scheme {
	case "cenc", "cens":
		stream := cipher.NewCTR(block, full)
		pos := 0
		for _, s := range subs {
			pos += int(s.Clear)
			stream.XORKeyStream(out[pos:pos+int(s.Encrypted)], out[pos:pos+int(s.Encrypted)])
			pos += int(s.Encrypted)
		}
	case "cbcs", "cbc1":
		crypt := tr.crypt
		if tr.scheme == "cbc1" {
			crypt = 0
		}
		var chain cipher.BlockMode
		if crypt == 0 {
			chain = cipher.NewCBCEncrypter(block, full)
		}
		pos := 0
		for _, s := range subs {
			pos += int(s.Clear)
			n := int(s.Encrypted)
			r := out[pos : pos+n-n%16]
			pos += n
			if crypt == 0 {
				chain.CryptBlocks(r, r)
				continue
			}
			enc := cipher.NewCBCEncrypter(block, full)
			for off := 0; off < len(r); off += int(crypt+tr.skip) * 16 {
				end := min(off+int(crypt)*16, len(r))
				enc.CryptBlocks(r[off:end], r[off:end])
			}
		}
	}
	return out
}

func (tr *fixtureTrack) subsampleMap(i int) []Subsample {
	if tr.subsamples != nil && tr.subsamples[i] != nil {
		return tr.subsamples[i]
	}
	return []Subsample{{Clear: 0, Encrypted: uint32(len(tr.samples[i]))}}
}

// auxInfo returns the sample auxiliary information of sample i.
func (tr *fixtureTrack) auxInfo(i int, withSubsamples bool) []byte {
	w := bmff.NewWriter(nil)
	if tr.ivSize > 0 {
		w.PutBytes(tr.ivs[i][:tr.ivSize])
	}
	if withSubsamples {
		subs := tr.subsampleMap(i)
		w.PutUint16(uint16(len(subs)))
		for _, s := range subs {
			w.PutUint16(s.Clear)
			w.PutUint32(s.Encrypted)
		}
	}
	return w.Bytes()
}

func writeFtyp(w *bmff.Writer) {
	w.StartBox(bmff.TypeFtyp)
	w.PutBytes([]byte("isom"))
	w.PutUint32(0x200)
	w.PutBytes([]byte("isomiso6"))
	w.EndBox()
}

func writeSinf(w *bmff.Writer, tr *fixtureTrack) {
	w.StartBox(bmff.TypeSinf)
	w.StartBox(bmff.TypeFrma)
	w.PutBytes([]byte(tr.format))
	w.EndBox()
	w.StartFullBox(bmff.TypeSchm, 0, 0)
	w.PutBytes([]byte(tr.scheme))
	w.PutUint32(0x00010000)
	w.EndBox()
	w.StartBox(bmff.TypeSchi)
	w.StartFullBox(bmff.TypeTenc, tr.tencVersion, 0)
	w.PutUint8(0)
	if tr.tencVersion > 0 {
		w.PutUint8(tr.crypt<<4 | tr.skip)
	} else {
		w.PutUint8(0)
	}
	w.PutUint8(1)
	w.PutUint8(tr.ivSize)
	w.PutBytes(tr.kid[:])
	if tr.ivSize == 0 {
		w.PutUint8(uint8(len(tr.constantIV)))
		w.PutBytes(tr.constantIV)
	}
	w.EndBox()
	w.EndBox() // schi
	w.EndBox() // sinf
}

func writeSampleEntry(w *bmff.Writer, tr *fixtureTrack) {
	if !tr.protected() {
		w.StartBox(fourCC(tr.format))
		w.PutZeros(78)
		w.EndBox()
		return
	}
	w.StartBox(bmff.TypeEncv)
	w.PutZeros(78)
	w.StartBox(bmff.BoxType{'a', 'v', 'c', 'C'})
	w.PutBytes([]byte{1, 0x64, 0, 0x1f})
	w.EndBox()
	writeSinf(w, tr)
	w.EndBox()
}

func writeSenc(w *bmff.Writer, tr *fixtureTrack, count int, ivSizeOf func(int) int) {
	flags := uint32(0)
	if tr.hasSubsamples() {
		flags = sencUseSubsamples
	}
	w.StartFullBox(bmff.TypeSenc, 0, flags)
	w.PutUint32(uint32(count))
	for i := 0; i < count; i++ {
		if n := ivSizeOf(i); n > 0 {
			w.PutBytes(tr.ivs[i][:n])
		}
		if flags != 0 {
			subs := tr.subsampleMap(i)
			w.PutUint16(uint16(len(subs)))
			for _, s := range subs {
				w.PutUint16(s.Clear)
				w.PutUint32(s.Encrypted)
			}
		}
	}
	w.EndBox()
}

func writeTrakHead(w *bmff.Writer, id uint32) {
	w.StartBox(bmff.TypeTrak)
	w.StartFullBox(bmff.TypeTkhd, 0, 3)
	w.PutZeros(8)
	w.PutUint32(id)
	w.PutZeros(68)
	w.EndBox()
	w.StartBox(bmff.TypeMdia)
	w.StartBox(bmff.TypeMinf)
	w.StartBox(bmff.TypeStbl)
}

func writeTrakTail(w *bmff.Writer) {
	w.EndBox() // stbl
	w.EndBox() // minf
	w.EndBox() // mdia
	w.EndBox() // trak
}

// buildProgressive lays out ftyp, mdat and moov. Each track is stored as one
// chunk; saiz aux data follows the samples inside mdat. It returns the file and
// the absolute offset of every sample.
func buildProgressive(t *testing.T, tracks ...*fixtureTrack) ([]byte, [][]int64) {
	t.Helper()
	w := bmff.NewWriter(nil)
	writeFtyp(w)

	offsets := make([][]int64, len(tracks))
	chunkOffsets := make([]int64, len(tracks))
	auxOffsets := make([]int64, len(tracks))

	w.StartBox(bmff.TypeMdat)
	for ti, tr := range tracks {
		chunkOffsets[ti] = int64(w.Len())
		for i := range tr.samples {
			offsets[ti] = append(offsets[ti], int64(w.Len()))
			w.PutBytes(tr.encrypted(t, i))
		}
	}
	for ti, tr := range tracks {
		if tr.protected() && tr.useSaiz {
			auxOffsets[ti] = int64(w.Len())
			for i := range tr.samples {
				w.PutBytes(tr.auxInfo(i, tr.hasSubsamples()))
			}
		}
	}
	w.EndBox()

	w.StartBox(bmff.TypeMoov)
	w.StartFullBox(bmff.TypeMvhd, 0, 0)
	w.PutZeros(96)
	w.EndBox()
	for ti, tr := range tracks {
		writeTrakHead(w, tr.id)

		w.StartFullBox(bmff.TypeStsd, 0, 0)
		w.PutUint32(1)
		writeSampleEntry(w, tr)
		w.EndBox()

		w.StartFullBox(bmff.TypeStts, 0, 0)
		w.PutUint32(1)
		w.PutUint32(uint32(len(tr.samples)))
		w.PutUint32(1024)
		w.EndBox()

		w.StartFullBox(bmff.TypeStsc, 0, 0)
		w.PutUint32(1)
		w.PutUint32(1)
		w.PutUint32(uint32(len(tr.samples)))
		w.PutUint32(1)
		w.EndBox()

		w.StartFullBox(bmff.TypeStsz, 0, 0)
		w.PutUint32(0)
		w.PutUint32(uint32(len(tr.samples)))
		for _, s := range tr.samples {
			w.PutUint32(uint32(len(s)))
		}
		w.EndBox()

		w.StartFullBox(bmff.TypeStco, 0, 0)
		w.PutUint32(1)
		w.PutUint32(uint32(chunkOffsets[ti]))
		w.EndBox()

		if tr.protected() && !tr.noAux {
			if tr.useSaiz {
				w.StartFullBox(bmff.TypeSaiz, 0, 0)
				w.PutUint8(0)
				w.PutUint32(uint32(len(tr.samples)))
				for i := range tr.samples {
					w.PutUint8(uint8(len(tr.auxInfo(i, tr.hasSubsamples()))))
				}
				w.EndBox()
				w.StartFullBox(bmff.TypeSaio, 0, 0)
				w.PutUint32(1)
				w.PutUint32(uint32(auxOffsets[ti]))
				w.EndBox()
			} else {
				writeSenc(w, tr, len(tr.samples), func(int) int { return int(tr.ivSize) })
			}
		}
		writeTrakTail(w)
	}
	w.EndBox() // moov
	return w.Bytes(), offsets
}

// buildFragmented lays out an init segment followed by one moof and mdat for
// a single track. groupClear marks samples mapped to a traf-local seig group
// that leaves them in the clear.
func buildFragmented(t *testing.T, tr *fixtureTrack, groupClear []bool) ([]byte, []int64) {
	t.Helper()
	w := bmff.NewWriter(nil)
	writeFtyp(w)

	w.StartBox(bmff.TypeMoov)
	writeTrakHead(w, tr.id)
	w.StartFullBox(bmff.TypeStsd, 0, 0)
	w.PutUint32(1)
	writeSampleEntry(w, tr)
	w.EndBox()
	for _, typ := range []bmff.BoxType{bmff.TypeStts, bmff.TypeStsc, bmff.TypeStco} {
		w.StartFullBox(typ, 0, 0)
		w.PutUint32(0)
		w.EndBox()
	}
	w.StartFullBox(bmff.TypeStsz, 0, 0)
	w.PutUint64(0)
	w.EndBox()
	writeTrakTail(w)
	w.StartBox(bmff.TypeMvex)
	w.StartFullBox(bmff.TypeTrex, 0, 0)
	w.PutUint32(tr.id)
	w.PutUint32(1)
	w.PutZeros(12)
	w.EndBox()
	w.EndBox()
	w.PutBytes(psshBox())
	w.EndBox() // moov

	isClear := func(i int) bool { return groupClear != nil && groupClear[i] }
	ivSizeOf := func(i int) int {
		if isClear(i) {
			return 0
		}
		return int(tr.ivSize)
	}

	moof := func(dataOffset uint32) []byte {
		m := bmff.NewWriter(nil)
		m.StartBox(bmff.TypeMoof)
		m.StartFullBox(bmff.TypeMfhd, 0, 0)
		m.PutUint32(1)
		m.EndBox()
		m.StartBox(bmff.TypeTraf)
		m.StartFullBox(bmff.TypeTfhd, 0, bmff.TfhdDefaultBaseIsMoof)
		m.PutUint32(tr.id)
		m.EndBox()
		m.StartFullBox(bmff.TypeTrun, 0, bmff.TrunDataOffsetPresent|bmff.TrunSampleSizePresent)
		m.PutUint32(uint32(len(tr.samples)))
		m.PutUint32(dataOffset)
		for _, s := range tr.samples {
			m.PutUint32(uint32(len(s)))
		}
		m.EndBox()
		if groupClear != nil {
			m.StartFullBox(bmff.TypeSbgp, 0, 0)
			m.PutBytes([]byte("seig"))
			m.PutUint32(uint32(len(tr.samples)))
			for i := range tr.samples {
				m.PutUint32(1)
				if isClear(i) {
					m.PutUint32(0x10001)
				} else {
					m.PutUint32(0)
				}
			}
			m.EndBox()
			m.StartFullBox(bmff.TypeSgpd, 1, 0)
			m.PutBytes([]byte("seig"))
			m.PutUint32(20)
			m.PutUint32(1)
			m.PutUint8(0)
			m.PutUint8(0)
			m.PutUint8(0) // isProtected
			m.PutUint8(0) // Per_Sample_IV_Size
			m.PutZeros(16)
			m.EndBox()
		}
		writeSenc(m, tr, len(tr.samples), ivSizeOf)
		m.EndBox() // traf
		m.EndBox() // moof
		return m.Bytes()
	}
	moofBytes := moof(0)
	moofBytes = moof(uint32(len(moofBytes) + 8))
	moofStart := int64(w.Len())
	w.PutBytes(moofBytes)

	var offsets []int64
	w.StartBox(bmff.TypeMdat)
	for i := range tr.samples {
		offsets = append(offsets, int64(w.Len()))
		if isClear(i) {
			w.PutBytes(tr.samples[i])
		} else {
			w.PutBytes(tr.encrypted(t, i))
		}
	}
	w.EndBox()

	require.Equal(t, offsets[0], moofStart+int64(len(moofBytes))+8, "first sample must sit where the trun points")
	return w.Bytes(), offsets
}

func psshBox() []byte {
	w := bmff.NewWriter(nil)
	w.StartFullBox(bmff.TypePssh, 0, 0)
	w.PutBytes([]byte{0x10, 0x77, 0xef, 0xec, 0xc0, 0xb2, 0x4d, 0x02, 0xac, 0xe3, 0x3c, 0x1e, 0x52, 0xe2, 0xfb, 0x4b})
	w.PutUint32(0)
	w.EndBox()
	return w.Bytes()
}

func mustKeyID(t *testing.T, s string) KeyID {
	t.Helper()
	kid, err := ParseKeyID(s)
	require.NoError(t, err)
	return kid
}

func patternBytes(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return b
}

func fourCC(s string) bmff.BoxType {
	var t bmff.BoxType
	copy(t[:], s)
	return t
}
