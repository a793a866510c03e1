package crypto

import (
	"fmt"

	"mp4decrypt-go/pkg/bmff"
)

// Scheme is the cipher family a protection scheme decrypts with.
type Scheme uint8

const (
	SchemeCENC Scheme = iota + 1 // AES-128 CTR ('cenc', 'cens')
	SchemeCBCS                   // AES-128 CBC ('cbcs', 'cbc1')
)

func (s Scheme) String() string {
	switch s {
	case SchemeCENC:
		return "cenc"
	case SchemeCBCS:
		return "cbcs"
	default:
		return "unknown"
	}
}

var (
	schemeCenc = bmff.BoxType{'c', 'e', 'n', 'c'}
	schemeCens = bmff.BoxType{'c', 'e', 'n', 's'}
	schemeCbc1 = bmff.BoxType{'c', 'b', 'c', '1'}
	schemeCbcs = bmff.BoxType{'c', 'b', 'c', 's'}

	groupingSeig = bmff.BoxType{'s', 'e', 'i', 'g'}
)

// ProtectionInfo describes how the samples of one sample description are
// protected.
type ProtectionInfo struct {
	Scheme         Scheme
	SchemeType     bmff.BoxType // as signalled in schm
	OriginalFormat bmff.BoxType // from frma
	DefaultKeyID   KeyID
	IsProtected    bool
	IVSize         uint8 // per-sample IV size: 0, 8 or 16
	ConstantIV     []byte
	CryptByteBlock uint8
	SkipByteBlock  uint8
}

// PatternActive reports whether the cbcs crypt/skip pattern applies.
func (p *ProtectionInfo) PatternActive() bool {
	return p.Scheme == SchemeCBCS && p.CryptByteBlock > 0
}

// ReadProtectionInfo interprets a sinf box.
func ReadProtectionInfo(sinf *bmff.Box) (*ProtectionInfo, error) {
	frma := sinf.Child(bmff.TypeFrma)
	if frma == nil || len(frma.Payload) < 4 {
		return nil, newError(ErrUnsupportedScheme, sinf.Offset, "sinf without original format")
	}
	schm := sinf.Child(bmff.TypeSchm)
	if schm == nil {
		return nil, newError(ErrUnsupportedScheme, sinf.Offset, "sinf without scheme type")
	}
	_, _, body, ok := bmff.FullBox(schm.Payload)
	if !ok || len(body) < 8 {
		return nil, newError(ErrUnsupportedScheme, schm.Offset, "schm too short")
	}

	p := &ProtectionInfo{}
	copy(p.OriginalFormat[:], frma.Payload[:4])
	copy(p.SchemeType[:], body[:4])

	patternAllowed := false
	switch p.SchemeType {
	case schemeCenc, schemeCens:
		p.Scheme = SchemeCENC
	case schemeCbcs:
		p.Scheme = SchemeCBCS
		patternAllowed = true
	case schemeCbc1:
		p.Scheme = SchemeCBCS
	default:
		return nil, newError(ErrUnsupportedScheme, schm.Offset, "scheme %q", p.SchemeType.String())
	}

	tenc := sinf.Find(bmff.TypeSchi, bmff.TypeTenc)
	if tenc == nil {
		return nil, newError(ErrUnsupportedScheme, sinf.Offset, "%s track without tenc", p.SchemeType)
	}
	if err := p.readTenc(tenc); err != nil {
		return nil, err
	}
	if !patternAllowed {
		p.CryptByteBlock, p.SkipByteBlock = 0, 0
	}
	return p, nil
}

// readTenc fills key id, IV size and pattern from a tenc box.
//
//	u8  reserved
//	u8  reserved (version 0) | crypt_byte_block<<4 | skip_byte_block
//	u8  default_isProtected
//	u8  default_Per_Sample_IV_Size
//	16  default_KID
//	if isProtected && IV size == 0: u8 constant_IV_size, constant_IV
func (p *ProtectionInfo) readTenc(tenc *bmff.Box) error {
	version, _, body, ok := bmff.FullBox(tenc.Payload)
	if !ok || len(body) < 20 {
		return newError(ErrMalformedAuxInfo, tenc.Offset, "tenc too short")
	}
	if version > 0 {
		p.CryptByteBlock = body[1] >> 4
		p.SkipByteBlock = body[1] & 0x0F
	}
	p.IsProtected = body[2] == 1
	p.IVSize = body[3]
	copy(p.DefaultKeyID[:], body[4:20])

	iv, err := readIVFields(body[20:], p.IsProtected, p.IVSize)
	if err != nil {
		return newError(ErrMalformedAuxInfo, tenc.Offset, "tenc: %v", err)
	}
	p.ConstantIV = iv
	return nil
}

// readIVFields validates the IV size and reads the trailing constant IV used
// when samples carry no IV of their own.
func readIVFields(rest []byte, protected bool, ivSize uint8) ([]byte, error) {
	switch ivSize {
	case 0, 8, 16:
	default:
		return nil, fmt.Errorf("per-sample IV size %d", ivSize)
	}
	if !protected || ivSize != 0 {
		return nil, nil
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("constant IV missing")
	}
	n := int(rest[0])
	if (n != 8 && n != 16) || len(rest) < 1+n {
		return nil, fmt.Errorf("constant IV size %d", n)
	}
	return rest[1 : 1+n], nil
}

// seigEntryLen sizes a CencSampleEncryptionInformationGroupEntry in a
// version 0 sgpd, where entries carry no explicit length.
func seigEntryLen(b []byte) int {
	if len(b) < 20 {
		return -1
	}
	if b[2] == 1 && b[3] == 0 {
		if len(b) < 21 {
			return -1
		}
		return 21 + int(b[20])
	}
	return 20
}

// withSeig returns the protection of a sample that belongs to a 'seig' sample
// group. The entry has the tenc layout without the full box header.
func (p *ProtectionInfo) withSeig(entry []byte) (*ProtectionInfo, error) {
	if len(entry) < 20 {
		return nil, fmt.Errorf("seig entry of %d bytes", len(entry))
	}
	o := *p
	if p.Scheme == SchemeCBCS && p.SchemeType == schemeCbcs {
		o.CryptByteBlock = entry[1] >> 4
		o.SkipByteBlock = entry[1] & 0x0F
	}
	o.IsProtected = entry[2] == 1
	o.IVSize = entry[3]
	copy(o.DefaultKeyID[:], entry[4:20])
	iv, err := readIVFields(entry[20:], o.IsProtected, o.IVSize)
	if err != nil {
		return nil, fmt.Errorf("seig: %w", err)
	}
	o.ConstantIV = iv
	return &o, nil
}

// sampleGroups maps samples to 'seig' group entries.
type sampleGroups struct {
	runs   []bmff.SbgpEntry
	global [][]byte // entries of the stbl sgpd, indices 1..
	local  [][]byte // entries of the traf sgpd, indices 0x10001..
}

// readSeigGroups collects the seig sbgp of container and the seig sgpd
// descriptions of container and, for fragments, of the movie stbl.
func readSeigGroups(container, stbl *bmff.Box) (*sampleGroups, error) {
	g := &sampleGroups{}
	fragment := container != stbl

	if stbl != nil {
		entries, err := findSeigDescriptions(stbl)
		if err != nil {
			return nil, err
		}
		g.global = entries
	}
	if fragment {
		entries, err := findSeigDescriptions(container)
		if err != nil {
			return nil, err
		}
		g.local = entries
	}

	for _, b := range container.ChildrenOf(bmff.TypeSbgp) {
		version, _, body, ok := bmff.FullBox(b.Payload)
		if !ok {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "sbgp too short")
		}
		sbgp, ok := bmff.ReadSbgp(body, version)
		if !ok {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "sbgp cut short")
		}
		if sbgp.GroupingType == groupingSeig {
			g.runs = sbgp.Entries
			break
		}
	}
	if len(g.runs) == 0 {
		return nil, nil
	}
	return g, nil
}

func findSeigDescriptions(container *bmff.Box) ([][]byte, error) {
	for _, b := range container.ChildrenOf(bmff.TypeSgpd) {
		version, _, body, ok := bmff.FullBox(b.Payload)
		if !ok {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "sgpd too short")
		}
		if len(body) < 4 {
			continue
		}
		var gt bmff.BoxType
		copy(gt[:], body[:4])
		if gt != groupingSeig {
			continue
		}
		sgpd, ok := bmff.ReadSgpd(body, version, seigEntryLen)
		if !ok {
			return nil, newError(ErrMalformedAuxInfo, b.Offset, "seig sgpd cut short")
		}
		return sgpd.Entries, nil
	}
	return nil, nil
}

// entries expands the run-length sbgp into one group entry per sample; nil
// marks samples outside any group.
func (g *sampleGroups) entries(sampleCount int) ([][]byte, error) {
	out := make([][]byte, sampleCount)
	i := 0
	for _, run := range g.runs {
		for n := uint32(0); n < run.SampleCount && i < sampleCount; n++ {
			if run.GroupDescriptionIndex != 0 {
				e, err := g.lookup(run.GroupDescriptionIndex)
				if err != nil {
					return nil, err
				}
				out[i] = e
			}
			i++
		}
	}
	return out, nil
}

func (g *sampleGroups) lookup(idx uint32) ([]byte, error) {
	table, i := g.global, idx
	if idx > 0x10000 {
		table, i = g.local, idx-0x10000
	}
	if int(i) > len(table) {
		return nil, newError(ErrMalformedAuxInfo, -1, "seig group description index %d out of range", idx)
	}
	return table[i-1], nil
}
