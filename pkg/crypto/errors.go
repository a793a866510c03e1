package crypto

import (
	"errors"
	"fmt"
	"strings"

	"mp4decrypt-go/pkg/bmff"
)

// Error kinds. Every error returned by the decrypter matches exactly one of
// these with errors.Is.
var (
	ErrTruncatedInput       = bmff.ErrTruncatedInput
	ErrInvalidBoxHeader     = bmff.ErrInvalidBoxHeader
	ErrInvalidKeyHex        = errors.New("invalid key hex")
	ErrUnsupportedScheme    = errors.New("unsupported protection scheme")
	ErrMalformedAuxInfo     = errors.New("malformed sample auxiliary information")
	ErrMissingKey           = errors.New("missing key")
	ErrUnalignedCipherBlock = errors.New("encrypted range is not a multiple of the cipher block size")
)

// Error carries the kind of a decrypt failure plus where it happened.
type Error struct {
	Kind    error
	Offset  int64  // absolute byte offset in the input, -1 when unknown
	KeyID   string // hex key id, empty when not applicable
	TrackID uint32 // 0 when not applicable
	Detail  string
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("mp4decrypt: ")
	sb.WriteString(e.Kind.Error())
	if e.KeyID != "" {
		fmt.Fprintf(&sb, " (key id %s)", e.KeyID)
	}
	if e.TrackID != 0 {
		fmt.Fprintf(&sb, " track %d", e.TrackID)
	}
	if e.Offset >= 0 {
		fmt.Fprintf(&sb, " at offset %d", e.Offset)
	}
	if e.Detail != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Detail)
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, offset int64, format string, args ...any) *Error {
	return &Error{Kind: kind, Offset: offset, Detail: fmt.Sprintf(format, args...)}
}

// fromParseError converts a box parser failure into an Error.
func fromParseError(err error) error {
	var pe *bmff.ParseError
	if errors.As(err, &pe) {
		detail := pe.Detail
		if pe.Type != (bmff.BoxType{}) {
			detail = fmt.Sprintf("%s box: %s", pe.Type, pe.Detail)
		}
		return &Error{Kind: pe.Err, Offset: pe.Offset, Detail: detail}
	}
	return err
}
