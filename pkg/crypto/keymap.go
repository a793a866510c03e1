package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/tidwall/gjson"
)

// KeyID identifies the content key of a track or sample.
type KeyID [16]byte

func (k KeyID) String() string {
	return hex.EncodeToString(k[:])
}

// ParseKeyID decodes a 32 character hex key id.
func ParseKeyID(s string) (KeyID, error) {
	var kid KeyID
	if err := decodeHex16(kid[:], s); err != nil {
		return KeyID{}, err
	}
	return kid, nil
}

func decodeHex16(dst []byte, s string) *Error {
	if len(s) != 32 {
		return &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: fmt.Sprintf("want 32 hex characters, got %d", len(s))}
	}
	if _, err := hex.Decode(dst, []byte(s)); err != nil {
		return &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: err.Error()}
	}
	return nil
}

// KeyMap is an immutable set of content keys indexed by key id.
type KeyMap struct {
	keys map[KeyID][16]byte
}

// NewKeyMap validates hex key id -> hex key pairs. Both strings must be
// exactly 32 hex characters.
func NewKeyMap(pairs map[string]string) (*KeyMap, error) {
	m := &KeyMap{keys: make(map[KeyID][16]byte, len(pairs))}
	for kidHex, keyHex := range pairs {
		kid, err := ParseKeyID(strings.TrimSpace(kidHex))
		if err != nil {
			return nil, err
		}
		var key [16]byte
		if err := decodeHex16(key[:], strings.TrimSpace(keyHex)); err != nil {
			err.KeyID = kid.String()
			return nil, err
		}
		if prev, ok := m.keys[kid]; ok && prev != key {
			return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, KeyID: kid.String(), Detail: "conflicting keys for the same key id"}
		}
		m.keys[kid] = key
	}
	return m, nil
}

// Get returns a copy of the key for kid.
func (m *KeyMap) Get(kid KeyID) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	key, ok := m.keys[kid]
	if !ok {
		return nil, false
	}
	return key[:], true
}

// Len returns the number of keys.
func (m *KeyMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// KeyIDs returns the key ids in ascending order.
func (m *KeyMap) KeyIDs() []KeyID {
	if m == nil {
		return nil
	}
	ids := make([]KeyID, 0, len(m.keys))
	for kid := range m.keys {
		ids = append(ids, kid)
	}
	slices.SortFunc(ids, func(a, b KeyID) int { return strings.Compare(string(a[:]), string(b[:])) })
	return ids
}

// String lists the key ids only.
func (m *KeyMap) String() string {
	ids := m.KeyIDs()
	parts := make([]string, len(ids))
	for i, kid := range ids {
		parts[i] = kid.String()
	}
	return "KeyMap[" + strings.Join(parts, ",") + "]"
}

// ParseKeyPairs parses "KID:KEY,KID2:KEY2". Dashes in UUID formatted key ids
// are dropped.
func ParseKeyPairs(s string) (map[string]string, error) {
	pairs := make(map[string]string)
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		kid, key, ok := strings.Cut(item, ":")
		if !ok {
			return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "expected KID:KEY"}
		}
		pairs[normalizeKeyID(kid)] = strings.TrimSpace(key)
	}
	if len(pairs) == 0 {
		return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "no key pairs"}
	}
	return pairs, nil
}

// ParseKeyLists pairs up comma separated key id and key lists.
func ParseKeyLists(keyIDs, keys string) (map[string]string, error) {
	kids := strings.Split(keyIDs, ",")
	ks := strings.Split(keys, ",")
	if len(kids) != len(ks) {
		return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1,
			Detail: fmt.Sprintf("mismatched key_id/key count: %d vs %d", len(kids), len(ks))}
	}
	pairs := make(map[string]string, len(kids))
	for i := range kids {
		pairs[normalizeKeyID(kids[i])] = strings.TrimSpace(ks[i])
	}
	return pairs, nil
}

// ParseClearKeyLicense extracts the keys of a W3C ClearKey license
// ({"keys":[{"kty":"oct","kid":"...","k":"..."}]}) as hex pairs.
func ParseClearKeyLicense(data []byte) (map[string]string, error) {
	if !gjson.ValidBytes(data) {
		return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "license is not valid JSON"}
	}
	keys := gjson.GetBytes(data, "keys")
	if !keys.IsArray() {
		return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "license has no keys array"}
	}

	pairs := make(map[string]string)
	var perr error
	keys.ForEach(func(_, v gjson.Result) bool {
		if kty := v.Get("kty"); kty.Exists() && kty.String() != "oct" {
			return true
		}
		kid, err := decodeJWKBytes(v.Get("kid").String())
		if err != nil {
			perr = err
			return false
		}
		k, err := decodeJWKBytes(v.Get("k").String())
		if err != nil {
			perr = err
			return false
		}
		pairs[kid] = k
		return true
	})
	if perr != nil {
		return nil, perr
	}
	if len(pairs) == 0 {
		return nil, &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "license holds no symmetric keys"}
	}
	return pairs, nil
}

// decodeJWKBytes turns a base64url JWK field into hex. Values that already
// look like 32 hex characters are passed through.
func decodeJWKBytes(s string) (string, error) {
	if len(s) == 32 {
		if _, err := hex.DecodeString(s); err == nil {
			return strings.ToLower(s), nil
		}
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", &Error{Kind: ErrInvalidKeyHex, Offset: -1, Detail: "bad base64url value in license"}
	}
	return hex.EncodeToString(raw), nil
}

func normalizeKeyID(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), "-", "")
}
