package crypto

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyMap(t *testing.T) {
	tests := []struct {
		name    string
		pairs   map[string]string
		wantErr bool
		wantLen int
	}{
		{"single pair", map[string]string{testKID: testKey}, false, 1},
		{"upper case and spaces", map[string]string{" 00112233445566778899AABBCCDDEEFF ": testKey}, false, 1},
		{"empty", map[string]string{}, false, 0},
		{"short key id", map[string]string{"0011": testKey}, true, 0},
		{"short key", map[string]string{testKID: "ffee"}, true, 0},
		{"non hex key", map[string]string{testKID: "zzeeddccbbaa99887766554433221100"}, true, 0},
		{"conflicting duplicates", map[string]string{
			testKID:                              testKey,
			"00112233445566778899AABBCCDDEEFF": "00000000000000000000000000000000",
		}, true, 0},
		{"identical duplicates", map[string]string{
			testKID:                              testKey,
			"00112233445566778899AABBCCDDEEFF": testKey,
		}, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewKeyMap(tt.pairs)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidKeyHex)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, m.Len())
		})
	}
}

func TestKeyMapGet(t *testing.T) {
	m, err := NewKeyMap(map[string]string{testKID: testKey})
	require.NoError(t, err)

	key, ok := m.Get(mustKeyID(t, testKID))
	require.True(t, ok)
	assert.Equal(t, testKey, hex.EncodeToString(key))

	_, ok = m.Get(KeyID{})
	assert.False(t, ok)

	assert.Equal(t, "KeyMap["+testKID+"]", m.String())
	assert.NotContains(t, m.String(), testKey)

	var empty *KeyMap
	_, ok = empty.Get(KeyID{})
	assert.False(t, ok)
	assert.Zero(t, empty.Len())
}

func TestParseKeyPairs(t *testing.T) {
	pairs, err := ParseKeyPairs("00112233-4455-6677-8899-aabbccddeeff:" + testKey + ", " + testKey + ":" + testKID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		testKID: testKey,
		testKey: testKID,
	}, pairs)

	_, err = ParseKeyPairs("no-colon")
	assert.ErrorIs(t, err, ErrInvalidKeyHex)

	_, err = ParseKeyPairs(" , ")
	assert.ErrorIs(t, err, ErrInvalidKeyHex)
}

func TestParseKeyLists(t *testing.T) {
	pairs, err := ParseKeyLists(testKID+","+testKey, testKey+","+testKID)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
	assert.Equal(t, testKey, pairs[testKID])

	_, err = ParseKeyLists(testKID, testKey+","+testKey)
	assert.ErrorIs(t, err, ErrInvalidKeyHex)
}

func TestParseClearKeyLicense(t *testing.T) {
	b64 := func(h string) string {
		raw, err := hex.DecodeString(h)
		require.NoError(t, err)
		return base64.RawURLEncoding.EncodeToString(raw)
	}

	license := `{"keys":[` +
		`{"kty":"oct","kid":"` + b64(testKID) + `","k":"` + b64(testKey) + `"},` +
		`{"kty":"RSA","kid":"ignored","k":"ignored"}` +
		`],"type":"temporary"}`

	pairs, err := ParseClearKeyLicense([]byte(license))
	require.NoError(t, err)
	assert.Equal(t, map[string]string{testKID: testKey}, pairs)

	hexLicense := `{"keys":[{"kid":"` + testKID + `","k":"` + testKey + `"}]}`
	pairs, err = ParseClearKeyLicense([]byte(hexLicense))
	require.NoError(t, err)
	assert.Equal(t, testKey, pairs[testKID])

	for _, bad := range []string{`not json`, `{"keys":{}}`, `{"keys":[]}`, `{"keys":[{"kid":"!!","k":"!!"}]}`} {
		_, err := ParseClearKeyLicense([]byte(bad))
		assert.ErrorIs(t, err, ErrInvalidKeyHex, bad)
	}
}
