package crypto

import (
	"crypto/aes"
	"crypto/cipher"
)

// padIV right-pads iv with zeros to the AES block size.
func padIV(iv []byte) []byte {
	out := make([]byte, aes.BlockSize)
	copy(out, iv)
	return out
}

// decryptCENC deciphers the encrypted ranges of one sample in place with
// AES-128-CTR. The counter runs on across subsamples and is seeded from the
// sample IV, so every sample starts a fresh keystream.
func decryptCENC(block cipher.Block, iv, sample []byte, subsamples []Subsample) {
	stream := cipher.NewCTR(block, padIV(iv))
	pos := 0
	for _, s := range subsamples {
		pos += int(s.Clear)
		end := pos + int(s.Encrypted)
		stream.XORKeyStream(sample[pos:end], sample[pos:end])
		pos = end
	}
}

// decryptCBCS deciphers the encrypted ranges of one sample in place with
// AES-128-CBC.
//
// With an active pattern every protected range restarts from the sample IV,
// then alternates crypt deciphered blocks with skip untouched blocks. The
// chain links the deciphered blocks of that range. Without a pattern the chain runs on
// across all ranges of the sample.
//
// declared is false when the single range was synthesized for a sample
// without a subsample map; its trailing partial block stays in the clear.
// Declared ranges must be whole blocks.
func decryptCBCS(block cipher.Block, iv, sample []byte, subsamples []Subsample, crypt, skip uint8, declared bool) error {
	iv = padIV(iv)
	var chain cipher.BlockMode
	if crypt == 0 {
		chain = cipher.NewCBCDecrypter(block, iv)
	}

	pos := 0
	for _, s := range subsamples {
		pos += int(s.Clear)
		n := int(s.Encrypted)
		if declared && n%aes.BlockSize != 0 {
			return newError(ErrUnalignedCipherBlock, -1, "protected range of %d bytes", n)
		}
		r := sample[pos : pos+n-n%aes.BlockSize]
		pos += n

		if crypt == 0 {
			if len(r) > 0 {
				chain.CryptBlocks(r, r)
			}
			continue
		}

		mode := cipher.NewCBCDecrypter(block, iv)
		cryptLen := int(crypt) * aes.BlockSize
		stride := cryptLen + int(skip)*aes.BlockSize
		for off := 0; off < len(r); off += stride {
			end := min(off+cryptLen, len(r))
			mode.CryptBlocks(r[off:end], r[off:end])
		}
	}
	return nil
}
