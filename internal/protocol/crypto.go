package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// cfb8 is AES in 8-bit cipher feedback mode, which is what the game uses once
// a shared secret has been negotiated. The shared secret doubles as the IV.
type cfb8 struct {
	block    cipher.Block
	register []byte
	out      []byte
	decrypt  bool
}

func newCFB8(block cipher.Block, iv []byte, decrypt bool) cipher.Stream {
	register := make([]byte, block.BlockSize())
	copy(register, iv)
	return &cfb8{
		block:    block,
		register: register,
		out:      make([]byte, block.BlockSize()),
		decrypt:  decrypt,
	}
}

func (x *cfb8) XORKeyStream(dst, src []byte) {
	if len(dst) < len(src) {
		panic("cfb8: output smaller than input")
	}
	last := len(x.register) - 1
	for i, in := range src {
		x.block.Encrypt(x.out, x.register)
		out := in ^ x.out[0]
		dst[i] = out

		copy(x.register, x.register[1:])
		if x.decrypt {
			x.register[last] = in
		} else {
			x.register[last] = out
		}
	}
}

// NewCipherPair returns the encrypting and decrypting streams for a shared secret.
func NewCipherPair(secret []byte) (enc, dec cipher.Stream, err error) {
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, nil, fmt.Errorf("creating aes cipher: %w", err)
	}
	return newCFB8(block, secret, false), newCFB8(block, secret, true), nil
}
