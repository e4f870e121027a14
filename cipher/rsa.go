package cipher

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/pkg/errors"
)

const (
	rsaBlockSize = 128 // modulus size in bytes
	rsaChunkSize = 117 // rsaBlockSize - 11 bytes of PKCS#1 v1.5 padding
	randKeySize  = 16
)

var serverRSAKey = &rsa.PublicKey{
	N: mustParseHex(rsaModulusHex),
	E: rsaExponent,
}

func mustParseHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("cipher: bad modulus constant")
	}
	return n
}

// RSACipher wraps one request/response exchange with the service's RSA
// envelope. The 16 random bytes drawn at construction seed both the
// request scrambling and the decode of the reply, so a fresh cipher is
// needed per exchange.
type RSACipher struct {
	key     *rsa.PublicKey
	randKey []byte
	keyS    []byte
}

// NewRSACipher makes an envelope cipher keyed to the service
func NewRSACipher() *RSACipher {
	randKey := make([]byte, randKeySize)
	_, _ = rand.Read(randKey)
	return newRSACipher(serverRSAKey, randKey)
}

func newRSACipher(key *rsa.PublicKey, randKey []byte) *RSACipher {
	return &RSACipher{
		key:     key,
		randKey: randKey,
		keyS:    genKey(randKey, 4),
	}
}

// Encode scrambles plain with the session keys and encrypts it to the
// service's public key, returning the base64 form sent on the wire.
func (c *RSACipher) Encode(plain []byte) (string, error) {
	tmp := xorBytes(plain, c.keyS)
	reverseBytes(tmp)
	block := make([]byte, 0, randKeySize+len(tmp))
	block = append(block, c.randKey...)
	block = append(block, xorBytes(tmp, gKeyL[:])...)

	var out bytes.Buffer
	for len(block) > 0 {
		n := len(block)
		if n > rsaChunkSize {
			n = rsaChunkSize
		}
		enc, err := rsa.EncryptPKCS1v15(rand.Reader, c.key, block[:n])
		if err != nil {
			return "", errors.Wrap(err, "rsa encode")
		}
		out.Write(enc)
		block = block[n:]
	}
	return base64.StdEncoding.EncodeToString(out.Bytes()), nil
}

// Decode reverses the envelope on a base64 reply. The reply is
// "encrypted" to the public exponent, so plain modular exponentiation
// recovers the padded block.
func (c *RSACipher) Decode(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, errors.Wrap(err, "rsa decode")
	}
	if len(raw) == 0 || len(raw)%rsaBlockSize != 0 {
		return nil, errors.Errorf("rsa decode: bad length %d", len(raw))
	}
	var buf bytes.Buffer
	for off := 0; off < len(raw); off += rsaBlockSize {
		m := new(big.Int).SetBytes(raw[off : off+rsaBlockSize])
		m.Exp(m, big.NewInt(int64(c.key.E)), c.key.N)
		plain, err := stripPKCS1Padding(m.Bytes())
		if err != nil {
			return nil, err
		}
		buf.Write(plain)
	}
	out := buf.Bytes()
	if len(out) < randKeySize {
		return nil, errors.New("rsa decode: short block")
	}
	randKey, body := out[:randKeySize], out[randKeySize:]
	tmp := xorBytes(body, genKey(randKey, 12))
	reverseBytes(tmp)
	return xorBytes(tmp, c.keyS), nil
}

// stripPKCS1Padding removes the 02 || nonzero... || 00 prefix. The
// leading 00 is already gone since the block came out of a big.Int.
func stripPKCS1Padding(b []byte) ([]byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 || i+1 >= len(b) {
		return nil, errors.New("rsa decode: bad padding")
	}
	return b[i+1:], nil
}

// genKey derives a length-byte XOR key from the leading bytes of
// randKey and the scramble table. length is 4 for the short key and 12
// for the long one.
func genKey(randKey []byte, length int) []byte {
	out := make([]byte, length)
	base := length * (length - 1)
	for i := 0; i < length; i++ {
		x := randKey[i] + gKts[base-i*length]
		out[i] = gKts[base-i*length+length-1] ^ x
	}
	return out
}

// xorBytes XORs src against key repeated, after first consuming
// len(src) mod 4 bytes against the plain prefix of key. That offset
// rule is part of the protocol.
func xorBytes(src, key []byte) []byte {
	out := make([]byte, len(src))
	pad := len(src) % 4
	for i := 0; i < pad; i++ {
		out[i] = src[i] ^ key[i]
	}
	for i := pad; i < len(src); i++ {
		out[i] = src[i] ^ key[(i-pad)%len(key)]
	}
	return out
}

func reverseBytes(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
