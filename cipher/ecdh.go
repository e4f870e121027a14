package cipher

import (
	"bytes"
	"crypto/aes"
	aescipher "crypto/cipher"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
	"math/big"
	mrand "math/rand"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

const (
	ecPubKeySize  = 30 // 1 length byte + 1 parity byte + 28 byte X
	ecCoordSize   = 28
	tokenSize     = 48
	lz4MaxDstSize = 8192
	aesBlockSize  = 16
)

// ECDHCipher carries the AES key agreed with the server's fixed P-224
// key for one client session. The compact public key is sent to the
// server inside the k_ec token so it can derive the same key.
//
// crypto/ecdh has no P-224 support, hence the lower level curve API.
type ECDHCipher struct {
	pubKey []byte
	key    []byte
	iv     []byte
}

// NewECDHCipher generates an ephemeral keypair and completes the
// exchange against the server's published key.
func NewECDHCipher() (*ECDHCipher, error) {
	curve := elliptic.P224()
	priv, x, y, err := elliptic.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh keygen")
	}
	sx := new(big.Int).SetBytes(serverECPubKey[:ecCoordSize])
	sy := new(big.Int).SetBytes(serverECPubKey[ecCoordSize:])
	shared, _ := curve.ScalarMult(sx, sy, priv)

	secret := make([]byte, ecCoordSize)
	shared.FillBytes(secret)

	pub := make([]byte, 0, ecPubKeySize)
	pub = append(pub, ecPubKeySize-1, byte(0x02+y.Bit(0)))
	xb := make([]byte, ecCoordSize)
	x.FillBytes(xb)
	pub = append(pub, xb...)

	return &ECDHCipher{
		pubKey: pub,
		key:    secret[:aesBlockSize],
		iv:     secret[ecCoordSize-aesBlockSize:],
	}, nil
}

// PubKey returns the 30-byte compact public key
func (c *ECDHCipher) PubKey() []byte {
	return c.pubKey
}

// Encrypt pads plain to the AES block size and encrypts it CBC under
// the session key.
func (c *ECDHCipher) Encrypt(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh encrypt")
	}
	padded := pkcs7Pad(plain, aesBlockSize)
	out := make([]byte, len(padded))
	aescipher.NewCBCEncrypter(block, c.iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts a server reply. Trailing bytes short of a whole AES
// block are discarded before decryption. When decompress is set the
// plaintext starts with a little-endian length followed by an
// LZ4-block-compressed body; otherwise PKCS#7 padding is stripped.
func (c *ECDHCipher) Decrypt(data []byte, decompress bool) ([]byte, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh decrypt")
	}
	n := len(data) &^ (aesBlockSize - 1)
	if n == 0 {
		return nil, errors.New("ecdh decrypt: short input")
	}
	plain := make([]byte, n)
	aescipher.NewCBCDecrypter(block, c.iv).CryptBlocks(plain, data[:n])

	if !decompress {
		return pkcs7Unpad(plain, aesBlockSize)
	}
	if len(plain) < 2 {
		return nil, errors.New("ecdh decrypt: missing length prefix")
	}
	size := int(binary.LittleEndian.Uint16(plain))
	if size > len(plain)-2 {
		return nil, errors.Errorf("ecdh decrypt: length %d exceeds body %d", size, len(plain)-2)
	}
	dst := make([]byte, lz4MaxDstSize)
	m, err := lz4.UncompressBlock(plain[2:2+size], dst)
	if err != nil {
		return nil, errors.Wrap(err, "ecdh decrypt: lz4")
	}
	return dst[:m], nil
}

// EncodeToken packs the public key and a timestamp into the k_ec query
// parameter, scrambled with two fresh random bytes and sealed with a
// salted CRC32.
func (c *ECDHCipher) EncodeToken(timestamp int64) string {
	return encodeToken(c.pubKey, timestamp, byte(mrand.Intn(256)), byte(mrand.Intn(256)))
}

func encodeToken(pubKey []byte, timestamp int64, r1, r2 byte) string {
	token := make([]byte, 0, tokenSize)
	for i := 0; i < 15; i++ {
		token = append(token, pubKey[i]^r1)
	}
	token = append(token, r1, 0x73^r1, r1, r1, r1)
	// timestamp goes in least significant byte first
	ts := uint32(timestamp)
	for i := 0; i < 4; i++ {
		token = append(token, byte(ts>>(8*i))^r1)
	}
	for i := 15; i < ecPubKeySize; i++ {
		token = append(token, pubKey[i]^r2)
	}
	token = append(token, r2, 0x01^r2, r2, r2, r2)

	crc := crc32.ChecksumIEEE(append([]byte(crcSalt), token...))
	token = append(token, byte(crc>>24), byte(crc>>16), byte(crc>>8), byte(crc))
	return base64.StdEncoding.EncodeToString(token)
}

// DecodeToken unpacks a k_ec token, verifying its checksum. It exists
// mainly so the construction can be checked end to end.
func DecodeToken(token string) (pubKey []byte, timestamp int64, err error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, 0, errors.Wrap(err, "token decode")
	}
	if len(data) != tokenSize {
		return nil, 0, errors.Errorf("token decode: bad length %d", len(data))
	}
	crc := crc32.ChecksumIEEE(append([]byte(crcSalt), data[:44]...))
	want := []byte{byte(crc >> 24), byte(crc >> 16), byte(crc >> 8), byte(crc)}
	if !bytes.Equal(data[44:], want) {
		return nil, 0, errors.New("token decode: checksum mismatch")
	}
	r1, r2 := data[15], data[39]
	pubKey = make([]byte, ecPubKeySize)
	for i := 0; i < 15; i++ {
		pubKey[i] = data[i] ^ r1
	}
	for i := 0; i < 15; i++ {
		pubKey[15+i] = data[24+i] ^ r2
	}
	var ts uint32
	for i := 3; i >= 0; i-- {
		ts = ts<<8 | uint32(data[20+i]^r1)
	}
	return pubKey, int64(ts), nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("pkcs7: bad length")
	}
	n := int(b[len(b)-1])
	if n < 1 || n > size || n > len(b) {
		return nil, errors.New("pkcs7: bad padding")
	}
	return b[:len(b)-n], nil
}
