// Package cipher implements the three bespoke cryptographic
// constructions the 115 drive API requires: the RSA envelope wrapping
// download-URL negotiation, the ECDH-derived AES-CBC envelope wrapping
// the upload-init handshake, and the signature/token fields of the
// upload-init payload.
//
// None of these are library-standard uses of the primitives. The byte
// tables and salts below are fixed protocol constants and must match
// the server byte-exactly; do not derive or regenerate them.
package cipher

// Scramble table for deriving the per-session XOR keys of the RSA
// envelope (see genKey).
var gKts = [144]byte{
	0xf0, 0xe5, 0x69, 0xae, 0xbf, 0xdc, 0xbf, 0x8a,
	0x1a, 0x45, 0xe8, 0xbe, 0x7d, 0xa6, 0x73, 0xb8,
	0xde, 0x8f, 0xe7, 0xc4, 0x45, 0xda, 0x86, 0xc4,
	0x9b, 0x64, 0x8b, 0x14, 0x6a, 0xb4, 0xf1, 0xaa,
	0x38, 0x01, 0x35, 0x9e, 0x26, 0x69, 0x2c, 0x86,
	0x00, 0x6b, 0x4f, 0xa5, 0x36, 0x34, 0x62, 0xa6,
	0x2a, 0x96, 0x68, 0x18, 0xf2, 0x4a, 0xfd, 0xbd,
	0x6b, 0x97, 0x8f, 0x4d, 0x8f, 0x89, 0x13, 0xb7,
	0x6c, 0x8e, 0x93, 0xed, 0x0e, 0x0d, 0x48, 0x3e,
	0xd7, 0x2f, 0x88, 0xd8, 0xfe, 0xfe, 0x7e, 0x86,
	0x50, 0x95, 0x4f, 0xd1, 0xeb, 0x83, 0x26, 0x34,
	0xdb, 0x66, 0x7b, 0x9c, 0x7e, 0x9d, 0x7a, 0x81,
	0x32, 0xea, 0xb6, 0x33, 0xde, 0x3a, 0xa9, 0x59,
	0x34, 0x66, 0x3b, 0xaa, 0xba, 0x81, 0x60, 0x48,
	0xb9, 0xd5, 0x81, 0x9c, 0xf8, 0x6c, 0x84, 0x77,
	0xff, 0x54, 0x78, 0x26, 0x5f, 0xbe, 0xe8, 0x1e,
	0x36, 0x9f, 0x34, 0x80, 0x5c, 0x45, 0x2c, 0x9b,
	0x76, 0xd5, 0x1b, 0x8f,
}

// Long XOR key applied to the whole RSA block
var gKeyL = [12]byte{
	0x78, 0x06, 0xad, 0x4c, 0x33, 0x86, 0x5d, 0x18,
	0x4c, 0x01, 0x3f, 0x46,
}

// Short XOR key seed, present for completeness; the per-session short
// key is derived from the random key via genKey
var gKeyS = [4]byte{0x29, 0x23, 0x21, 0x5e}

// 1024-bit RSA modulus of the service's envelope key, e = 0x10001
const rsaModulusHex = "8686980c0f5a24c4b9d43020cd2c22703ff3f450756529058b" +
	"1cf88f09b8602136477198a6e2683149659bd122c33592fdb5ad47944ad1ea4d" +
	"36c6b172aad6338c3bb6ac6227502d010993ac967d1aef00f0c8e038de2e4d3b" +
	"c2ec368af2e9f10a6f1eda4f7262f136420c07c331b871bf139f74f3010e3c4f" +
	"e57df3afb71683"

const rsaExponent = 0x10001

// Server's fixed P-224 public key for the upload-init ECDH exchange,
// X coordinate followed by Y, 28 bytes each.
var serverECPubKey = [56]byte{
	0x57, 0xa2, 0x92, 0x57, 0xcd, 0x23, 0x20, 0xe5,
	0xd6, 0xd1, 0x43, 0x32, 0x2f, 0xa4, 0xbb, 0x8a,
	0x3c, 0xf9, 0xd3, 0xcc, 0x62, 0x3e, 0xf5, 0xed,
	0xac, 0x62, 0xb7, 0x67, 0x8a, 0x89, 0xc9, 0x1a,
	0x83, 0xba, 0x80, 0x0d, 0x61, 0x29, 0xf5, 0x22,
	0xd0, 0x34, 0xc8, 0x95, 0xdd, 0x24, 0x65, 0x24,
	0x3a, 0xdd, 0xc2, 0x50, 0x95, 0x3b, 0xee, 0xba,
}

// Salt prefixed to the k_ec token before its CRC32 trailer
const crcSalt = "^j>WD3Kr?J2gLFjD4W2y@"

// Salt prefixed to the upload-init token MD5
const md5Salt = "Qclm8MGWUv59TnrR0XPg"

// AppVersion is the client version string baked into the upload-init
// token and the User-Agent. Several endpoints change behaviour on it.
const AppVersion = "27.0.5.7"
