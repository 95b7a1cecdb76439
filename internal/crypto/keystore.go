package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// Encrypt seals plaintext under key using XChaCha20-Poly1305, returning
// nonce‖ciphertext‖tag. Adapted verbatim from the teacher's
// core/security.go Encrypt/Decrypt pair, which is the only AEAD the
// teacher's stack carries. Used to protect the long-term keypair at rest
// under the persisted identity/ directory (spec §6).
func Encrypt(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, plaintext, aad)
	return append(nonce, ct...), nil
}

// Decrypt verifies and opens a blob produced by Encrypt.
func Decrypt(key, blob, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.New("crypto: key must be 32 bytes")
	}
	minLen := chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minLen {
		return nil, errors.New("crypto: ciphertext too short")
	}
	nonce, ciphertext := blob[:chacha20poly1305.NonceSizeX], blob[chacha20poly1305.NonceSizeX:]
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, aad)
}

// IdentityRecord is the encrypted-at-rest contents of the identity/ directory
// (spec §6's persisted layout): the node's seed and its long-term secret key
// bytes, sealed under a key derived from the operator-supplied passphrase or
// platform keystore.
type IdentityRecord struct {
	Algo Algorithm
	Seed []byte
	Priv []byte
}

// SealIdentity encodes and encrypts id under key, ready to be written to
// <root>/identity/keypair.
func SealIdentity(key []byte, id IdentityRecord) ([]byte, error) {
	plain := encodeIdentity(id)
	return Encrypt(key, plain, []byte("hypermesh-identity-v1"))
}

// OpenIdentity decrypts and decodes a blob produced by SealIdentity.
func OpenIdentity(key, blob []byte) (IdentityRecord, error) {
	plain, err := Decrypt(key, blob, []byte("hypermesh-identity-v1"))
	if err != nil {
		return IdentityRecord{}, err
	}
	return decodeIdentity(plain)
}

func encodeIdentity(id IdentityRecord) []byte {
	buf := make([]byte, 0, 1+4+len(id.Seed)+4+len(id.Priv))
	buf = append(buf, byte(id.Algo))
	buf = appendU32(buf, uint32(len(id.Seed)))
	buf = append(buf, id.Seed...)
	buf = appendU32(buf, uint32(len(id.Priv)))
	buf = append(buf, id.Priv...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeIdentity(b []byte) (IdentityRecord, error) {
	var id IdentityRecord
	if len(b) < 1+4 {
		return id, errors.New("crypto: short identity record")
	}
	id.Algo = Algorithm(b[0])
	off := 1
	seedLen := int(readU32(b[off : off+4]))
	off += 4
	if len(b) < off+seedLen+4 {
		return id, errors.New("crypto: truncated identity seed")
	}
	id.Seed = append([]byte(nil), b[off:off+seedLen]...)
	off += seedLen
	privLen := int(readU32(b[off : off+4]))
	off += 4
	if len(b) < off+privLen {
		return id, errors.New("crypto: truncated identity key")
	}
	id.Priv = append([]byte(nil), b[off:off+privLen]...)
	return id, nil
}
