// Package crypto implements C1: key generation, signing, certificate
// issuance/rotation and fingerprint derivation.
//
// Signature algorithms come from the same stack the teacher uses in
// core/security.go: Ed25519 as the classical default, Dilithium3 (via
// cloudflare/circl) as the pluggable post-quantum "enhanced" suite, and
// BLS12-381 (via herumi/bls-eth-go-binary) for the Byzantine shield's
// aggregated acknowledgements. All three come from the teacher's own
// go.mod / core/security.go; none are invented for this module.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	bls "github.com/herumi/bls-eth-go-binary/bls"
)

var blsInitOnce sync.Once

func ensureBLS() {
	blsInitOnce.Do(func() {
		if err := bls.Init(bls.BLS12_381); err != nil {
			panic(fmt.Errorf("crypto: bls init: %w", err))
		}
	})
}

// Algorithm is the certificate's signature-algorithm tag (spec §6). Unknown
// tags must be rejected by verifiers rather than silently accepted.
type Algorithm uint8

const (
	AlgoEd25519   Algorithm = 0x01 // classical default
	AlgoDilithium Algorithm = 0x02 // post-quantum "enhanced" tier
	AlgoBLS       Algorithm = 0x03 // validator aggregate-signature tier (C8)
)

func (a Algorithm) String() string {
	switch a {
	case AlgoEd25519:
		return "ed25519"
	case AlgoDilithium:
		return "dilithium3"
	case AlgoBLS:
		return "bls12-381"
	default:
		return "unknown"
	}
}

// ErrUnknownAlgorithm is returned by Verify when asked to check a signature
// under an algorithm tag this build does not implement.
var ErrUnknownAlgorithm = errors.New("crypto: unknown or unsupported algorithm tag")

// SecretHandle is a scoped acquisition of a private-key handle. Callers must
// defer Release() immediately after acquiring one; Release zeroizes the
// backing bytes, the closest a garbage-collected runtime gets to the
// "guaranteed zeroization on release" contract of spec §4.1.
type SecretHandle struct {
	Algo Algorithm
	raw  []byte
}

// Release zeroizes the secret key material. Safe to call multiple times.
func (h *SecretHandle) Release() {
	for i := range h.raw {
		h.raw[i] = 0
	}
}

// Bytes exposes the raw secret bytes for the duration the handle is held.
// Callers must not retain the returned slice past Release.
func (h *SecretHandle) Bytes() []byte { return h.raw }

// GenerateKeyPair creates a new key pair for the given algorithm, returning
// the public key bytes and a scoped SecretHandle for the private key.
func GenerateKeyPair(algo Algorithm) (pub []byte, priv *SecretHandle, err error) {
	switch algo {
	case AlgoEd25519:
		pk, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		return []byte(pk), &SecretHandle{Algo: algo, raw: []byte(sk)}, nil

	case AlgoDilithium:
		pk, sk, err := mode3.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, err
		}
		skBytes, err := sk.MarshalBinary()
		if err != nil {
			return nil, nil, err
		}
		return pk.Bytes(), &SecretHandle{Algo: algo, raw: skBytes}, nil

	case AlgoBLS:
		ensureBLS()
		var sk bls.SecretKey
		sk.SetByCSPRNG()
		pk := sk.GetPublicKey()
		return pk.Serialize(), &SecretHandle{Algo: algo, raw: sk.Serialize()}, nil

	default:
		return nil, nil, ErrUnknownAlgorithm
	}
}

// Sign signs msg with the given secret handle.
func Sign(h *SecretHandle, msg []byte) ([]byte, error) {
	switch h.Algo {
	case AlgoEd25519:
		if len(h.raw) != ed25519.PrivateKeySize {
			return nil, errors.New("crypto: invalid ed25519 private key size")
		}
		return ed25519.Sign(ed25519.PrivateKey(h.raw), msg), nil

	case AlgoDilithium:
		var sk mode3.PrivateKey
		if err := sk.UnmarshalBinary(h.raw); err != nil {
			return nil, err
		}
		return sk.Sign(rand.Reader, msg, 0), nil

	case AlgoBLS:
		ensureBLS()
		var sk bls.SecretKey
		if err := sk.SetLittleEndian(h.raw); err != nil {
			return nil, err
		}
		return sk.SignByte(msg).Serialize(), nil

	default:
		return nil, ErrUnknownAlgorithm
	}
}

// Verify checks sig over msg under pub for the given algorithm. Unknown
// algorithm tags are rejected (never silently accepted), per spec §4.1.
func Verify(algo Algorithm, pub, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		if len(pub) != ed25519.PublicKeySize {
			return false, errors.New("crypto: invalid ed25519 public key size")
		}
		return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil

	case AlgoDilithium:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(pub); err != nil {
			return false, err
		}
		return mode3.Verify(&pk, msg, sig), nil

	case AlgoBLS:
		ensureBLS()
		var pk bls.PublicKey
		if err := pk.Deserialize(pub); err != nil {
			return false, err
		}
		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil

	default:
		return false, ErrUnknownAlgorithm
	}
}

// AggregateBLSSigs merges compressed BLS signatures by distinct keys over
// one identical message into a single aggregate; signatures over distinct
// messages are not supported. Nothing outside this package's tests calls it.
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	ensureBLS()
	if len(sigs) == 0 {
		return nil, errors.New("crypto: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("crypto: sig %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated verifies an aggregated BLS signature against an
// aggregated public key for one common message.
func VerifyAggregated(aggSig, aggPub, msg []byte) (bool, error) {
	ensureBLS()
	var pk bls.PublicKey
	if err := pk.Deserialize(aggPub); err != nil {
		return false, err
	}
	var sig bls.Sign
	if err := sig.Deserialize(aggSig); err != nil {
		return false, err
	}
	return sig.VerifyByte(&pk, msg), nil
}

// NewSecretHandle wraps previously-generated private-key bytes (e.g. ones
// just decrypted from a sealed identity record) back into a SecretHandle,
// for callers outside this package that cannot set its unexported raw
// field directly.
func NewSecretHandle(algo Algorithm, raw []byte) *SecretHandle {
	return &SecretHandle{Algo: algo, raw: raw}
}

// Fingerprint returns the 32-byte SHA-256 fingerprint of a public key
// encoding. Identity in the trust plane is always this fingerprint, never a
// network address.
func Fingerprint(pubKey []byte) [32]byte {
	return sha256.Sum256(pubKey)
}
