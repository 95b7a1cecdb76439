package transport

import (
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/hypermesh/core/internal/crypto"
	"github.com/hypermesh/core/internal/wire"
)

const defaultHandshakeTimeout = 10 * time.Second

// handshakePayload is the body of the single KindHandshake frame each side
// of a new stream exchanges before any application data flows (spec §4.2):
// the sender's node id, its certificate (possibly absent pre-bootstrap),
// and a signature over the node id binding it to the certificate's key.
type handshakePayload struct {
	NodeID      [32]byte
	Certificate []byte
	Signature   []byte
}

func encodeHandshake(p handshakePayload) []byte {
	buf := make([]byte, 0, 32+4+len(p.Certificate)+4+len(p.Signature))
	buf = append(buf, p.NodeID[:]...)
	buf = appendU32(buf, uint32(len(p.Certificate)))
	buf = append(buf, p.Certificate...)
	buf = appendU32(buf, uint32(len(p.Signature)))
	buf = append(buf, p.Signature...)
	return buf
}

func appendU32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func decodeHandshake(b []byte) (handshakePayload, error) {
	var p handshakePayload
	if len(b) < 32+4 {
		return p, fmt.Errorf("transport: short handshake payload")
	}
	off := 0
	copy(p.NodeID[:], b[off:off+32])
	off += 32
	certLen := int(readU32(b[off : off+4]))
	off += 4
	if len(b) < off+certLen+4 {
		return p, fmt.Errorf("transport: truncated handshake certificate")
	}
	p.Certificate = append([]byte(nil), b[off:off+certLen]...)
	off += certLen
	sigLen := int(readU32(b[off : off+4]))
	off += 4
	if len(b) < off+sigLen {
		return p, fmt.Errorf("transport: truncated handshake signature")
	}
	p.Signature = append([]byte(nil), b[off:off+sigLen]...)
	return p, nil
}

// performHandshake exchanges and verifies handshakePayloads over s,
// returning the remote peer's fingerprint and node id. Both sides write
// before reading to avoid a deadlock over the bidirectional stream.
func performHandshake(n *Node, s network.Stream) (peerFingerprint [32]byte, peerNodeID [32]byte, err error) {
	timeout := n.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	_ = s.SetDeadline(time.Now().Add(timeout))
	defer s.SetDeadline(time.Time{})

	sig, signErr := crypto.Sign(n.cfg.SigningKey, n.cfg.NodeID[:])
	if signErr != nil {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: sign handshake: %w", signErr)
	}
	var certBytes []byte
	if n.cfg.Certificate != nil {
		certBytes = n.cfg.Certificate.Encode()
	}
	out := wire.Message{
		Header: wire.Header{Kind: wire.KindHandshake, Sequence: 0, Source: n.cfg.NodeID},
		Payload: encodeHandshake(handshakePayload{
			NodeID:      n.cfg.NodeID,
			Certificate: certBytes,
			Signature:   sig,
		}),
	}
	if _, err := s.Write(wire.Encode(out)); err != nil {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: write handshake: %w", err)
	}

	maxFrame := n.cfg.MaxFrameSize
	if maxFrame == 0 {
		maxFrame = 1 << 20
	}
	in, err := wire.ReadFrame(s, maxFrame)
	if err != nil {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: read handshake: %w", err)
	}
	if in.Header.Kind != wire.KindHandshake {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: expected handshake frame, got %v", in.Header.Kind)
	}
	hp, err := decodeHandshake(in.Payload)
	if err != nil {
		return peerFingerprint, peerNodeID, err
	}

	var signerPub []byte
	var signerAlgo crypto.Algorithm
	if len(hp.Certificate) > 0 {
		cert, err := crypto.DecodeCertificate(hp.Certificate)
		if err != nil {
			return peerFingerprint, peerNodeID, fmt.Errorf("transport: decode peer certificate: %w", err)
		}
		if n.cfg.CA != nil && len(n.cfg.IssuerPubKey) > 0 {
			if status := n.cfg.CA.VerifyWithIssuerKey(cert, n.cfg.IssuerPubKey, time.Now()); status != crypto.StatusOK {
				return peerFingerprint, peerNodeID, fmt.Errorf("transport: peer certificate rejected: status %d", status)
			}
		}
		peerFingerprint = cert.SubjectFpr
		signerPub = cert.PubKey
		signerAlgo = cert.Algorithm
	}
	if signerPub == nil {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: peer presented no certificate")
	}
	ok, err := crypto.Verify(signerAlgo, signerPub, hp.NodeID[:], hp.Signature)
	if err != nil || !ok {
		return peerFingerprint, peerNodeID, fmt.Errorf("transport: peer handshake signature invalid")
	}
	peerNodeID = hp.NodeID
	return peerFingerprint, peerNodeID, nil
}
