package transport

import "testing"

func TestHandshakePayloadRoundTrip(t *testing.T) {
	p := handshakePayload{
		NodeID:      [32]byte{1, 2, 3},
		Certificate: []byte("a fake certificate encoding"),
		Signature:   []byte("a fake signature"),
	}
	decoded, err := decodeHandshake(encodeHandshake(p))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.NodeID != p.NodeID {
		t.Fatalf("node id mismatch: got %v want %v", decoded.NodeID, p.NodeID)
	}
	if string(decoded.Certificate) != string(p.Certificate) {
		t.Fatalf("certificate mismatch")
	}
	if string(decoded.Signature) != string(p.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestDecodeHandshakeRejectsShortPayload(t *testing.T) {
	if _, err := decodeHandshake([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error decoding short payload")
	}
}

func TestDecodeHandshakeRejectsTruncatedCertificate(t *testing.T) {
	p := handshakePayload{NodeID: [32]byte{9}, Certificate: []byte("0123456789"), Signature: nil}
	full := encodeHandshake(p)
	truncated := full[:len(full)-5]
	if _, err := decodeHandshake(truncated); err == nil {
		t.Fatalf("expected error decoding truncated certificate")
	}
}
