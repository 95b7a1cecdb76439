package crypto

import "testing"

func TestSealAndOpenIdentityRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	want := IdentityRecord{Algo: AlgoEd25519, Seed: []byte("a seed"), Priv: []byte("a private key")}

	blob, err := SealIdentity(key, want)
	if err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}
	got, err := OpenIdentity(key, blob)
	if err != nil {
		t.Fatalf("OpenIdentity: %v", err)
	}
	if got.Algo != want.Algo || string(got.Seed) != string(want.Seed) || string(got.Priv) != string(want.Priv) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestOpenIdentityRejectsWrongKey(t *testing.T) {
	key := make([]byte, 32)
	wrongKey := make([]byte, 32)
	wrongKey[0] = 1
	blob, err := SealIdentity(key, IdentityRecord{Algo: AlgoEd25519, Seed: []byte("s"), Priv: []byte("p")})
	if err != nil {
		t.Fatalf("SealIdentity: %v", err)
	}
	if _, err := OpenIdentity(wrongKey, blob); err == nil {
		t.Fatalf("expected decryption failure under wrong key")
	}
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	if _, err := Encrypt([]byte("short"), []byte("data"), nil); err == nil {
		t.Fatalf("expected error for undersized key")
	}
}
