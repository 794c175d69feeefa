package supervisor

import "testing"

func TestEncodeDecodeNpl(t *testing.T) {
	m := NplMessage{PubkeyHex: "abcd1234", Data: []byte("hello world")}

	b := encodeNpl(m)
	got := decodeNpl(b)

	if got.PubkeyHex != m.PubkeyHex {
		t.Fatalf("pubkey hex mismatch: got %q want %q", got.PubkeyHex, m.PubkeyHex)
	}
	if string(got.Data) != string(m.Data) {
		t.Fatalf("data mismatch: got %q want %q", got.Data, m.Data)
	}
}

func TestDecodeNplEmpty(t *testing.T) {
	got := decodeNpl(nil)
	if got.PubkeyHex != "" || got.Data != nil {
		t.Fatalf("expected zero value, got %+v", got)
	}
}

func TestParseRunAs(t *testing.T) {
	uid, gid, err := parseRunAs("1000:1000")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != 1000 || gid != 1000 {
		t.Fatalf("got uid=%d gid=%d, want 1000:1000", uid, gid)
	}

	if _, _, err := parseRunAs("not-valid"); err == nil {
		t.Fatal("expected error for malformed run_as spec")
	}
}
