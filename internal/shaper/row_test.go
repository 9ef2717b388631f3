package shaper

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/tetsuo/mailroom/internal/mac"
)

func mustSigner(t *testing.T, key []byte) *mac.Signer {
	t.Helper()
	s, err := mac.New(key)
	if err != nil {
		t.Fatalf("mac.New: %v", err)
	}
	return s
}

// TestShapeS1 reproduces the spec's single-activation-row scenario (S1).
func TestShapeS1(t *testing.T) {
	key, err := hex.DecodeString("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	signer := mustSigner(t, key)

	secret := make([]byte, 32)
	row := Row{Action: ActionActivation, Email: "a@b", Login: "x", Secret: secret, Code: ""}

	fields, err := Shape(signer, row)
	if err != nil {
		t.Fatalf("Shape: %v", err)
	}

	if fields.ActionCode != 1 {
		t.Errorf("ActionCode = %d, want 1", fields.ActionCode)
	}
	if len(fields.EncodedToken) != 86 {
		t.Errorf("EncodedToken length = %d, want 86", len(fields.EncodedToken))
	}

	h := hmac.New(sha256.New, key)
	h.Write(append([]byte("/activate"), secret...))
	wantArtifact := append(append([]byte{}, secret...), h.Sum(nil)...)
	wantEncoded := base64.RawURLEncoding.EncodeToString(wantArtifact)
	if fields.EncodedToken != wantEncoded {
		t.Errorf("EncodedToken = %q, want %q", fields.EncodedToken, wantEncoded)
	}

	line := JoinBatch([]Fields{fields})
	want := "1,a@b,x," + wantEncoded + ","
	if line != want {
		t.Errorf("line = %q, want %q", line, want)
	}
}

// TestShapeS2 reproduces the spec's mixed-batch scenario (S2).
func TestShapeS2(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	signer := mustSigner(t, key)

	secrets := [3][]byte{
		bytes.Repeat([]byte{0x01}, 32),
		bytes.Repeat([]byte{0x02}, 32),
		bytes.Repeat([]byte{0x03}, 32),
	}
	rows := []Row{
		{Action: ActionActivation, Email: "j@k", Login: "jk", Secret: secrets[0], Code: ""},
		{Action: ActionPasswordRecovery, Email: "m@n", Login: "mn", Secret: secrets[1], Code: "12345"},
		{Action: ActionActivation, Email: "o@p", Login: "op", Secret: secrets[2], Code: ""},
	}

	var shaped []Fields
	for _, r := range rows {
		f, err := Shape(signer, r)
		if err != nil {
			t.Fatalf("Shape: %v", err)
		}
		shaped = append(shaped, f)
	}

	line := JoinBatch(shaped)
	parts := strings.Split(line, ",")
	if len(parts) != 15 {
		t.Fatalf("got %d comma-separated fields, want 15", len(parts))
	}

	wantCodes := []string{"1", "2", "1"}
	for i, want := range wantCodes {
		got := parts[i*5]
		if got != want {
			t.Errorf("row %d action code = %q, want %q", i, got, want)
		}
	}

	for i, r := range rows {
		encoded := parts[i*5+3]
		raw, err := base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			t.Fatalf("row %d: decode: %v", i, err)
		}
		if len(raw) != 64 {
			t.Fatalf("row %d: decoded artifact length = %d, want 64", i, len(raw))
		}
		if !bytes.Equal(raw[:32], r.Secret) {
			t.Errorf("row %d: decoded secret mismatch", i)
		}
	}
}

func TestShapeRejectsWrongSecretLength(t *testing.T) {
	signer := mustSigner(t, bytes.Repeat([]byte{0x09}, 32))
	row := Row{Action: ActionActivation, Email: "a@b", Login: "x", Secret: make([]byte, 31)}
	if _, err := Shape(signer, row); err == nil {
		t.Fatal("expected error for 31-byte secret")
	}
}

func TestShapeRejectsUnrecognisedAction(t *testing.T) {
	signer := mustSigner(t, bytes.Repeat([]byte{0x09}, 32))
	row := Row{Action: "deactivation", Email: "a@b", Login: "x", Secret: make([]byte, 32)}
	if _, err := Shape(signer, row); err == nil {
		t.Fatal("expected error for unrecognised action")
	}
	if code := ActionCode(row.Action); code != 0 {
		t.Errorf("ActionCode(%q) = %d, want 0", row.Action, code)
	}
}

