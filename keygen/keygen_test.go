package main

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

var testKey = base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x42}, 32))

func TestGenSecret(t *testing.T) {
	var out bytes.Buffer
	if code := genSecret(&out, 32); code != 0 {
		t.Fatalf("Expected exit code 0, got %d: %s", code, out.String())
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(out.String()))
	if err != nil || len(decoded) != 32 {
		t.Errorf("Expected 32 random bytes, got %q (%v)", out.String(), err)
	}

	out.Reset()
	if code := genSecret(&out, 0); code != 1 {
		t.Errorf("Expected exit code 1 for zero length, got %d", code)
	}
}

func TestTokenRoundTrip(t *testing.T) {
	var out bytes.Buffer
	if code := genToken(&out, 5, time.Hour, testKey); code != 0 {
		t.Fatalf("Expected exit code 0, got %d: %s", code, out.String())
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	token := lines[len(lines)-1]

	out.Reset()
	if code := validate(&out, token, testKey); code != 0 {
		t.Errorf("Expected valid token, got %d: %s", code, out.String())
	}
	if !strings.Contains(out.String(), "(5)") {
		t.Errorf("Expected uid in output, got %q", out.String())
	}
}

func TestValidateInvalid(t *testing.T) {
	var out bytes.Buffer
	if code := validate(&out, "not a token", testKey); code != 1 {
		t.Errorf("Expected exit code 1, got %d", code)
	}
	out.Reset()
	forged := base64.StdEncoding.EncodeToString(make([]byte, 44))
	if code := validate(&out, forged, testKey); code != 1 || !strings.HasPrefix(out.String(), "INVALID") {
		t.Errorf("Expected forged token to be rejected, got %d: %s", code, out.String())
	}
}

func TestGenTokenInvalidUid(t *testing.T) {
	var out bytes.Buffer
	if code := genToken(&out, 0, time.Hour, testKey); code != 1 {
		t.Errorf("Expected exit code 1 for zero uid, got %d", code)
	}
}
