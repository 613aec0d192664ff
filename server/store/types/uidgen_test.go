package types

import (
	"testing"
)

func TestUidGeneratorInit(t *testing.T) {
	ug := &UidGenerator{}
	key := []byte("testkey1testkey2") // 16 bytes for XTEA

	if err := ug.Init(1, key); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ug.seq == nil {
		t.Error("Snowflake generator should be initialized")
	}
	if ug.cipher == nil {
		t.Error("Cipher should be initialized")
	}

	// Already initialized generator is not reinitialized.
	oldSeq, oldCipher := ug.seq, ug.cipher
	if err := ug.Init(3, key); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if ug.seq != oldSeq || ug.cipher != oldCipher {
		t.Error("Generator should not be reinitialized")
	}
}

func TestUidGeneratorInitWithInvalidKey(t *testing.T) {
	ug := &UidGenerator{}
	if err := ug.Init(1, []byte("short")); err == nil {
		t.Error("Expected error with short key")
	}
	if err := ug.Init(1, nil); err == nil {
		t.Error("Expected error with nil key")
	}
}

func TestUidGeneratorGetStr(t *testing.T) {
	ug := &UidGenerator{}
	if ug.GetStr() != "" {
		t.Error("Uninitialized generator must return empty string")
	}
	if err := ug.Init(1, []byte("testkey1testkey2")); err != nil {
		t.Fatalf("Failed to initialize generator: %v", err)
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := ug.GetStr()
		if len(s) != uidBase64Unpadded {
			t.Fatalf("Expected %d chars, got %d ('%s')", uidBase64Unpadded, len(s), s)
		}
		if seen[s] {
			t.Fatalf("Duplicate id generated: %s", s)
		}
		seen[s] = true
	}
}
