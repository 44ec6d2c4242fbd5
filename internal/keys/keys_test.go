package keys

import (
	"bytes"
	"errors"
	"testing"

	"github.com/starford/memvault/internal/apperr"
)

func initManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	if err := m.Initialize([]byte("correct horse battery staple")); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m
}

func TestDeriveBeforeInitialize(t *testing.T) {
	m := NewManager()
	_, err := m.DeriveRecordKey("m1", []byte("salt"))
	if !errors.Is(err, apperr.ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}

func TestDeriveRecordKey_Deterministic(t *testing.T) {
	m := initManager(t)
	salt := []byte("0123456789abcdef")
	a, err := m.DeriveRecordKey("m1", salt)
	if err != nil {
		t.Fatalf("DeriveRecordKey: %v", err)
	}

	// A second manager with the same secret must reach the same material.
	other := initManager(t)
	b, err := other.DeriveRecordKey("m1", salt)
	if err != nil {
		t.Fatalf("DeriveRecordKey: %v", err)
	}
	if !bytes.Equal(a.KeyMaterial, b.KeyMaterial) {
		t.Error("same (secret, id, salt) produced different key material")
	}
	if a.KeyID != b.KeyID {
		t.Errorf("key ids differ: %q vs %q", a.KeyID, b.KeyID)
	}
	if len(a.KeyMaterial) != 32 {
		t.Errorf("key length = %d, want 32", len(a.KeyMaterial))
	}
}

func TestDeriveRecordKey_DiffersByRecordAndSalt(t *testing.T) {
	m := initManager(t)
	salt := []byte("0123456789abcdef")
	a, _ := m.DeriveRecordKey("m1", salt)
	b, _ := m.DeriveRecordKey("m2", salt)
	c, _ := m.DeriveRecordKey("m1", []byte("fedcba9876543210"))
	if bytes.Equal(a.KeyMaterial, b.KeyMaterial) {
		t.Error("different record ids produced the same key")
	}
	if bytes.Equal(a.KeyMaterial, c.KeyMaterial) {
		t.Error("different salts produced the same key")
	}
}

func TestDeriveRecordKey_GeneratesSalt(t *testing.T) {
	m := initManager(t)
	dk, err := m.DeriveRecordKey("m1", nil)
	if err != nil {
		t.Fatalf("DeriveRecordKey: %v", err)
	}
	if len(dk.Salt) != SaltSize {
		t.Fatalf("salt length = %d, want %d", len(dk.Salt), SaltSize)
	}
	again, _ := m.DeriveRecordKey("m1", dk.Salt)
	if !bytes.Equal(dk.KeyMaterial, again.KeyMaterial) {
		t.Error("re-deriving with the returned salt should reproduce the key")
	}
	if _, ok := m.Lookup(dk.KeyID); !ok {
		t.Error("derived key should be cached")
	}
}

func TestSessionKey(t *testing.T) {
	m := NewManager()
	a, err := m.SessionKey("")
	if err != nil {
		t.Fatalf("SessionKey: %v", err)
	}
	b, _ := m.SessionKey("")
	if a.KeyID == b.KeyID || bytes.Equal(a.KeyMaterial, b.KeyMaterial) {
		t.Error("session keys should be unique")
	}
	if got, ok := m.Lookup(a.KeyID); !ok || !bytes.Equal(got.KeyMaterial, a.KeyMaterial) {
		t.Error("session key not retrievable via Lookup")
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	m := initManager(t)
	if err := m.Initialize([]byte("correct horse battery staple")); err != nil {
		t.Errorf("re-initialise with same secret: %v", err)
	}
	if err := m.Initialize([]byte("other")); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("different secret err = %v, want ErrConflict", err)
	}
}

func TestClear(t *testing.T) {
	m := initManager(t)
	dk, _ := m.DeriveRecordKey("m1", nil)
	sk, _ := m.SessionKey("s1")
	m.Clear()

	if m.Initialized() {
		t.Error("manager should be uninitialised after Clear")
	}
	if _, ok := m.Lookup(dk.KeyID); ok {
		t.Error("record key survived Clear")
	}
	if _, ok := m.Lookup(sk.KeyID); ok {
		t.Error("session key survived Clear")
	}
	if _, err := m.DeriveRecordKey("m1", dk.Salt); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Errorf("derive after Clear err = %v, want ErrNotConfigured", err)
	}
}

func TestParseRecordKeyID(t *testing.T) {
	salt := []byte{1, 2, 3, 4}
	id := RecordKeyID("abc:def", salt)
	rec, got, ok := ParseRecordKeyID(id)
	if !ok {
		t.Fatalf("ParseRecordKeyID(%q) failed", id)
	}
	if rec != "abc:def" || !bytes.Equal(got, salt) {
		t.Errorf("parsed (%q, %x), want (abc:def, %x)", rec, got, salt)
	}
	for _, bad := range []string{"session:x", "record:", "record:m1:zz", "record::0102"} {
		if _, _, ok := ParseRecordKeyID(bad); ok {
			t.Errorf("ParseRecordKeyID(%q) should fail", bad)
		}
	}
}
