package envelope

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/keys"
	"github.com/starford/memvault/internal/models"
)

// Low iteration count keeps the suite fast; the envelope records it.
const testIterations = 1000

func testCipher(t *testing.T) (*Cipher, *keys.Manager) {
	t.Helper()
	km := keys.NewManager()
	if err := km.Initialize([]byte("master-secret")); err != nil {
		t.Fatal(err)
	}
	return New(km, WithIterations(testIterations)), km
}

func TestRoundTrip(t *testing.T) {
	c, km := testCipher(t)
	salt := []byte("0123456789abcdef")
	for _, plain := range []string{"secret", "", "päivää 🌍", `{"json":true}`} {
		dk, err := km.DeriveRecordKey("m1", salt)
		if err != nil {
			t.Fatal(err)
		}
		env, err := c.Encrypt(plain, dk.KeyID)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		got, err := c.Decrypt(env, dk.KeyID)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", plain, err)
		}
		if got != plain {
			t.Errorf("round trip = %q, want %q", got, plain)
		}
	}
}

func TestEnvelopeShape(t *testing.T) {
	c, km := testCipher(t)
	dk, _ := km.DeriveRecordKey("m1", nil)
	env, err := c.Encrypt("secret", dk.KeyID)
	if err != nil {
		t.Fatal(err)
	}
	if env.Algorithm != AlgorithmAESGCM {
		t.Errorf("algorithm = %q", env.Algorithm)
	}
	if env.KDFIterations != testIterations {
		t.Errorf("iterations = %d, want %d", env.KDFIterations, testIterations)
	}
	if string(env.Salt) != string(dk.Salt) {
		t.Error("record key salt should be carried in the envelope")
	}
	content := env.String()
	if content == "secret" {
		t.Fatal("content stored in plaintext")
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		t.Fatalf("envelope is not JSON: %v", err)
	}
	for _, field := range []string{"ciphertext", "iv", "salt", "authTag", "algorithm", "kdfIterations"} {
		if _, ok := raw[field]; !ok {
			t.Errorf("envelope missing %q", field)
		}
	}
	parsed, err := models.ParseEnvelope(content)
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	got, err := c.Decrypt(parsed, dk.KeyID)
	if err != nil || got != "secret" {
		t.Errorf("decrypt parsed = (%q, %v)", got, err)
	}
}

func TestTamperDetection_WrongRecordKey(t *testing.T) {
	c, km := testCipher(t)
	salt := []byte("0123456789abcdef")
	right, _ := km.DeriveRecordKey("m1", salt)
	wrong, _ := km.DeriveRecordKey("m2", salt)

	env, _ := c.Encrypt("secret", right.KeyID)
	got, err := c.Decrypt(env, wrong.KeyID)
	if err == nil && got == "secret" {
		t.Fatal("decrypting with another record's key returned the plaintext")
	}
	if !errors.Is(err, apperr.ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestTamperDetection_FlippedCiphertext(t *testing.T) {
	c, km := testCipher(t)
	dk, _ := km.DeriveRecordKey("m1", nil)
	env, _ := c.Encrypt("secret", dk.KeyID)
	env.Ciphertext[0] ^= 0xff
	if _, err := c.Decrypt(env, dk.KeyID); !errors.Is(err, apperr.ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}

func TestIterationsAreSelfDescribing(t *testing.T) {
	km := keys.NewManager()
	_ = km.Initialize([]byte("master-secret"))
	dk, _ := km.DeriveRecordKey("m1", nil)

	old := New(km, WithIterations(500))
	env, _ := old.Encrypt("legacy", dk.KeyID)

	current := New(km, WithIterations(2000))
	got, err := current.Decrypt(env, dk.KeyID)
	if err != nil || got != "legacy" {
		t.Errorf("decrypt with changed default = (%q, %v)", got, err)
	}
}

func TestDecrypt_KeyNotFound(t *testing.T) {
	c, km := testCipher(t)
	dk, _ := km.DeriveRecordKey("m1", nil)
	env, _ := c.Encrypt("secret", dk.KeyID)
	if _, err := c.Decrypt(env, "record:unknown:00"); !errors.Is(err, apperr.ErrKeyNotFound) {
		t.Errorf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestEncrypt_MissingKeyPolicy(t *testing.T) {
	km := keys.NewManager()
	strict := New(km, WithIterations(testIterations))
	if _, err := strict.Encrypt("x", "nope"); !errors.Is(err, apperr.ErrKeyNotFound) {
		t.Errorf("error policy err = %v, want ErrKeyNotFound", err)
	}

	lenient := New(km, WithIterations(testIterations), WithMissingKeyPolicy(PolicySessionKey))
	env, err := lenient.Encrypt("x", "nope")
	if err != nil {
		t.Fatalf("session policy: %v", err)
	}
	got, err := lenient.Decrypt(env, "nope")
	if err != nil || got != "x" {
		t.Errorf("decrypt with session fallback key = (%q, %v)", got, err)
	}
}

func TestDecryptContent_Garbage(t *testing.T) {
	c, _ := testCipher(t)
	if _, err := c.DecryptContent("not json", "k"); !errors.Is(err, apperr.ErrDecryptionFailed) {
		t.Errorf("err = %v, want ErrDecryptionFailed", err)
	}
}
