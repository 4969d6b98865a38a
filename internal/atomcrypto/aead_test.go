package atomcrypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}

	payloads := [][]byte{
		[]byte("A"),
		[]byte("hello atomic storage"),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, plain := range payloads {
		env, err := Encrypt(key, plain)
		if err != nil {
			t.Fatalf("encrypt: %v", err)
		}
		if len(env.IV) != NonceSize || len(env.AuthTag) != TagSize {
			t.Fatalf("envelope shape wrong: iv=%d tag=%d", len(env.IV), len(env.AuthTag))
		}
		back, err := Decrypt(key, env)
		if err != nil {
			t.Fatalf("decrypt: %v", err)
		}
		if !bytes.Equal(back, plain) {
			t.Error("round trip did not restore plaintext")
		}
	}
}

func TestDecryptFailsClosed(t *testing.T) {
	key, _ := GenerateKey()
	env, err := Encrypt(key, []byte("sensitive payload"))
	if err != nil {
		t.Fatal(err)
	}

	tamper := func(e Envelope) Envelope {
		out := Envelope{
			IV:         append([]byte(nil), e.IV...),
			Ciphertext: append([]byte(nil), e.Ciphertext...),
			AuthTag:    append([]byte(nil), e.AuthTag...),
		}
		return out
	}

	cases := map[string]Envelope{}

	ct := tamper(env)
	ct.Ciphertext[0] ^= 0x01
	cases["ciphertext bit flip"] = ct

	iv := tamper(env)
	iv.IV[0] ^= 0x01
	cases["iv bit flip"] = iv

	tag := tamper(env)
	tag.AuthTag[0] ^= 0x01
	cases["tag bit flip"] = tag

	for name, bad := range cases {
		t.Run(name, func(t *testing.T) {
			if plain, err := Decrypt(key, bad); err == nil {
				t.Errorf("tampered envelope decrypted to %q", plain)
			}
		})
	}

	wrongKey, _ := GenerateKey()
	if _, err := Decrypt(wrongKey, env); err == nil {
		t.Error("decryption under the wrong key should fail")
	}
}

func TestEncryptWithIVIsDeterministic(t *testing.T) {
	key := make([]byte, KeySize)
	iv := make([]byte, NonceSize)
	plain := []byte{0x41}

	a, err := EncryptWithIV(key, iv, plain)
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncryptWithIV(key, iv, plain)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Ciphertext, b.Ciphertext) || !bytes.Equal(a.AuthTag, b.AuthTag) {
		t.Error("same key/iv/plaintext must produce identical envelopes")
	}
}

func TestEncryptRejectsBadKeySize(t *testing.T) {
	if _, err := Encrypt(make([]byte, 16), []byte("x")); err == nil {
		t.Error("16-byte key should be rejected")
	}
}

func TestTamperKey(t *testing.T) {
	secret := bytes.Repeat([]byte{0x7}, 64)
	body := []byte(`{"op":"SHARD"}`)

	mac := TamperKey(secret, body)
	if len(mac) != 64 {
		t.Fatalf("HMAC-SHA-512 should be 64 bytes, got %d", len(mac))
	}
	if !VerifyTamperKey(secret, body, mac) {
		t.Error("valid tamper key rejected")
	}
	if VerifyTamperKey(secret, []byte(`{"op":"BOND"}`), mac) {
		t.Error("tamper key verified against a different body")
	}
	mac[0] ^= 0xFF
	if VerifyTamperKey(secret, body, mac) {
		t.Error("corrupted tamper key verified")
	}
}
