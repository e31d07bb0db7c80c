package sign

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

const (
	EnvPrivateKey = "REPROZIP_SIGNING_KEY"
	EnvPublicKey  = "REPROZIP_VERIFY_KEY"
)

// LoadSigningKey reads a base64 private key from path, or from
// REPROZIP_SIGNING_KEY when path is empty. ok is false when neither is set.
func LoadSigningKey(path string) (keys KeyPair, ok bool, err error) {
	encoded, ok, err := keyText(path, EnvPrivateKey)
	if err != nil || !ok {
		return KeyPair{}, false, err
	}
	priv, err := ParsePrivateKey(encoded)
	if err != nil {
		return KeyPair{}, false, err
	}
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, true, nil
}

// LoadVerifyKey reads a base64 public key from path, or from
// REPROZIP_VERIFY_KEY when path is empty.
func LoadVerifyKey(path string) (ed25519.PublicKey, error) {
	encoded, ok, err := keyText(path, EnvPublicKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("public key not configured: pass a key file or set %s", EnvPublicKey)
	}
	return ParsePublicKey(encoded)
}

func ParsePrivateKey(encoded string) (ed25519.PrivateKey, error) {
	raw, err := decodeKey(encoded, ed25519.PrivateKeySize, "private")
	return ed25519.PrivateKey(raw), err
}

func ParsePublicKey(encoded string) (ed25519.PublicKey, error) {
	raw, err := decodeKey(encoded, ed25519.PublicKeySize, "public")
	return ed25519.PublicKey(raw), err
}

func decodeKey(encoded string, size int, kind string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s key: %w", kind, err)
	}
	if len(raw) != size {
		return nil, fmt.Errorf("%s key is %d bytes, want %d", kind, len(raw), size)
	}
	return raw, nil
}

// keyText returns the trimmed key text from path, or from the environment
// variable when path is empty.
func keyText(path, env string) (string, bool, error) {
	if path == "" {
		value := strings.TrimSpace(os.Getenv(env))
		return value, value != "", nil
	}
	// #nosec G304 -- key path is explicit user input.
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", false, fmt.Errorf("read key: %w", err)
	}
	return string(bytes.TrimSpace(raw)), true, nil
}
