package dslink

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const KeysFilename = ".keys"

// the curve used by DSA brokers (secp256r1)
var keyCurve = ecdh.P256()

// KeyPair is the link identity. The private scalar never leaves the process except
// through `Save`, which is written to the storage directory.
type KeyPair struct {
	privateKey *ecdh.PrivateKey
}

func GenerateKeyPair() (*KeyPair, error) {
	privateKey, err := keyCurve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{
		privateKey: privateKey,
	}, nil
}

// ParseKeyPair reads the `Save` format: "<private scalar> <public point>", both url base64.
func ParseKeyPair(s string) (*KeyPair, error) {
	parts := strings.Fields(s)
	if len(parts) != 2 {
		return nil, errors.New("key pair must have a private and public part")
	}
	privateBytes, err := UrlBase64Decode(parts[0])
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	publicBytes, err := UrlBase64Decode(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	privateKey, err := keyCurve.NewPrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if !bytes.Equal(privateKey.PublicKey().Bytes(), publicBytes) {
		return nil, errors.New("key pair corrupted: public key does not match private key")
	}
	return &KeyPair{
		privateKey: privateKey,
	}, nil
}

func (self *KeyPair) Save() string {
	return fmt.Sprintf(
		"%s %s",
		UrlBase64Encode(self.privateKey.Bytes()),
		UrlBase64Encode(self.EncodedPublicKey()),
	)
}

// uncompressed point, 65 bytes
func (self *KeyPair) EncodedPublicKey() []byte {
	return self.privateKey.PublicKey().Bytes()
}

// IdSuffix is the deterministic suffix of the dsId, 43 characters.
func (self *KeyPair) IdSuffix() string {
	hash := sha256.Sum256(self.EncodedPublicKey())
	return UrlBase64Encode(hash[:])
}

// SharedSecret runs ECDH against the peer's encoded (url base64) public key.
func (self *KeyPair) SharedSecret(remotePublicKey string) ([]byte, error) {
	remoteBytes, err := UrlBase64Decode(remotePublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode remote key: %w", err)
	}
	remoteKey, err := keyCurve.NewPublicKey(remoteBytes)
	if err != nil {
		return nil, fmt.Errorf("parse remote key: %w", err)
	}
	return self.privateKey.ECDH(remoteKey)
}

// LoadOrCreateKeyPair loads `.keys` from the storage dir, or generates a key pair and
// writes it there on first run.
func LoadOrCreateKeyPair(storageDir string) (*KeyPair, error) {
	path := filepath.Join(storageDir, KeysFilename)
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseKeyPair(strings.TrimSpace(string(data)))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read keys: %w", err)
	}

	keyPair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(storageDir, 0700); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := AtomicWrite(path, []byte(keyPair.Save()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write keys: %w", err)
	}
	return keyPair, nil
}

// AuthToken is the per connection websocket auth parameter,
// base64(SHA-256(salt ‖ sharedSecret)). The salt changes on every handshake.
func AuthToken(salt string, sharedSecret []byte) string {
	hash := sha256.New()
	hash.Write([]byte(salt))
	hash.Write(sharedSecret)
	return UrlBase64Encode(hash.Sum(nil))
}

// CreateTokenParameter derives the `token` query parameter from a broker token:
// the 16 character token id followed by a hash binding the token to this dsId.
func CreateTokenParameter(token string, dsId string) string {
	if len(token) < 16 {
		return token
	}
	hash := sha256.Sum256([]byte(dsId + token))
	return token[0:16] + UrlBase64Encode(hash[:])
}

func UrlBase64Encode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// UrlBase64Decode accepts padded and unpadded input
func UrlBase64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// AtomicWrite writes data to a file using a temp file + rename so the target is never
// left truncated.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
