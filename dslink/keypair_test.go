package dslink

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestKeyPairSaveParse(t *testing.T) {
	keyPair, err := GenerateKeyPair()
	assert.Equal(t, err, nil)
	assert.Equal(t, len(keyPair.EncodedPublicKey()), 65)
	assert.Equal(t, len(keyPair.IdSuffix()), 43)

	parsed, err := ParseKeyPair(keyPair.Save())
	assert.Equal(t, err, nil)
	assert.Equal(t, parsed.EncodedPublicKey(), keyPair.EncodedPublicKey())
	assert.Equal(t, parsed.IdSuffix(), keyPair.IdSuffix())

	other, _ := GenerateKeyPair()
	_, err = ParseKeyPair(UrlBase64Encode(keyPair.privateKey.Bytes()) + " " + UrlBase64Encode(other.EncodedPublicKey()))
	assert.NotEqual(t, err, nil)

	_, err = ParseKeyPair("onlyonepart")
	assert.NotEqual(t, err, nil)
}

func TestLoadOrCreateKeyPair(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "storage")

	a, err := LoadOrCreateKeyPair(dir)
	assert.Equal(t, err, nil)
	info, err := os.Stat(filepath.Join(dir, KeysFilename))
	assert.Equal(t, err, nil)
	assert.Equal(t, info.Mode().Perm(), os.FileMode(0600))

	// the same identity on restart
	b, err := LoadOrCreateKeyPair(dir)
	assert.Equal(t, err, nil)
	assert.Equal(t, a.IdSuffix(), b.IdSuffix())

	err = os.WriteFile(filepath.Join(dir, KeysFilename), []byte("garbage"), 0600)
	assert.Equal(t, err, nil)
	_, err = LoadOrCreateKeyPair(dir)
	assert.NotEqual(t, err, nil)
}

func TestSharedSecret(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()

	ab, err := a.SharedSecret(UrlBase64Encode(b.EncodedPublicKey()))
	assert.Equal(t, err, nil)
	ba, err := b.SharedSecret(UrlBase64Encode(a.EncodedPublicKey()))
	assert.Equal(t, err, nil)
	assert.Equal(t, ab, ba)
	assert.Equal(t, len(ab), 32)

	_, err = a.SharedSecret("AAAA")
	assert.NotEqual(t, err, nil)
}

func TestAuthToken(t *testing.T) {
	secret := []byte{1, 2, 3, 4}
	hash := sha256.Sum256(append([]byte("0x1234"), secret...))
	assert.Equal(t, AuthToken("0x1234", secret), UrlBase64Encode(hash[:]))

	// a new salt gives a new token
	assert.NotEqual(t, AuthToken("0x1235", secret), AuthToken("0x1234", secret))
}

func TestCreateTokenParameter(t *testing.T) {
	token := "abcdefghijklmnopSECRETSECRETSECRETSECRETSECRETSECRETSECRET"
	dsId := "link-abc"
	hash := sha256.Sum256([]byte(dsId + token))

	parameter := CreateTokenParameter(token, dsId)
	assert.Equal(t, parameter, "abcdefghijklmnop"+UrlBase64Encode(hash[:]))
	assert.Equal(t, len(parameter), 16+43)

	// short tokens are sent as-is
	assert.Equal(t, CreateTokenParameter("short", dsId), "short")
}

func TestUrlBase64(t *testing.T) {
	b := []byte{0xfb, 0xff, 0x01}
	encoded := UrlBase64Encode(b)
	assert.Equal(t, encoded, "-_8B")

	decoded, err := UrlBase64Decode(encoded)
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, b)

	decoded, err = UrlBase64Decode("AQ==")
	assert.Equal(t, err, nil)
	assert.Equal(t, decoded, []byte{1})
}
