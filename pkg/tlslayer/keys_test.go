package tlslayer

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// encryptPKCS8 wraps a PKCS#8 key in PBES2 with AES-256-CBC.
func encryptPKCS8(t *testing.T, der, password []byte, useScrypt bool) []byte {
	t.Helper()
	salt := make([]byte, 16)
	iv := make([]byte, aes.BlockSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	var kdf pkix.AlgorithmIdentifier
	var key []byte
	if useScrypt {
		params, err := asn1.Marshal(scryptParams{Salt: salt, N: 1 << 10, R: 8, P: 1})
		require.NoError(t, err)
		kdf = pkix.AlgorithmIdentifier{Algorithm: oidScrypt, Parameters: asn1.RawValue{FullBytes: params}}
		key, err = scrypt.Key(password, salt, 1<<10, 8, 1, 32)
		require.NoError(t, err)
	} else {
		params, err := asn1.Marshal(pbkdf2Params{
			Salt: salt,
			Iter: 2048,
			PRF:  pkix.AlgorithmIdentifier{Algorithm: oidHMACSHA256, Parameters: asn1.NullRawValue},
		})
		require.NoError(t, err)
		kdf = pkix.AlgorithmIdentifier{Algorithm: oidPBKDF2, Parameters: asn1.RawValue{FullBytes: params}}
		key = pbkdf2.Key(password, salt, 2048, 32, sha256.New)
	}

	pad := aes.BlockSize - len(der)%aes.BlockSize
	plain := append(append([]byte(nil), der...), make([]byte, pad)...)
	for i := len(der); i < len(plain); i++ {
		plain[i] = byte(pad)
	}
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plain)

	ivDER, err := asn1.Marshal(iv)
	require.NoError(t, err)
	scheme, err := asn1.Marshal(pbes2Params{
		KDF:    kdf,
		Scheme: pkix.AlgorithmIdentifier{Algorithm: oidAES256CBC, Parameters: asn1.RawValue{FullBytes: ivDER}},
	})
	require.NoError(t, err)
	out, err := asn1.Marshal(encryptedPrivateKeyInfo{
		Algo: pkix.AlgorithmIdentifier{Algorithm: oidPBES2, Parameters: asn1.RawValue{FullBytes: scheme}},
		Data: ciphertext,
	})
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: out})
}

func writeKey(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestLoadKeyPairFormats(t *testing.T) {
	pki := newPKI(t, "keys")
	pkcs8, err := x509.MarshalPKCS8PrivateKey(pki.key)
	require.NoError(t, err)

	//nolint:staticcheck
	legacy, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", pki.keyDER, []byte("secret"), x509.PEMCipherAES256)
	require.NoError(t, err)

	tests := []struct {
		name     string
		pem      []byte
		password string
	}{
		{"sec1", pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: pki.keyDER}), ""},
		{"pkcs8", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8}), ""},
		{"legacy encrypted", pem.EncodeToMemory(legacy), "secret"},
		{"pbes2 pbkdf2", encryptPKCS8(t, pkcs8, []byte("secret"), false), "secret"},
		{"pbes2 scrypt", encryptPKCS8(t, pkcs8, []byte("secret"), true), "secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pair, err := loadKeyPair(pki.certFile, writeKey(t, tt.pem), tt.password)
			require.NoError(t, err)
			assert.True(t, pki.key.Equal(pair.PrivateKey))
		})
	}
}

func TestLoadKeyPairSkipsLeadingBlocks(t *testing.T) {
	pki := newPKI(t, "keys")
	certPEM, err := os.ReadFile(pki.certFile)
	require.NoError(t, err)
	keyPEM, err := os.ReadFile(pki.keyFile)
	require.NoError(t, err)

	pair, err := loadKeyPair(pki.certFile, writeKey(t, append(certPEM, keyPEM...)), "")
	require.NoError(t, err)
	assert.True(t, pki.key.Equal(pair.PrivateKey))
}

func TestLoadKeyPairPasswordErrors(t *testing.T) {
	pki := newPKI(t, "keys")
	pkcs8, err := x509.MarshalPKCS8PrivateKey(pki.key)
	require.NoError(t, err)
	encrypted := writeKey(t, encryptPKCS8(t, pkcs8, []byte("secret"), false))

	_, err = loadKeyPair(pki.certFile, encrypted, "")
	assert.ErrorIs(t, err, ErrKeyPassword)

	_, err = loadKeyPair(pki.certFile, encrypted, "wrong")
	assert.Error(t, err)

	//nolint:staticcheck
	legacy, err := x509.EncryptPEMBlock(rand.Reader, "EC PRIVATE KEY", pki.keyDER, []byte("secret"), x509.PEMCipherAES128)
	require.NoError(t, err)
	_, err = loadKeyPair(pki.certFile, writeKey(t, pem.EncodeToMemory(legacy)), "")
	assert.ErrorIs(t, err, ErrKeyPassword)
}

func TestLoadKeyPairErrors(t *testing.T) {
	pki := newPKI(t, "keys")

	_, err := loadKeyPair(pki.certFile, writeKey(t, []byte("not pem")), "")
	assert.ErrorContains(t, err, "no private key found")

	_, err = loadKeyPair(filepath.Join(t.TempDir(), "missing.crt"), pki.keyFile, "")
	assert.ErrorContains(t, err, "read certificate")

	other := newPKI(t, "other")
	_, err = loadKeyPair(pki.certFile, other.keyFile, "")
	assert.ErrorContains(t, err, "certificate")
}

func TestUnpad(t *testing.T) {
	out, err := unpad([]byte{1, 2, 3, 3, 3, 3}, 8)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)

	_, err = unpad([]byte{1, 2, 3, 0}, 8)
	assert.ErrorIs(t, err, ErrKeyPassword)

	_, err = unpad([]byte{1, 2, 2, 3}, 8)
	assert.ErrorIs(t, err, ErrKeyPassword)
}
