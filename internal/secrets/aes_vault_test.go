package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/pipekit/pkg/schema"
)

func testVault(t *testing.T) *AESVault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewAESVault(VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v
}

func TestAESVault_SealAndOpen(t *testing.T) {
	v := testVault(t)

	sealed, err := v.Seal("libsql://db.example.com?authToken=sk-123")
	require.NoError(t, err)
	assert.True(t, IsSealed(sealed))
	assert.NotContains(t, sealed, "sk-123")

	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "libsql://db.example.com?authToken=sk-123", plain)
}

func TestAESVault_PassphraseDerivation(t *testing.T) {
	v, err := NewAESVault(VaultConfig{
		Passphrase: "my-secure-passphrase",
		Salt:       []byte("test-salt-16byte"),
		Iterations: 1000, // low for test speed
	})
	require.NoError(t, err)

	sealed, err := v.Seal("value")
	require.NoError(t, err)
	plain, err := v.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "value", plain)
}

func TestAESVault_WrongKeyCannotOpen(t *testing.T) {
	key2 := make([]byte, 32)
	key2[0] = 0xFF

	v1, _ := NewAESVault(VaultConfig{MasterKey: make([]byte, 32)})
	sealed, err := v1.Seal("hidden")
	require.NoError(t, err)

	v2, _ := NewAESVault(VaultConfig{MasterKey: key2})
	_, err = v2.Open(sealed)
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
}

func TestAESVault_UniqueNonces(t *testing.T) {
	v := testVault(t)

	a, err := v.Seal("same-value")
	require.NoError(t, err)
	b, err := v.Seal("same-value")
	require.NoError(t, err)

	// Same plaintext must produce different ciphertext (random nonce).
	assert.NotEqual(t, a, b)
}

func TestAESVault_PlainPassesThrough(t *testing.T) {
	v := testVault(t)

	plain, err := v.Open("file:/tmp/legacy.db")
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/legacy.db", plain)

	sealed, err := v.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)
}

func TestAESVault_Malformed(t *testing.T) {
	v := testVault(t)

	_, err := v.Open(sealedPrefix + "!!!")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault))

	_, err = v.Open(sealedPrefix + "AAAA")
	assert.True(t, schema.HasCode(err, schema.ErrCodeVault), "shorter than a nonce")
}

func TestAESVault_KeyConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  VaultConfig
	}{
		{"short key", VaultConfig{MasterKey: []byte("too-short")}},
		{"nothing", VaultConfig{}},
		{"passphrase without salt", VaultConfig{Passphrase: "pass"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAESVault(tc.cfg)
			assert.True(t, schema.HasCode(err, schema.ErrCodeVault))
		})
	}
}
