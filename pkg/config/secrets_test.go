package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	secrets := map[string]string{
		EnvAnthropicAPIKey: "sk-ant-test123",
		EnvOpenAIAPIKey:    "sk-test-openai",
	}

	require.NoError(t, EncryptSecretsFile(tmpDir, "test-password-12345", secrets))

	info, err := os.Stat(SecretsPath(tmpDir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	decrypted, err := DecryptSecretsFile(tmpDir, "test-password-12345")
	require.NoError(t, err)
	assert.Equal(t, secrets, decrypted)
}

func TestDecryptWithWrongPassword(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(tmpDir, "correct", map[string]string{"A": "b"}))

	_, err := DecryptSecretsFile(tmpDir, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wrong password")
}

func TestDecryptFixesPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(tmpDir, "pw", map[string]string{"A": "b"}))
	require.NoError(t, os.Chmod(SecretsPath(tmpDir), 0o644))

	_, err := DecryptSecretsFile(tmpDir, "pw")
	require.NoError(t, err)

	info, err := os.Stat(SecretsPath(tmpDir))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestDecryptRejectsTruncatedFile(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, EncryptSecretsFile(tmpDir, "pw", map[string]string{}))
	require.NoError(t, os.WriteFile(SecretsPath(tmpDir), []byte("short"), 0o600))

	_, err := DecryptSecretsFile(tmpDir, "pw")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestSetSecretInFileMerges(t *testing.T) {
	tmpDir := t.TempDir()
	require.NoError(t, SetSecretInFile(tmpDir, "pw", "A", "1"))
	require.NoError(t, SetSecretInFile(tmpDir, "pw", "B", "2"))

	got, err := DecryptSecretsFile(tmpDir, "pw")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1", "B": "2"}, got)
}

func TestGetSecretPrecedence(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"AGENTD_TEST_SECRET": "from-file"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	v, err := GetSecret("AGENTD_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-file", v)

	t.Setenv("AGENTD_TEST_SECRET", "from-env")
	v, err = GetSecret("AGENTD_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = GetSecret("AGENTD_MISSING_SECRET")
	require.ErrorIs(t, err, ErrSecretNotFound)
	assert.Equal(t, []string{"AGENTD_TEST_SECRET"}, SecretNames())
}
