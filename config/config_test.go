package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "wagate", cfg.System.Appid)
	assert.Equal(t, 1989, cfg.Web.Port)
	assert.False(t, cfg.Database.Enable)
	assert.Equal(t, 30, cfg.Whatsapp.QrWaitSec)
	assert.Equal(t, 5, cfg.Whatsapp.QueryTimeoutSec)
	assert.NotEmpty(t, cfg.Whatsapp.StoreDir)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("/does/not/exist.yml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Web.Port, cfg.Web.Port)
}

func TestLoadConfigFromFile(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), "wagate.yml")
	content := `
web:
  host: 127.0.0.1
  port: 8089
  secret: from-file
whatsapp:
  store_dir: /tmp/wa-sessions
  qr_wait_sec: 45
`
	require.NoError(t, os.WriteFile(cfile, []byte(content), 0o644))

	cfg, err := LoadConfig(cfile)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Web.Host)
	assert.Equal(t, 8089, cfg.Web.Port)
	assert.Equal(t, "from-file", cfg.Web.Secret)
	assert.Equal(t, "/tmp/wa-sessions", cfg.Whatsapp.StoreDir)
	assert.Equal(t, 45, cfg.Whatsapp.QrWaitSec)
}

func TestLoadConfigInvalidYaml(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), "broken.yml")
	require.NoError(t, os.WriteFile(cfile, []byte("web: [not a map"), 0o644))

	_, err := LoadConfig(cfile)
	assert.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("WAGATE_WEB_PORT", "9999")
	t.Setenv("WAGATE_WEB_SECRET", "from-env")
	t.Setenv("WAGATE_WA_QR_WAIT_SEC", "60")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Web.Port)
	assert.Equal(t, "from-env", cfg.Web.Secret)
	assert.Equal(t, 60, cfg.Whatsapp.QrWaitSec)
}

func TestLoadConfigDerivesStoreDir(t *testing.T) {
	cfile := filepath.Join(t.TempDir(), "wagate.yml")
	content := `
system:
  workdir: /opt/wagate
whatsapp:
  store_dir: ""
`
	require.NoError(t, os.WriteFile(cfile, []byte(content), 0o644))

	cfg, err := LoadConfig(cfile)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/opt/wagate", "sessions"), cfg.Whatsapp.StoreDir)
}
