package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadMissingPathReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(path, []byte("num_tx_msgs: 40\nserial_port: /dev/ttyUSB0\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.NumTxMsgs)
	assert.Equal(t, "/dev/ttyUSB0", cfg.SerialPort)
	assert.Equal(t, 45, cfg.SizeTxMsg, "fields absent from the overlay keep their default")
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cfg := Default()
	cfg.NumTxMsgs = 4
	assert.Error(t, cfg.Validate())
}

func TestBindFlagsOverridesDefault(t *testing.T) {
	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--num-tx-msgs=50"}))
	assert.Equal(t, 50, cfg.NumTxMsgs)
}
