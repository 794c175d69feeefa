package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(dir string) *Config {
	return &Config{
		dir:       dir,
		HpVersion: "1.0.0",
		Node: Node{
			Role:       RoleValidator,
			History:    HistoryFull,
			PubkeyHex:  "abc123",
		},
		Contract: Contract{
			UNL:           []string{"abc123"},
			Roundtime:     1000,
			StageSlice:    25,
			Threshold:     80,
			ConsensusMode: ModePublic,
		},
		User: User{ConcurrentReadRequests: 4},
		Log:  Log{Level: "inf", Loggers: []string{"console"}},
	}
}

func writeTestFile(t *testing.T, dir string, c *Config) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cfg"), 0755))

	b, err := json.MarshalIndent(c, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfgPath(dir), b, 0600))
}

func TestLoadValidatesAndLocksFile(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, newTestConfig(dir))

	c, err := Load(dir)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, RoleValidator, c.Node.Role)
	assert.Equal(t, 1000, c.Contract.Roundtime)
}

func TestLoadSecondInstanceFailsFast(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, newTestConfig(dir))

	c, err := Load(dir)
	require.NoError(t, err)
	defer c.Close()

	_, err = Load(dir)
	assert.Error(t, err)
}

func TestValidateRejectsOutOfRangeRoundtime(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.Contract.Roundtime = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsSelfNotInUNL(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.Contract.UNL = []string{"someoneelse"}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsCustomHistoryWithoutShards(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.Node.History = HistoryCustom
	c.Node.MaxPrimaryShards = 0
	assert.Error(t, c.Validate())
}

func TestValidateAcceptsHpVersionAboveMinimum(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.HpVersion = "1.10.0"
	assert.NoError(t, c.Validate())
}

func TestValidateRejectsHpVersionBelowMinimum(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.HpVersion = "0.9.0"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsMalformedHpVersion(t *testing.T) {
	c := newTestConfig(t.TempDir())
	c.HpVersion = "not-a-version"
	assert.Error(t, c.Validate())
}

func TestSaveReadSaveByteIdentical(t *testing.T) {
	dir := t.TempDir()
	c := newTestConfig(dir)
	writeTestFile(t, dir, c)

	loaded, err := Load(dir)
	require.NoError(t, err)
	defer loaded.Close()

	require.NoError(t, loaded.Save())
	first, err := os.ReadFile(cfgPath(dir))
	require.NoError(t, err)

	require.NoError(t, loaded.Save())
	second, err := os.ReadFile(cfgPath(dir))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPersistKnownPeersOnlyTouchesMesh(t *testing.T) {
	dir := t.TempDir()
	c := newTestConfig(dir)
	writeTestFile(t, dir, c)

	loaded, err := Load(dir)
	require.NoError(t, err)
	defer loaded.Close()

	require.NoError(t, loaded.PersistKnownPeers([]string{"10.0.0.1:1111"}))
	assert.Equal(t, []string{"10.0.0.1:1111"}, loaded.Mesh.KnownPeers)
}
