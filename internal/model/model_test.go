package model

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVersionDir(t *testing.T, versionID string) string {
	t.Helper()
	dir := t.TempDir()

	treeRaw, err := json.Marshal(twoFeatureArtifact())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "xgb_model.json"), treeRaw, 0o600))

	seqRaw, err := json.Marshal(tinyArtifact())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lstm_model.json"), seqRaw, 0o600))

	m := manifest{VersionID: versionID, XGBArtifact: "xgb_model.json", LSTMArtifact: "lstm_model.json"}
	mRaw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), mRaw, 0o600))

	return dir
}

func TestLoadVersion(t *testing.T) {
	dir := writeVersionDir(t, "v4")

	v, err := LoadVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, "v4", v.ID)
	assert.False(t, v.LoadedAt.IsZero())
	assert.NotNil(t, v.Tree)
	assert.NotNil(t, v.Seq)

	sum := v.Summary()
	assert.Equal(t, "v4", sum.VersionID)
	assert.Equal(t, "xgb_model.json", sum.XGBArtifact)
	assert.Equal(t, "lstm_model.json", sum.LSTMArtifact)
}

func TestLoadVersionMissingManifest(t *testing.T) {
	_, err := LoadVersion(t.TempDir())
	assert.Error(t, err)
}

func TestLoadVersionIncompleteManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestName), []byte(`{"versionId":"v4"}`), 0o600))
	_, err := LoadVersion(dir)
	assert.Error(t, err)
}

func TestLoadVersionBrokenArtifact(t *testing.T) {
	dir := writeVersionDir(t, "v4")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lstm_model.json"), []byte("not json"), 0o600))
	_, err := LoadVersion(dir)
	assert.Error(t, err)
}
