package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"lsmkv/pkg/config"
	"lsmkv/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayCmd_PrintsLog(t *testing.T) {
	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")

	cfg := config.Default().DB
	cfg.DataDir = dataDir
	db, err := store.Open(cfg)
	require.NoError(t, err)
	require.NoError(t, db.PutString(context.Background(), "a", "1"))
	require.NoError(t, db.DeleteString(context.Background(), "b"))
	require.NoError(t, db.Close())

	cfgPath := filepath.Join(dir, "config.yaml")
	yml := fmt.Sprintf("logger:\n  level: error\ndb:\n  data_dir: %s\n", dataDir)
	require.NoError(t, os.WriteFile(cfgPath, []byte(yml), 0o644))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"replay", "--config", cfgPath})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), `"a"@1`)
	assert.Contains(t, out.String(), `"b"@2`)
	assert.Contains(t, out.String(), "records=2 max_seqn=2 corrupt_files=0")
}

func TestReplayCmd_BadConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db:\n  memtable:\n    max_size_bytes: -1\n"), 0o644))

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"replay", "-c", cfgPath})
	assert.Error(t, root.Execute())
}
