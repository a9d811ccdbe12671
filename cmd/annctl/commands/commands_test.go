package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, dbPath string, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", dbPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_Lifecycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.sqlite")

	out, err := run(t, dbPath, "create", "docs", "--dim", "2", "--metric", "l2")
	require.NoError(t, err)
	assert.Contains(t, out, "collection docs created")

	points := []string{"[0,0]", "1,0", "[5,5]"}
	for i, p := range points {
		out, err = run(t, dbPath, "insert", "docs", "--vector", p, "--metadata", `{"n":`+string(rune('0'+i))+`}`)
		require.NoError(t, err)
		assert.Equal(t, string(rune('1'+i)), strings.TrimSpace(out))
	}

	out, err = run(t, dbPath, "search", "docs", "--vector", "[0.9,0]", "--k", "2", "--metadata")
	require.NoError(t, err)
	var view struct {
		Neighbors []struct {
			ID       uint64         `json:"id"`
			Metadata map[string]any `json:"metadata"`
		} `json:"neighbors"`
		Plan struct {
			Strategy string `json:"strategy"`
		} `json:"plan"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Len(t, view.Neighbors, 2)
	assert.Equal(t, uint64(2), view.Neighbors[0].ID)
	assert.Equal(t, uint64(1), view.Neighbors[1].ID)
	assert.EqualValues(t, 1, view.Neighbors[0].Metadata["n"])
	assert.NotEmpty(t, view.Plan.Strategy)

	out, err = run(t, dbPath, "search", "docs", "--vector", "0,0", "--k", "3", "--filter", ".n >= 2")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Len(t, view.Neighbors, 1)
	assert.Equal(t, uint64(3), view.Neighbors[0].ID)

	out, err = run(t, dbPath, "get", "docs", "3")
	require.NoError(t, err)
	assert.Contains(t, out, `"vector": [`)

	_, err = run(t, dbPath, "delete", "docs", "3")
	require.NoError(t, err)
	_, err = run(t, dbPath, "get", "docs", "3")
	assert.Error(t, err)

	out, err = run(t, dbPath, "stats", "docs")
	require.NoError(t, err)
	var st struct {
		Live int `json:"live"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 2, st.Live)

	_, err = run(t, dbPath, "checkpoint", "docs")
	require.NoError(t, err)
	_, err = run(t, dbPath, "compact", "docs")
	require.NoError(t, err)
	out, err = run(t, dbPath, "repair", "docs")
	require.NoError(t, err)
	assert.Equal(t, "2 rows indexed", strings.TrimSpace(out))

	out, err = run(t, dbPath, "collections")
	require.NoError(t, err)
	assert.Equal(t, "docs", strings.TrimSpace(out))

	_, err = run(t, dbPath, "drop", "docs")
	require.NoError(t, err)
	out, err = run(t, dbPath, "collections")
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}

func TestCLI_Errors(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cli.sqlite")
	_, err := run(t, dbPath, "create", "docs")
	assert.Error(t, err)
	_, err = run(t, dbPath, "create", "docs", "--dim", "2", "--metric", "hamming")
	assert.Error(t, err)
	_, err = run(t, dbPath, "insert", "docs", "--vector", "a,b")
	assert.Error(t, err)
	_, err = run(t, dbPath, "get", "docs", "x")
	assert.Error(t, err)
	_, err = run(t, dbPath, "search", "missing", "--vector", "1,2")
	assert.Error(t, err)
}

func TestCLI_Config(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ann.yaml")
	dbPath := filepath.Join(dir, "from-config.sqlite")
	require.NoError(t, os.WriteFile(cfgPath, []byte("storage:\n  path: "+dbPath+"\nlog:\n  level: error\n"), 0o644))

	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", cfgPath, "create", "docs", "--dim", "3"})
	require.NoError(t, cmd.Execute())
	assert.FileExists(t, dbPath)
}

func TestParseVector(t *testing.T) {
	v, err := parseVector(" [1, 2.5] ")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2.5}, v)
	v, err = parseVector("1, 2,3")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, v)
	_, err = parseVector("")
	assert.Error(t, err)
	_, err = parseVector("[1,")
	assert.Error(t, err)
}
