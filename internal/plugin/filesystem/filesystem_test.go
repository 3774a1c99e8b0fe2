package filesystem

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnhnguyen97/moxie-ai/internal/domain"
	"github.com/johnhnguyen97/moxie-ai/internal/plugin"
)

func newFS(t *testing.T, allowWrite bool) (*Capability, string) {
	t.Helper()
	root := t.TempDir()
	c := New(Config{AllowedPaths: []string{root}, AllowWrite: allowWrite}, nil, nil)
	return c, root
}

func exec(t *testing.T, c *Capability, tool string, args any) *domain.ToolResult {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	res, err := c.Execute(context.Background(), tool, raw)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func output(t *testing.T, res *domain.ToolResult) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(res.Output, &out))
	return out
}

func TestManifestValid(t *testing.T) {
	c, _ := newFS(t, false)
	m := c.Manifest()
	require.NoError(t, m.Validate())
	assert.Equal(t, ID, m.ID)
	assert.Equal(t, "1.0.0", m.Version.String())
	assert.Equal(t, domain.CategoryFilesystem, m.Category)
	assert.Len(t, m.ConfigSchema, 3)
}

func TestToolsDependOnWriteAccess(t *testing.T) {
	ro, _ := newFS(t, false)
	rw, _ := newFS(t, true)

	names := func(defs []domain.ToolDefinition) []string {
		var out []string
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}
	assert.Equal(t, []string{"read_file", "list_directory"}, names(ro.Tools()))
	assert.Equal(t, []string{"read_file", "list_directory", "write_file"}, names(rw.Tools()))

	write, ok := domain.FindTool(rw, "write_file")
	require.True(t, ok)
	assert.True(t, write.RequiresConfirmation)
	require.NotNil(t, write.PluginID)
	assert.Equal(t, ID, *write.PluginID)
}

func TestReadFile(t *testing.T) {
	c, root := newFS(t, false)
	path := filepath.Join(root, "report.txt")
	require.NoError(t, os.WriteFile(path, []byte("quarterly numbers"), 0o644))

	res := exec(t, c, "read_file", map[string]string{"path": path})
	require.True(t, res.Success, res.Error)
	out := output(t, res)
	assert.Equal(t, "quarterly numbers", out["content"])
	assert.Equal(t, path, out["path"])
	assert.EqualValues(t, 17, out["size"])
}

func TestReadFileOutsideRootsDenied(t *testing.T) {
	c, root := newFS(t, false)
	outside := filepath.Join(filepath.Dir(root), "elsewhere.txt")

	for _, p := range []string{"/etc/passwd", outside, filepath.Join(root, "..", "..", "x")} {
		res := exec(t, c, "read_file", map[string]string{"path": p})
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "Access denied")
		assert.JSONEq(t, "null", string(res.Output))
	}
}

func TestNoRootsDeniesEverything(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	res := exec(t, c, "list_directory", map[string]string{"path": t.TempDir()})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Access denied")
}

func TestReadFileMissingAndTooLarge(t *testing.T) {
	root := t.TempDir()
	c := New(Config{AllowedPaths: []string{root}, MaxFileSize: 4}, nil, nil)

	res := exec(t, c, "read_file", map[string]string{"path": filepath.Join(root, "nope.txt")})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "File not found")

	big := filepath.Join(root, "big.txt")
	require.NoError(t, os.WriteFile(big, []byte("12345678"), 0o644))
	res = exec(t, c, "read_file", map[string]string{"path": big})
	assert.False(t, res.Success)
	assert.Equal(t, "File too large: 8 bytes (max: 4 bytes)", res.Error)
}

func TestWriteDisabledRegardlessOfPath(t *testing.T) {
	c, root := newFS(t, false)
	for _, p := range []string{filepath.Join(root, "ok.txt"), "/etc/evil"} {
		res := exec(t, c, "write_file", map[string]string{"path": p, "content": "x"})
		assert.False(t, res.Success)
		assert.Equal(t, "Write operations are disabled for this plugin", res.Error)
	}
	_, err := os.Stat(filepath.Join(root, "ok.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestWriteFileCreatesParents(t *testing.T) {
	c, root := newFS(t, true)
	target := filepath.Join(root, "drafts", "2026", "memo.md")

	res := exec(t, c, "write_file", map[string]string{"path": target, "content": "# Memo"})
	require.True(t, res.Success, res.Error)
	assert.EqualValues(t, 6, output(t, res)["bytes_written"])

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "# Memo", string(data))

	res = exec(t, c, "write_file", map[string]string{"path": filepath.Join(root, "..", "escape.txt"), "content": "x"})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Access denied")
}

func TestListDirectory(t *testing.T) {
	c, root := newFS(t, false)
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("bb"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))

	res := exec(t, c, "list_directory", map[string]string{"path": root})
	require.True(t, res.Success, res.Error)

	var out struct {
		Path    string  `json:"path"`
		Count   int     `json:"count"`
		Entries []entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(res.Output, &out))
	require.Equal(t, 3, out.Count)
	assert.Equal(t, "a.txt", out.Entries[0].Name)
	assert.Equal(t, "b.txt", out.Entries[1].Name)
	assert.EqualValues(t, 2, out.Entries[1].Size)
	assert.True(t, out.Entries[2].IsDir)
	assert.False(t, out.Entries[2].IsFile)
	assert.Equal(t, filepath.Join(root, "a.txt"), out.Entries[0].Path)

	res = exec(t, c, "list_directory", map[string]string{"path": filepath.Join(root, "missing")})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Directory not found")

	res = exec(t, c, "list_directory", map[string]string{"path": filepath.Join(root, "a.txt")})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "Not a directory")
}

func TestExecuteParameterErrors(t *testing.T) {
	c, _ := newFS(t, true)
	ctx := context.Background()

	_, err := c.Execute(ctx, "read_file", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "path is required")

	_, err = c.Execute(ctx, "write_file", json.RawMessage(`{"path":"x"}`))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "content is required")

	_, err = c.Execute(ctx, "read_file", json.RawMessage(`[1,2]`))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)

	_, err = c.Execute(ctx, "delete_file", json.RawMessage(`{"path":"x"}`))
	require.ErrorIs(t, err, domain.ErrToolNotFound)
}

func TestOnInitReplacesConfig(t *testing.T) {
	c := New(DefaultConfig(), nil, nil)
	root := t.TempDir()

	cfg, _ := json.Marshal(map[string]any{"allowed_paths": []string{root}, "allow_write": true})
	require.NoError(t, c.OnInit(context.Background(), domain.PluginContext{Config: cfg}))
	assert.Equal(t, []string{root}, c.Config().AllowedPaths)
	assert.True(t, c.Config().AllowWrite)
	assert.Equal(t, DefaultMaxFileSize, c.Config().MaxFileSize)

	// A null config keeps what was constructed.
	require.NoError(t, c.OnInit(context.Background(), domain.PluginContext{Config: json.RawMessage("null")}))
	assert.True(t, c.Config().AllowWrite)

	err := c.OnInit(context.Background(), domain.PluginContext{Config: json.RawMessage(`{"allowed_paths": 5}`)})
	require.ErrorIs(t, err, domain.ErrConfigError)
}

func TestThroughRegistry(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644))

	r := plugin.NewRegistry(nil, plugin.WithDataDir(t.TempDir()), plugin.WithArgumentValidation())
	cfg, _ := json.Marshal(Config{AllowedPaths: []string{root}})
	require.NoError(t, r.RegisterWithConfig(New(DefaultConfig(), nil, nil), cfg))
	require.NoError(t, r.InitAll(context.Background()))

	res, err := r.Execute(context.Background(), "read_file", json.RawMessage(`{"path":"`+filepath.Join(root, "hello.txt")+`"}`))
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotNil(t, res.Metadata)
	assert.Equal(t, ID, *res.Metadata.PluginID)

	// Schema validation rejects a missing path before the capability runs.
	_, err = r.Execute(context.Background(), "read_file", json.RawMessage(`{}`))
	require.ErrorIs(t, err, domain.ErrInvalidParameters)

	// write_file is not advertised without write access.
	_, err = r.Execute(context.Background(), "write_file", json.RawMessage(`{"path":"x","content":"y"}`))
	require.ErrorIs(t, err, domain.ErrToolNotFound)

	// Typed lookup reaches capability-specific behaviour.
	capability, err := r.Get(ID)
	require.NoError(t, err)
	fsCap, ok := capability.(*Capability)
	require.True(t, ok)
	assert.Equal(t, []string{root}, fsCap.Config().AllowedPaths)
}

func TestLocalBackendName(t *testing.T) {
	assert.Equal(t, "local", LocalBackend{}.Name())
	assert.True(t, strings.HasPrefix(ID, "moxie."))
}
