package hookcfg_test

import (
	"context"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tracetap "github.com/frobware/go-tracetap"
	"github.com/frobware/go-tracetap/hookcfg"
)

// testLogger returns a logger for tests. By default it discards all output.
// Set TRACETAP_TEST_VERBOSE=1 to enable logging.
func testLogger() *slog.Logger {
	if os.Getenv("TRACETAP_TEST_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeHookFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "hooks.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ParsesHooks(t *testing.T) {
	path := writeHookFile(t, t.TempDir(), `
[[hook]]
id = "malloc"
name = "libc malloc"
anchor = "libc.so.6!malloc"
pinned = true
code = '''
defineHandler({
  onEnter = function(ctx, args) log("malloc", args[1]) end,
})
'''

[[hook]]
id = "raw"
anchor = "0x55e3c2a011d0"
enabled = false
code = "defineHandler({})"

[[hook]]
id = "ssl-write"
anchor = "libssl.so.3+0x1c40"
code = "defineHandler({})"
`)

	cfg, err := hookcfg.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Hooks, 3)

	malloc := cfg.Hooks[0]
	assert.Equal(t, "malloc", malloc.ID)
	assert.Equal(t, "libc malloc", malloc.DisplayName)
	assert.Equal(t, tracetap.ModuleExportAnchor{Module: "libc.so.6", Export: "malloc"}, malloc.Anchor)
	assert.True(t, malloc.Enabled, "hooks default to enabled")
	assert.True(t, malloc.Pinned)
	assert.Contains(t, malloc.Code, "onEnter")

	raw := cfg.Hooks[1]
	assert.Equal(t, tracetap.AbsoluteAnchor{Address: 0x55e3c2a011d0}, raw.Anchor)
	assert.False(t, raw.Enabled)

	ssl := cfg.Hooks[2]
	assert.Equal(t, tracetap.ModuleOffsetAnchor{Module: "libssl.so.3", Offset: 0x1c40}, ssl.Anchor)
}

func TestLoad_CodeFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "malloc.lua"),
		[]byte("defineHandler({ onEnter = function(ctx, args) log(args[1]) end })"), 0644))

	path := writeHookFile(t, dir, `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code_file = "malloc.lua"
`)

	cfg, err := hookcfg.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Hooks, 1)
	assert.Contains(t, cfg.Hooks[0].Code, "onEnter")
}

func TestLoad_RejectsCodeAndCodeFileTogether(t *testing.T) {
	path := writeHookFile(t, t.TempDir(), `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"
code_file = "malloc.lua"
`)

	_, err := hookcfg.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both code and code_file")
}

func TestLoad_RejectsBadAnchor(t *testing.T) {
	path := writeHookFile(t, t.TempDir(), `
[[hook]]
id = "broken"
anchor = "!malloc"
code = "defineHandler({})"
`)

	_, err := hookcfg.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestLoad_RejectsMissingID(t *testing.T) {
	path := writeHookFile(t, t.TempDir(), `
[[hook]]
anchor = "libc.so.6!malloc"
code = "defineHandler({})"
`)

	_, err := hookcfg.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestLoad_RejectsDuplicateIDs(t *testing.T) {
	path := writeHookFile(t, t.TempDir(), `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"

[[hook]]
id = "malloc"
anchor = "libc.so.6!calloc"
code = "defineHandler({})"
`)

	_, err := hookcfg.Load(path)
	var dup tracetap.ErrDuplicateHookID
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "malloc", dup.ID)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := hookcfg.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, fs.ErrNotExist)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"
`)

	var mu sync.Mutex
	var received []tracetap.Config
	w := hookcfg.NewWatcher(path, func(cfg tracetap.Config) {
		mu.Lock()
		received = append(received, cfg)
		mu.Unlock()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	writeHookFile(t, dir, `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"

[[hook]]
id = "free"
anchor = "libc.so.6!free"
code = "defineHandler({})"
`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0 && len(received[len(received)-1].Hooks) == 2
	}, 5*time.Second, 50*time.Millisecond, "watcher never delivered the rewritten configuration")
}

func TestWatcher_KeepsPreviousConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"
`)

	var mu sync.Mutex
	var received []tracetap.Config
	w := hookcfg.NewWatcher(path, func(cfg tracetap.Config) {
		mu.Lock()
		received = append(received, cfg)
		mu.Unlock()
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// A broken rewrite must not reach the callback.
	writeHookFile(t, dir, `[[hook]
this is not toml`)
	time.Sleep(time.Second)

	writeHookFile(t, dir, `
[[hook]]
id = "free"
anchor = "libc.so.6!free"
code = "defineHandler({})"
`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) > 0
	}, 5*time.Second, 50*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, cfg := range received {
		require.Len(t, cfg.Hooks, 1)
		assert.Equal(t, "free", cfg.Hooks[0].ID)
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeHookFile(t, dir, `
[[hook]]
id = "malloc"
anchor = "libc.so.6!malloc"
code = "defineHandler({})"
`)

	w := hookcfg.NewWatcher(path, func(tracetap.Config) {}, testLogger())
	require.NoError(t, w.Start(context.Background()))

	assert.NotPanics(t, func() {
		w.Stop()
		w.Stop()
	})
}
