// Package hookcfg loads tracer hook declarations from TOML files.
//
// A hook file holds an array of [[hook]] tables:
//
//	[[hook]]
//	id = "malloc"
//	name = "libc malloc"
//	anchor = "libc.so.6!malloc"
//	code = '''
//	defineHandler({
//	  onEnter = function(ctx, args) log("malloc", args[1]) end,
//	})
//	'''
//
// The anchor field uses the text anchor forms: a bare address
// ("0x55e3c2a011d0"), module plus offset ("libssl.so.3+0x1c40"), or
// module and export name ("libc.so.6!malloc"). Handler source can be
// inline in code or referenced with code_file, resolved relative to
// the hook file. Hooks are enabled unless the file says otherwise.
//
// The file describes the complete desired configuration; loading it
// replaces whatever was applied before. If the file is invalid the
// load fails as a whole and the previous configuration stays live.
package hookcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	tracetap "github.com/frobware/go-tracetap"
)

// DefaultPath is the default location of the hook file.
const DefaultPath = "/etc/tracetap/hooks.toml"

// fileConfig mirrors the TOML document shape.
type fileConfig struct {
	Hooks []fileHook `toml:"hook"`
}

type fileHook struct {
	ID       string `toml:"id"`
	Name     string `toml:"name"`
	Anchor   string `toml:"anchor"`
	Enabled  *bool  `toml:"enabled"`
	Pinned   bool   `toml:"pinned"`
	Code     string `toml:"code"`
	CodeFile string `toml:"code_file"`
}

// Load reads a hook file and returns the configuration it declares.
// The returned configuration is already validated.
func Load(path string) (tracetap.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tracetap.Config{}, fmt.Errorf("failed to read hook file: %w", err)
	}

	var fc fileConfig
	if _, err := toml.Decode(string(data), &fc); err != nil {
		return tracetap.Config{}, fmt.Errorf("failed to parse hook file: %w", err)
	}

	cfg := tracetap.Config{Hooks: make([]tracetap.HookSpec, 0, len(fc.Hooks))}
	for _, h := range fc.Hooks {
		spec, err := h.toSpec(filepath.Dir(path))
		if err != nil {
			return tracetap.Config{}, err
		}
		cfg.Hooks = append(cfg.Hooks, spec)
	}

	if err := cfg.Validate(); err != nil {
		return tracetap.Config{}, err
	}
	return cfg, nil
}

func (h fileHook) toSpec(dir string) (tracetap.HookSpec, error) {
	if h.ID == "" {
		return tracetap.HookSpec{}, fmt.Errorf("hook declaration missing id")
	}

	anchor, err := tracetap.ParseAnchor(h.Anchor)
	if err != nil {
		return tracetap.HookSpec{}, fmt.Errorf("hook %q: %w", h.ID, err)
	}

	code := h.Code
	switch {
	case h.Code != "" && h.CodeFile != "":
		return tracetap.HookSpec{}, fmt.Errorf("hook %q declares both code and code_file", h.ID)
	case h.CodeFile != "":
		path := h.CodeFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return tracetap.HookSpec{}, fmt.Errorf("hook %q: failed to read code_file: %w", h.ID, err)
		}
		code = string(data)
	}

	// Hooks default to enabled; the file must say so to disable one.
	enabled := true
	if h.Enabled != nil {
		enabled = *h.Enabled
	}

	return tracetap.HookSpec{
		ID:          h.ID,
		DisplayName: h.Name,
		Anchor:      anchor,
		Enabled:     enabled,
		Code:        code,
		Pinned:      h.Pinned,
	}, nil
}
