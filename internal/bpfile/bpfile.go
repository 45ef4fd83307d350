// Package bpfile reads and writes breakpoint files: TOML documents listing
// the breakpoints and watches to install when a debugging session starts.
//
//	[[breakpoint]]
//	file = "main.lua"
//	line = 12
//	condition = "n > 3"
//
//	[[watch]]
//	condition = "total ??changed??"
//
// Relative file names are relative to the breakpoint file's directory.
package bpfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/zot/luadbg/internal/frame"
	"github.com/zot/luadbg/internal/storage"
)

// Breakpoint is one [[breakpoint]] table. Enabled defaults to true.
type Breakpoint struct {
	File        string `toml:"file"`
	Line        int    `toml:"line"`
	Condition   string `toml:"condition,omitempty"`
	Temporary   bool   `toml:"temporary,omitempty"`
	Enabled     *bool  `toml:"enabled,omitempty"`
	IgnoreCount int    `toml:"ignoreCount,omitempty"`
}

// Watch is one [[watch]] table. Enabled defaults to true.
type Watch struct {
	Condition   string `toml:"condition"`
	Temporary   bool   `toml:"temporary,omitempty"`
	Enabled     *bool  `toml:"enabled,omitempty"`
	IgnoreCount int    `toml:"ignoreCount,omitempty"`
}

// File is the document as a whole.
type File struct {
	Breakpoints []Breakpoint `toml:"breakpoint"`
	Watches     []Watch      `toml:"watch"`
}

// Load reads the breakpoint file at path.
func Load(path string) ([]*storage.BreakpointData, []*storage.WatchData, error) {
	var doc File
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return nil, nil, fmt.Errorf("breakpoint file %s: %w", path, err)
	}
	dir := filepath.Dir(path)

	bps := make([]*storage.BreakpointData, 0, len(doc.Breakpoints))
	for i, bp := range doc.Breakpoints {
		if bp.File == "" || bp.Line <= 0 {
			return nil, nil, fmt.Errorf("breakpoint file %s: breakpoint %d needs a file and a positive line", path, i+1)
		}
		file := bp.File
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		bps = append(bps, &storage.BreakpointData{
			File:        frame.Canonical(file),
			Line:        bp.Line,
			Condition:   bp.Condition,
			Temporary:   bp.Temporary,
			Enabled:     enabled(bp.Enabled),
			IgnoreCount: bp.IgnoreCount,
		})
	}

	watches := make([]*storage.WatchData, 0, len(doc.Watches))
	for i, w := range doc.Watches {
		if w.Condition == "" {
			return nil, nil, fmt.Errorf("breakpoint file %s: watch %d has no condition", path, i+1)
		}
		watches = append(watches, &storage.WatchData{
			Condition:   w.Condition,
			Temporary:   w.Temporary,
			Enabled:     enabled(w.Enabled),
			IgnoreCount: w.IgnoreCount,
		})
	}
	return bps, watches, nil
}

func enabled(b *bool) bool {
	return b == nil || *b
}

// Save writes bps and watches to path. Files inside path's directory are
// written relative to it.
func Save(path string, bps []*storage.BreakpointData, watches []*storage.WatchData) error {
	dir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return err
	}
	var doc File
	for _, bp := range bps {
		file := bp.File
		if rel, err := filepath.Rel(dir, file); err == nil && filepath.IsLocal(rel) {
			file = rel
		}
		entry := Breakpoint{
			File:        file,
			Line:        bp.Line,
			Condition:   bp.Condition,
			Temporary:   bp.Temporary,
			IgnoreCount: bp.IgnoreCount,
		}
		if !bp.Enabled {
			entry.Enabled = new(bool)
		}
		doc.Breakpoints = append(doc.Breakpoints, entry)
	}
	for _, w := range watches {
		entry := Watch{
			Condition:   w.Condition,
			Temporary:   w.Temporary,
			IgnoreCount: w.IgnoreCount,
		}
		if !w.Enabled {
			entry.Enabled = new(bool)
		}
		doc.Watches = append(doc.Watches, entry)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
