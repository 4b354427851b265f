package task

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// Script is a discovered steering file.
type Script struct {
	Path    string
	Package string
}

// DiscoverOptions control where steering files are collected from.
type DiscoverOptions struct {
	// LocalDir and CentralDir are release roots; local folders shadow central ones.
	LocalDir   string
	CentralDir string
	// Packages restricts discovery to the named packages when non-empty.
	Packages   []string
	Extensions []string
	// Blacklist lists directory names that are never descended into.
	Blacklist []string
}

// DefaultExtensions are the steering file types: basf2 python and ROOT macros.
func DefaultExtensions() []string { return []string{".py", ".c", ".C"} }

// DefaultBlacklist names helper directories that never hold steering files.
func DefaultBlacklist() []string { return []string{"tools", "scripts", "examples"} }

// ValidationFolders maps package name to its validation folder below root.
// The top-level <root>/validation folder belongs to the package "validation".
func ValidationFolders(root string) (map[string]string, error) {
	out := map[string]string{}
	if root == "" {
		return out, nil
	}
	top := filepath.Join(root, "validation")
	if st, err := os.Stat(top); err == nil && st.IsDir() {
		out["validation"] = top
	}
	matches, err := filepath.Glob(filepath.Join(root, "*", "validation"))
	if err != nil {
		return nil, fmt.Errorf("glob validation folders: %w", err)
	}
	for _, dir := range matches {
		if st, err := os.Stat(dir); err != nil || !st.IsDir() {
			continue
		}
		out[filepath.Base(filepath.Dir(dir))] = dir
	}
	return out, nil
}

// Discover collects steering files from the local and central release folders.
// Results are ordered by package name, then path.
func Discover(opts DiscoverOptions) ([]Script, error) {
	folders, err := ValidationFolders(opts.LocalDir)
	if err != nil {
		return nil, err
	}
	central, err := ValidationFolders(opts.CentralDir)
	if err != nil {
		return nil, err
	}
	for pkg, dir := range central {
		if _, ok := folders[pkg]; !ok {
			folders[pkg] = dir
		}
	}
	if len(opts.Packages) > 0 {
		want := map[string]bool{}
		for _, p := range opts.Packages {
			want[p] = true
		}
		for pkg := range folders {
			if !want[pkg] {
				delete(folders, pkg)
			}
		}
	}

	pkgs := make([]string, 0, len(folders))
	for pkg := range folders {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)

	var scripts []Script
	for _, pkg := range pkgs {
		paths, err := scriptsInDir(folders[pkg], opts.Extensions, opts.Blacklist)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", pkg, err)
		}
		log.Debug().Str("package", pkg).Int("scripts", len(paths)).Msg("collected steering files")
		for _, p := range paths {
			scripts = append(scripts, Script{Path: p, Package: pkg})
		}
	}
	return scripts, nil
}

func scriptsInDir(dir string, exts, blacklist []string) ([]string, error) {
	skip := map[string]bool{}
	for _, b := range blacklist {
		skip[b] = true
	}
	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skip[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if hasExtension(d.Name(), exts) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func hasExtension(name string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := filepath.Ext(name)
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// Load creates one task per script, in order, and parses each header.
// A missing or malformed header, or one without a mandatory tag, marks the
// task HeaderIncomplete.
func Load(scripts []Script) ([]*Task, error) {
	tasks := make([]*Task, 0, len(scripts))
	for i, s := range scripts {
		t := New(i, s.Path, s.Package)
		content, err := os.ReadFile(s.Path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.Path, err)
		}
		h, err := ParseHeader(content)
		switch {
		case err == nil:
			t.Header = h
			if !h.Complete() {
				log.Warn().Str("script", s.Path).Strs("missing", h.Missing).Msg("incomplete header information")
				t.HeaderIncomplete = true
			}
		case errors.Is(err, ErrNoHeader):
			log.Warn().Str("script", s.Path).Msg("no file header found")
			t.HeaderIncomplete = true
		default:
			log.Warn().Err(err).Str("script", s.Path).Msg("invalid XML in header")
			t.HeaderIncomplete = true
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Extension returns the lower-cased script extension without the dot.
func (t *Task) Extension() string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(t.Path), "."))
}
