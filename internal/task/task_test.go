package task

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNameFromPath(t *testing.T) {
	cases := map[string]string{
		"/rel/ecl/validation/test-a.py":  "test_a_py",
		"gen__sample.py":                 "gen_sample_py",
		"/rel/validation/EvtGen Plots.C": "EvtGen_Plots_C",
	}
	for in, want := range cases {
		if got := NameFromPath(in); got != want {
			t.Errorf("NameFromPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTransitions(t *testing.T) {
	tk := New(0, "a.py", "p")
	tk.Deps[3] = struct{}{}

	if err := tk.Transition(Running); !errors.Is(err, ErrUnresolvedDeps) {
		t.Fatalf("expected unresolved deps, got %v", err)
	}
	delete(tk.Deps, 3)
	if err := tk.Transition(Running); err != nil {
		t.Fatalf("waiting -> running: %v", err)
	}
	if err := tk.Transition(Finished); err != nil {
		t.Fatalf("running -> finished: %v", err)
	}
	if err := tk.Transition(Running); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("finished is terminal, got %v", err)
	}

	failed := New(1, "b.py", "p")
	_ = failed.Transition(Running)
	_ = failed.Transition(Failed)
	if err := failed.Transition(Skipped); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed is terminal, got %v", err)
	}

	skipped := New(2, "c.py", "p")
	if err := skipped.Transition(Skipped); err != nil {
		t.Fatalf("waiting -> skipped: %v", err)
	}
	if err := skipped.Transition(Running); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skipped is terminal, got %v", err)
	}
}

func TestParseHeader(t *testing.T) {
	src := []byte(`#!/usr/bin/env python3
"""
<header>
  <output>tracks.root, hits.root</output>
  <input>EvtGenSim.root</input>
  <contact>someone@example.org</contact>
  <description>
     Track finding   validation.
  </description>
</header>
"""
`)
	h, err := ParseHeader(src)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(h.Output) != 2 || h.Output[0] != "tracks.root" || h.Output[1] != "hits.root" {
		t.Fatalf("outputs: %v", h.Output)
	}
	if len(h.Input) != 1 || h.Input[0] != "EvtGenSim.root" {
		t.Fatalf("inputs: %v", h.Input)
	}
	if h.Description != "Track finding validation." {
		t.Fatalf("description: %q", h.Description)
	}
	if h.Contact != "someone@example.org" {
		t.Fatalf("contact: %q", h.Contact)
	}
	if !h.Complete() {
		t.Fatalf("missing: %v", h.Missing)
	}
}

func TestParseHeaderReportsMissingMandatoryTags(t *testing.T) {
	h, err := ParseHeader([]byte(`<header><description>plots</description></header>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if h.Complete() || len(h.Missing) != 2 || h.Missing[0] != "input" || h.Missing[1] != "output" {
		t.Fatalf("missing = %v", h.Missing)
	}
	h, err = ParseHeader([]byte(`<header><dependencies></dependencies></header>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(h.Missing) != 1 || h.Missing[0] != "output" {
		t.Fatalf("missing = %v", h.Missing)
	}
}

func TestParseHeaderLegacyDependenciesAndEmptyLists(t *testing.T) {
	h, err := ParseHeader([]byte(`<header><dependencies>a.root</dependencies><output></output></header>`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(h.Input) != 1 || h.Input[0] != "a.root" {
		t.Fatalf("inputs: %v", h.Input)
	}
	if len(h.Output) != 0 {
		t.Fatalf("expected no outputs, got %v", h.Output)
	}
	if !h.Complete() {
		t.Fatalf("empty tags still count as declared: %v", h.Missing)
	}
}

func TestParseHeaderErrors(t *testing.T) {
	if _, err := ParseHeader([]byte("print('hi')")); !errors.Is(err, ErrNoHeader) {
		t.Fatalf("expected ErrNoHeader, got %v", err)
	}
	if _, err := ParseHeader([]byte("<header><output>x</outp></header>")); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("expected ErrInvalidHeader, got %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestDiscoverAndLoad(t *testing.T) {
	local := t.TempDir()
	central := t.TempDir()

	writeFile(t, filepath.Join(central, "validation", "gen.py"), "<header><input></input><output>gen.root</output></header>")
	writeFile(t, filepath.Join(central, "ecl", "validation", "ecl.py"), "central copy")
	writeFile(t, filepath.Join(central, "klm", "validation", "klm.C"), "<header><input>gen.root</input><output></output></header>")
	writeFile(t, filepath.Join(central, "klm", "validation", "tools", "helper.py"), "ignored")
	writeFile(t, filepath.Join(local, "ecl", "validation", "ecl_local.py"), "<header><input></input><output>ecl.root</output></header>")
	writeFile(t, filepath.Join(local, "ecl", "validation", "notes.txt"), "ignored")

	scripts, err := Discover(DiscoverOptions{
		LocalDir:   local,
		CentralDir: central,
		Extensions: []string{".py", ".c", ".C"},
		Blacklist:  []string{"tools", "scripts", "examples"},
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(scripts) != 3 {
		t.Fatalf("expected 3 scripts, got %+v", scripts)
	}
	wantPkgs := []string{"ecl", "klm", "validation"}
	for i, s := range scripts {
		if s.Package != wantPkgs[i] {
			t.Fatalf("script %d package %q, want %q", i, s.Package, wantPkgs[i])
		}
	}
	if filepath.Base(scripts[0].Path) != "ecl_local.py" {
		t.Fatalf("local folder must shadow central, got %s", scripts[0].Path)
	}

	tasks, err := Load(scripts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tasks[1].HeaderIncomplete || len(tasks[1].Inputs()) != 1 {
		t.Fatalf("klm header not parsed: %+v", tasks[1].Header)
	}

	filtered, err := Discover(DiscoverOptions{CentralDir: central, Packages: []string{"klm"}, Extensions: []string{".C"}})
	if err != nil {
		t.Fatalf("discover filtered: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Package != "klm" {
		t.Fatalf("package filter: %+v", filtered)
	}
}

func TestLoadMarksMissingHeader(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "x.py")
	writeFile(t, p, "print(1)")
	tasks, err := Load([]Script{{Path: p, Package: "ecl"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !tasks[0].HeaderIncomplete {
		t.Fatalf("expected incomplete header")
	}
	if tasks[0].Name != "x_py" || tasks[0].Extension() != "py" {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
}

func TestLoadMarksHeaderWithoutMandatoryTags(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "validation", "gen.py")
	plots := filepath.Join(dir, "tracking", "validation", "plots.py")
	writeFile(t, base, "<header><input></input><output>gen.root</output></header>")
	writeFile(t, plots, "<header><description>plots</description></header>")
	tasks, err := Load([]Script{{Path: base, Package: "validation"}, {Path: plots, Package: "tracking"}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tasks[0].HeaderIncomplete {
		t.Fatalf("baseline header is complete")
	}
	if !tasks[1].HeaderIncomplete || tasks[1].Header.Description != "plots" {
		t.Fatalf("plots = %+v", tasks[1])
	}

	g, err := Resolve(tasks, ResolveOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if deps := g.Task(1).DepIndices(); len(deps) != 1 || deps[0] != 0 {
		t.Fatalf("plots should depend on the baseline package, deps = %v", deps)
	}
}
