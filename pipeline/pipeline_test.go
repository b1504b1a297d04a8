package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/task"
)

func writePipeline(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const qcPipeline = `
name: qc
params:
  min_quality: "20"
tasks:
  - id: trim
    scatter: true
    inputs:
      - channel: reads
        arity: single
    outputs:
      - channel: trimmed
    command: "trim -q {min_quality} {reads}"
`

const mainPipeline = `
name: main
includes: [qc]
params:
  min_quality: "30"
sources:
  - channel: reads
    pattern: "{input}"
tasks:
  - id: report
    inputs:
      - channel: trimmed
        arity: collect
    outputs:
      - channel: summary
    command: "report {trimmed}"
`

func TestLoadAndResolveIncludes(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "qc", qcPipeline)
	writePipeline(t, dir, "main", mainPipeline)

	loader := NewFileLoader(dir)
	p, err := loader.Load("main")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err = Resolve(p, loader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(p.Tasks) != 2 {
		t.Fatalf("tasks = %d, want 2", len(p.Tasks))
	}
	ids := map[string]*task.Descriptor{}
	for _, d := range p.Tasks {
		ids[d.ID] = d
	}
	if ids["trim"] == nil || ids["report"] == nil {
		t.Fatalf("missing tasks: %v", ids)
	}
	if !ids["trim"].Scatter {
		t.Fatal("trim should scatter")
	}

	// Parent params override included defaults.
	if p.Params["min_quality"] != "30" {
		t.Fatalf("min_quality = %q", p.Params["min_quality"])
	}
	if len(p.Sources) != 1 || p.Sources[0].Channel != "reads" {
		t.Fatalf("sources = %+v", p.Sources)
	}
}

func TestResolve_CircularIncludeRejected(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "a", "name: a\nincludes: [b]\ntasks:\n  - id: x\n    command: x\n")
	writePipeline(t, dir, "b", "name: b\nincludes: [a]\ntasks:\n  - id: y\n    command: y\n")

	loader := NewFileLoader(dir)
	p, err := loader.Load("a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := Resolve(p, loader); errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestResolve_DiamondIncludeDeduplicated(t *testing.T) {
	dir := t.TempDir()
	writePipeline(t, dir, "base", "name: base\ntasks:\n  - id: shared\n    command: shared\n")
	writePipeline(t, dir, "left", "name: left\nincludes: [base]\ntasks:\n  - id: l\n    command: l\n")
	writePipeline(t, dir, "right", "name: right\nincludes: [base]\ntasks:\n  - id: r\n    command: r\n")
	writePipeline(t, dir, "top", "name: top\nincludes: [left, right]\ntasks:\n  - id: t\n    command: t\n")

	loader := NewFileLoader(dir)
	p, err := loader.Load("top")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, err = Resolve(p, loader)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	seen := map[string]int{}
	for _, d := range p.Tasks {
		seen[d.ID]++
	}
	if seen["shared"] != 1 {
		t.Fatalf("shared appears %d times", seen["shared"])
	}
	if len(p.Tasks) != 4 {
		t.Fatalf("tasks = %d, want 4", len(p.Tasks))
	}
}

func TestApplyProfile(t *testing.T) {
	p := &Pipeline{
		Name:   "rnaseq",
		Params: map[string]string{"min_quality": "20", "outdir": "/out"},
		Profiles: map[string]Profile{
			"deep": {
				Params:    map[string]string{"min_quality": "30"},
				Resources: map[string]task.Resources{"align": {CPURaw: "16", MemoryRaw: "64g"}},
			},
		},
		Tasks: []*task.Descriptor{{
			ID:        "align",
			Command:   "align",
			Resources: task.Resources{CPURaw: "4", MemoryRaw: "8g"},
		}},
	}

	if err := p.ApplyProfile("deep"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if p.Params["min_quality"] != "30" || p.Params["outdir"] != "/out" {
		t.Fatalf("params = %v", p.Params)
	}
	if p.Tasks[0].Resources.CPURaw != "16" || p.Tasks[0].Resources.MemoryRaw != "64g" {
		t.Fatalf("resources = %+v", p.Tasks[0].Resources)
	}
}

func TestApplyProfile_UnknownRejected(t *testing.T) {
	p := &Pipeline{Name: "x", Tasks: []*task.Descriptor{{ID: "a", Command: "a"}}}
	if err := p.ApplyProfile("deep"); errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if err := p.ApplyProfile(""); err != nil {
		t.Fatalf("empty profile must be a no-op, got %v", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	loader := NewFileLoader(t.TempDir())
	if _, err := loader.Load("missing"); errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildSources_GlobGroupsPairs(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"s1_1.fq.gz", "s1_2.fq.gz", "s2_1.fq.gz", "s2_2.fq.gz"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	defs := []SourceDef{{
		Channel: "reads",
		Pattern: "{input}/*.fq.gz",
		GroupBy: `^(.+)_[12]\.fq\.gz$`,
	}}
	sources, err := BuildSources(defs, map[string]string{"input": dir})
	if err != nil {
		t.Fatalf("build sources: %v", err)
	}

	src := sources[0]
	if src.Kind != channel.KindStream || len(src.Items) != 2 {
		t.Fatalf("unexpected source: %+v", src)
	}
	if src.Items[0].Key != "s1" || len(src.Items[0].Values) != 2 {
		t.Fatalf("s1 item = %+v", src.Items[0])
	}
	if src.Items[1].Key != "s2" {
		t.Fatalf("s2 item = %+v", src.Items[1])
	}
}

func TestBuildSources_DefaultKeyStripsExtensions(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"a.fq.gz", "b.fq.gz"} {
		if err := os.WriteFile(filepath.Join(dir, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	sources, err := BuildSources([]SourceDef{{Channel: "reads", Pattern: dir + "/*.fq.gz"}}, nil)
	if err != nil {
		t.Fatalf("build sources: %v", err)
	}
	if sources[0].Items[0].Key != "a" || sources[0].Items[1].Key != "b" {
		t.Fatalf("keys = %+v", sources[0].Items)
	}
}

func TestBuildSources_ValueSourceNeedNotExist(t *testing.T) {
	sources, err := BuildSources([]SourceDef{{
		Channel: "reference",
		Kind:    channel.KindValue,
		Pattern: "{ref}",
	}}, map[string]string{"ref": "/data/genome.fa"})
	if err != nil {
		t.Fatalf("build sources: %v", err)
	}
	src := sources[0]
	if len(src.Items) != 1 || src.Items[0].Values[0] != "/data/genome.fa" {
		t.Fatalf("unexpected items: %+v", src.Items)
	}
}

func TestBuildSources_UnboundParamRejected(t *testing.T) {
	_, err := BuildSources([]SourceDef{{Channel: "reads", Pattern: "{input}/*.fq"}}, nil)
	if errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildSources_GroupByMismatchRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "oddname.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := BuildSources([]SourceDef{{
		Channel: "reads",
		Pattern: dir + "/*.txt",
		GroupBy: `^(.+)_[12]\.fq$`,
	}}, nil)
	if errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}
