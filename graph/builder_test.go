package graph

import (
	"strings"
	"testing"

	"github.com/kbukum/flowrun/channel"
	"github.com/kbukum/flowrun/errors"
	"github.com/kbukum/flowrun/task"
)

func readsSource(keys ...string) Source {
	src := Source{Name: "reads", Kind: channel.KindStream, Pattern: "data/*.fq.gz"}
	for _, k := range keys {
		src.Items = append(src.Items, channel.Item{Key: k, Values: []string{k + "_1.fq.gz", k + "_2.fq.gz"}})
	}
	return src
}

func trimTask() *task.Descriptor {
	return &task.Descriptor{
		ID:      "trim",
		Scatter: true,
		Inputs:  []task.InputRef{{Channel: "reads", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "trimmed"}},
		Command: "trim -o {outdir} {reads}",
	}
}

func alignTask() *task.Descriptor {
	return &task.Descriptor{
		ID:      "align",
		Scatter: true,
		Inputs: []task.InputRef{
			{Channel: "trimmed", Arity: task.AritySingle},
			{Channel: "genome_index", Arity: task.AritySingle},
		},
		Outputs: []task.OutputRef{{Channel: "bams"}},
		Command: "align -x {genome_index} -o {outdir}/{key}.bam {trimmed}",
	}
}

func indexTask() *task.Descriptor {
	return &task.Descriptor{
		ID:      "build_index",
		Inputs:  []task.InputRef{{Channel: "genome", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "genome_index", Fallback: []string{"{index_dir}/genome"}}},
		Command: "index-build {genome} {outdir}/genome",
		Condition: &task.Condition{
			Kind: task.ConditionUnlessExists,
			Path: "{index_dir}/genome.1.bt2",
		},
	}
}

func genomeSource() Source {
	return Source{
		Name:    "genome",
		Kind:    channel.KindValue,
		Pattern: "ref/genome.fa",
		Items:   []channel.Item{{Key: "genome", Values: []string{"ref/genome.fa"}}},
	}
}

func TestBuild_ScatterFanOut(t *testing.T) {
	g, err := Build(
		[]*task.Descriptor{trimTask()},
		[]Source{readsSource("s1", "s2", "s3")},
		nil, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 instances, got %d", g.Len())
	}
	for _, want := range []string{"trim:s1", "trim:s2", "trim:s3"} {
		inst, ok := g.Instance(want)
		if !ok {
			t.Fatalf("missing instance %s", want)
		}
		if len(inst.Deps()) != 0 {
			t.Fatalf("source-fed instance %s should have no deps, got %d", want, len(inst.Deps()))
		}
		if inst.Status != StatusPending {
			t.Fatalf("instance %s status = %s", want, inst.Status)
		}
	}
	inst, _ := g.Instance("trim:s2")
	if inst.OutputDir != "/work/trim/s2" {
		t.Fatalf("unexpected output dir: %s", inst.OutputDir)
	}
}

func TestBuild_KeyedDependencies(t *testing.T) {
	exists := func(string) bool { return false }
	b := &Builder{Exists: exists}

	g, err := b.Build(
		[]*task.Descriptor{alignTask(), trimTask(), indexTask()},
		[]Source{readsSource("s1", "s2"), genomeSource()},
		map[string]string{"index_dir": "/ref/idx"}, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2 trim + 2 align + 1 build_index.
	if g.Len() != 5 {
		t.Fatalf("expected 5 instances, got %d", g.Len())
	}

	a1, _ := g.Instance("align:s1")
	deps := a1.Deps()
	if len(deps) != 2 {
		t.Fatalf("align:s1 should depend on its trim key and the index, got %d deps", len(deps))
	}
	if deps[0].Name != "build_index" || deps[1].Name != "trim:s1" {
		t.Fatalf("unexpected deps: %s, %s", deps[0].Name, deps[1].Name)
	}

	idx, _ := g.Instance("build_index")
	dependents := idx.Dependents()
	if len(dependents) != 2 {
		t.Fatalf("index should feed both align instances, got %d", len(dependents))
	}
}

func TestBuild_ConditionSkipPublishesFallback(t *testing.T) {
	b := &Builder{Exists: func(path string) bool { return path == "/ref/idx/genome.1.bt2" }}

	g, err := b.Build(
		[]*task.Descriptor{indexTask(), alignTask(), trimTask()},
		[]Source{readsSource("s1"), genomeSource()},
		map[string]string{"index_dir": "/ref/idx"}, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx, ok := g.Instance("build_index")
	if !ok {
		t.Fatal("skipped task must still appear in the graph")
	}
	if idx.Status != StatusSkipped || idx.SkipCause != SkipCondition {
		t.Fatalf("unexpected state: %s/%s", idx.Status, idx.SkipCause)
	}
	if !idx.Satisfies() {
		t.Fatal("condition skip must satisfy downstream readiness")
	}

	ch, _ := g.Wiring.Get("genome_index")
	items := ch.Items()
	if len(items) != 1 || items[0].Values[0] != "/ref/idx/genome" {
		t.Fatalf("fallback not published: %+v", items)
	}
	if !ch.Closed() {
		t.Fatal("skipped producer's channel must be closed")
	}
}

func TestBuild_CycleRejected(t *testing.T) {
	a := &task.Descriptor{
		ID:      "a",
		Inputs:  []task.InputRef{{Channel: "b_out", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "a_out"}},
		Command: "a {b_out}",
	}
	bd := &task.Descriptor{
		ID:      "b",
		Inputs:  []task.InputRef{{Channel: "a_out", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "b_out"}},
		Command: "b {a_out}",
	}

	_, err := Build([]*task.Descriptor{a, bd}, nil, nil, "/work")
	if err == nil {
		t.Fatal("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error should name the cycle: %v", err)
	}
	if !strings.Contains(err.Error(), "a") || !strings.Contains(err.Error(), "b") {
		t.Fatalf("error should name the stuck tasks: %v", err)
	}
}

func TestBuild_DanglingChannelRejected(t *testing.T) {
	d := &task.Descriptor{
		ID:      "report",
		Inputs:  []task.InputRef{{Channel: "ghost", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "summary"}},
		Command: "report {ghost}",
	}
	_, err := Build([]*task.Descriptor{d}, nil, nil, "/work")
	if err == nil {
		t.Fatal("expected error for dangling channel reference")
	}
	if errors.CodeOf(err) != errors.ErrCodeConfiguration {
		t.Fatalf("unexpected code: %s", errors.CodeOf(err))
	}
}

func TestBuild_EmptySourceFailsRun(t *testing.T) {
	_, err := Build(
		[]*task.Descriptor{trimTask()},
		[]Source{{Name: "reads", Kind: channel.KindStream, Pattern: "data/*.fq.gz"}},
		nil, "/work")
	if err == nil {
		t.Fatal("expected error for empty source")
	}
	if errors.CodeOf(err) != errors.ErrCodeInputNotFound {
		t.Fatalf("unexpected code: %s", errors.CodeOf(err))
	}
	if !strings.Contains(err.Error(), "data/*.fq.gz") {
		t.Fatalf("error should include the pattern: %v", err)
	}
}

func TestBuild_CollectDependsOnAllProducers(t *testing.T) {
	report := &task.Descriptor{
		ID:      "report",
		Inputs:  []task.InputRef{{Channel: "trimmed", Arity: task.ArityCollect}},
		Outputs: []task.OutputRef{{Channel: "summary"}},
		Command: "report {trimmed} > {outdir}/summary.html",
	}

	g, err := Build(
		[]*task.Descriptor{report, trimTask()},
		[]Source{readsSource("s1", "s2", "s3")},
		nil, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r, _ := g.Instance("report")
	if len(r.Deps()) != 3 {
		t.Fatalf("collect consumer must depend on all producer instances, got %d", len(r.Deps()))
	}
}

func TestBuild_SingletonOnMultiKeyStreamRejected(t *testing.T) {
	bad := &task.Descriptor{
		ID:      "merge",
		Inputs:  []task.InputRef{{Channel: "reads", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "merged"}},
		Command: "merge {reads}",
	}
	_, err := Build([]*task.Descriptor{bad}, []Source{readsSource("s1", "s2")}, nil, "/work")
	if err == nil {
		t.Fatal("expected error for singleton consuming multi-key stream with arity single")
	}
	if !strings.Contains(err.Error(), "collect") {
		t.Fatalf("error should suggest collect arity: %v", err)
	}
}

func TestBuild_DuplicateTaskIDRejected(t *testing.T) {
	_, err := Build(
		[]*task.Descriptor{trimTask(), trimTask()},
		[]Source{readsSource("s1")},
		nil, "/work")
	if err == nil {
		t.Fatal("expected error for duplicate task id")
	}
}

func TestResolve_SubstitutesInputsKeyAndOutdir(t *testing.T) {
	g, err := Build(
		[]*task.Descriptor{trimTask()},
		[]Source{readsSource("s1")},
		nil, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst, _ := g.Instance("trim:s1")
	r, err := g.Resolve(inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "trim -o /work/trim/s1 s1_1.fq.gz s1_2.fq.gz"
	if r.Command != want {
		t.Fatalf("command = %q, want %q", r.Command, want)
	}
	if r.Key != "s1" || r.TaskID != "trim" {
		t.Fatalf("unexpected identity: %s/%s", r.TaskID, r.Key)
	}
}

func TestResolve_CollectFlattensSortedByKey(t *testing.T) {
	report := &task.Descriptor{
		ID:      "report",
		Inputs:  []task.InputRef{{Channel: "reads", Arity: task.ArityCollect}},
		Outputs: []task.OutputRef{{Channel: "summary"}},
		Command: "report {reads}",
	}

	src := Source{Name: "reads", Kind: channel.KindStream, Pattern: "*", Items: []channel.Item{
		{Key: "s2", Values: []string{"s2.fq"}},
		{Key: "s1", Values: []string{"s1.fq"}},
	}}

	g, err := Build([]*task.Descriptor{report}, []Source{src}, nil, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst, _ := g.Instance("report")
	r, err := g.Resolve(inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Command != "report s1.fq s2.fq" {
		t.Fatalf("collect must flatten in key order, got %q", r.Command)
	}
}

func TestResolve_ParamsAvailable(t *testing.T) {
	d := &task.Descriptor{
		ID:      "annotate",
		Inputs:  []task.InputRef{{Channel: "reads", Arity: task.AritySingle}},
		Outputs: []task.OutputRef{{Channel: "annotated"}},
		Scatter: true,
		Command: "annotate --gtf {annotation} {reads}",
	}
	g, err := Build(
		[]*task.Descriptor{d},
		[]Source{readsSource("s1")},
		map[string]string{"annotation": "/ref/genes.gtf"}, "/work")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inst, _ := g.Instance("annotate:s1")
	r, err := g.Resolve(inst)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(r.Command, "--gtf /ref/genes.gtf") {
		t.Fatalf("params not substituted: %q", r.Command)
	}
}
