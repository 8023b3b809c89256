package correlate

import (
	"fmt"
	"testing"

	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

func TestGraphBlockWithTwoAtoms(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	root, _ := h.reg.SpanForRun("run-1")

	a := blockStart("A", "Build", "stage", 0)
	x := atom("X", "sh", 1, "A")
	y := atom("Y", "echo", 5, "A")
	end := blockEnd("A-end", "A", 9)

	g.Observe(a)
	g.Observe(x)
	g.Observe(y)
	g.Update(&types.ExecutionNode{
		ID: "A", ExecutionID: "exec-1", Kind: types.NodeKindBlockStart,
		Metadata: &types.NodeMetadata{
			StageName:          "Build",
			Arguments:          map[string]interface{}{"name": "Build", "token": "s3cr3t"},
			SensitiveArguments: []string{"token"},
			Tags:               map[string]string{"team": "infra"},
		},
	})
	g.Observe(end)
	g.Observe(end)

	if got := len(h.rec.Ended()); got != 3 {
		t.Fatalf("expected 3 finished spans, got %d", got)
	}

	block := h.ended(t, "Build stage")
	xs := h.ended(t, "sh")
	ys := h.ended(t, "echo")

	t.Run("siblings do not overlap", func(t *testing.T) {
		if !xs.EndTime().Equal(ys.StartTime()) {
			t.Errorf("X ended at %v, Y started at %v", xs.EndTime(), ys.StartTime())
		}
		if !ys.EndTime().Equal(millis(end.StartMillis)) {
			t.Errorf("Y ended at %v, want block end %v", ys.EndTime(), millis(end.StartMillis))
		}
	})

	t.Run("block encloses its children", func(t *testing.T) {
		if !block.StartTime().Equal(millis(a.StartMillis)) {
			t.Errorf("block start = %v", block.StartTime())
		}
		if !block.EndTime().Equal(millis(end.StartMillis)) {
			t.Errorf("block end = %v", block.EndTime())
		}
		if xs.StartTime().Before(block.StartTime()) || ys.EndTime().After(block.EndTime()) {
			t.Error("children escape the block")
		}
	})

	t.Run("parents", func(t *testing.T) {
		if xs.Parent().SpanID() != block.SpanContext().SpanID() {
			t.Error("X is not a child of A")
		}
		if ys.Parent().SpanID() != block.SpanContext().SpanID() {
			t.Error("Y is not a child of A")
		}
		if block.Parent().SpanID() != root.SpanContext().SpanID() {
			t.Error("A is not a child of the run")
		}
	})

	t.Run("block metadata only on the block", func(t *testing.T) {
		ba := attrs(block)
		if ba[tracing.AttrStageName].AsString() != "Build" {
			t.Errorf("stage.name = %q", ba[tracing.AttrStageName].AsString())
		}
		if ba["step.arguments.name"].AsString() != "Build" {
			t.Error("argument tag missing")
		}
		if _, ok := ba["step.arguments.token"]; ok {
			t.Error("sensitive argument leaked")
		}
		if ba["team"].AsString() != "infra" {
			t.Error("free-form tag missing")
		}
		for _, s := range []string{"sh", "echo"} {
			if _, ok := attrs(h.ended(t, s))[tracing.AttrStageName]; ok {
				t.Errorf("%s carries block metadata", s)
			}
		}
	})

	t.Run("pre-execution tags", func(t *testing.T) {
		xa := attrs(xs)
		if xa[tracing.AttrFunctionName].AsString() != "sh" {
			t.Errorf("step.functionName = %q", xa[tracing.AttrFunctionName].AsString())
		}
		if xa[tracing.AttrRootURL].AsString() != "https://ci.example.com/" {
			t.Error("root url tag missing")
		}
		if attrs(block)[tracing.AttrURL].AsString() != "https://ci.example.com/execution/node/A/" {
			t.Errorf("url = %q", attrs(block)[tracing.AttrURL].AsString())
		}
	})
}

func TestGraphDuplicateBlockEndFinishesOnce(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Deploy", "node", 0))
	g.Observe(atom("X", "sh", 1, "A"))
	end := blockEnd("A-end", "A", 4)
	g.Observe(end)
	g.Observe(end)

	if n := h.counts.endsOf("Deploy node"); n != 1 {
		t.Errorf("block ended %d times, want 1", n)
	}
	if n := h.counts.endsOf("sh"); n != 1 {
		t.Errorf("atom ended %d times, want 1", n)
	}
}

func TestGraphNestedBlocks(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Outer", "stage", 0))
	g.Observe(atom("X", "sh", 1, "A"))
	g.Observe(blockStart("B", "Inner", "dir", 2, "A"))
	g.Observe(atom("Z", "make", 3, "B", "A"))
	g.Observe(blockEnd("B-end", "B", 6, "A"))
	g.Observe(atom("Y", "echo", 7, "A"))
	g.Observe(blockEnd("A-end", "A", 9))

	xs := h.ended(t, "sh")
	inner := h.ended(t, "Inner dir")
	zs := h.ended(t, "make")
	ys := h.ended(t, "echo")

	if !xs.EndTime().Equal(inner.StartTime()) {
		t.Errorf("X should end when B starts: %v vs %v", xs.EndTime(), inner.StartTime())
	}
	if zs.Parent().SpanID() != inner.SpanContext().SpanID() {
		t.Error("Z is not a child of B")
	}
	if !inner.EndTime().Equal(millis(at(6))) {
		t.Errorf("B end = %v", inner.EndTime())
	}
	if !ys.EndTime().Equal(millis(at(9))) {
		t.Errorf("Y end = %v", ys.EndTime())
	}
}

func TestGraphErrorTagging(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Test", "stage", 0))
	g.Observe(atom("X", "sh", 1, "A"))
	g.Update(&types.ExecutionNode{ID: "X", ExecutionID: "exec-1", Kind: types.NodeKindAtom, Error: &types.NodeError{Message: "exit code 2"}})
	g.Observe(atom("Y", "junit", 3, "A"))
	g.Observe(blockEnd("A-end", "A", 5))

	xa := attrs(h.ended(t, "sh"))
	if !xa[tracing.AttrError].AsBool() {
		t.Error("failed atom not tagged")
	}
	if xa[tracing.AttrErrorMessage].AsString() != "exit code 2" {
		t.Errorf("error.message = %q", xa[tracing.AttrErrorMessage].AsString())
	}
	if _, ok := attrs(h.ended(t, "junit"))[tracing.AttrError]; ok {
		t.Error("sibling tagged with error")
	}
	if _, ok := attrs(h.ended(t, "Test stage"))[tracing.AttrError]; ok {
		t.Error("error propagated to the block")
	}
}

func TestGraphBlockErrorFromEnd(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Test", "stage", 0))
	end := blockEnd("A-end", "A", 5)
	end.Error = &types.NodeError{Message: "stage failed"}
	g.Observe(end)

	if !attrs(h.ended(t, "Test stage"))[tracing.AttrError].AsBool() {
		t.Error("block not tagged with its end's error")
	}
}

func TestGraphStageNameFromArguments(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	a := blockStart("A", "Stage : Start", "stage", 0)
	g.Observe(a)
	a.Metadata = &types.NodeMetadata{Arguments: map[string]interface{}{"name": "Package", "retries": 3}}
	g.Update(a)
	g.Observe(blockEnd("A-end", "A", 1))

	ba := attrs(h.ended(t, "Stage : Start stage"))
	if ba[tracing.AttrStageName].AsString() != "Package" {
		t.Errorf("stage.name = %q, want Package", ba[tracing.AttrStageName].AsString())
	}
	if ba["step.arguments.retries"].AsInt64() != 3 {
		t.Error("numeric argument not kept as number")
	}
}

func TestGraphIgnoresTraceStepAndUnknownBlocks(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Build", "stage", 0))
	if span := g.Observe(atom("T", TraceStepFunction, 1, "A")); span != nil {
		t.Error("trace step produced a span")
	}
	if span := g.Observe(blockEnd("Q-end", "unknown", 2)); span != nil {
		t.Error("block end produced a span")
	}
	if _, ok := g.SpanFor("T"); ok {
		t.Error("trace step has a state")
	}
}

func TestGraphApplyTraceStep(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	g.Observe(blockStart("A", "Build", "stage", 0))
	g.Observe(atom("T", TraceStepFunction, 1, "A"))
	g.Observe(blockStart("B", "Custom", TraceStepFunction, 2, "A"))

	t.Run("atom form tags the enclosing block", func(t *testing.T) {
		if _, err := h.reg.TraceStep("exec-1", "T", types.TraceInfo{
			OperationName: "ignored",
			Tags:          map[string]interface{}{"component": "api"},
			Events:        []types.TraceEvent{{Name: "checkpoint", Fields: map[string]interface{}{"n": 1}}},
		}); err != nil {
			t.Fatalf("TraceStep failed: %v", err)
		}
	})

	t.Run("body form renames its block", func(t *testing.T) {
		if _, err := h.reg.TraceStep("exec-1", "B", types.TraceInfo{OperationName: "integration-tests", Tags: map[string]interface{}{"suite": "e2e"}}); err != nil {
			t.Fatalf("TraceStep failed: %v", err)
		}
	})

	t.Run("unknown node", func(t *testing.T) {
		if _, err := h.reg.TraceStep("exec-1", "nope", types.TraceInfo{}); err == nil {
			t.Error("expected error")
		}
	})

	g.Observe(blockEnd("B-end", "B", 3, "A"))
	g.Observe(blockEnd("A-end", "A", 4))

	block := h.ended(t, "Build stage")
	if attrs(block)["component"].AsString() != "api" {
		t.Error("atom-form tags missing on the enclosing block")
	}
	if len(block.Events()) != 1 || block.Events()[0].Name != "checkpoint" {
		t.Errorf("events = %v", block.Events())
	}
	custom := h.ended(t, "integration-tests")
	if attrs(custom)["suite"].AsString() != "e2e" {
		t.Error("body-form tags missing")
	}
}

// Observing a node any number of times returns the span created by the
// first observation and creates nothing else.
func TestGraphObserveIsIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t)
		g := h.startRun(t, "run-1", "exec-1")

		g.Observe(blockStart("A", "Build", "stage", 0))
		n := rapid.IntRange(1, 8).Draw(rt, "atoms")
		first := make(map[string]trace.Span)
		for i := 0; i < n; i++ {
			node := atom(fmt.Sprintf("X%d", i), "sh", int64(i+1), "A")
			span := g.Observe(node)
			first[node.ID] = span

			repeats := rapid.IntRange(0, 3).Draw(rt, "repeats")
			for r := 0; r < repeats; r++ {
				if again := g.Observe(node); again != span {
					rt.Fatalf("observe(%s) returned a different span", node.ID)
				}
			}
		}

		// Run span, block span and one per atom.
		if got, want := len(h.rec.Started()), n+2; got != want {
			rt.Fatalf("started %d spans, want %d", got, want)
		}
		for id, span := range first {
			got, ok := g.SpanFor(id)
			if !ok || got != span {
				rt.Fatalf("SpanFor(%s) mismatch", id)
			}
		}
	})
}

func TestGraphFlushStartsOver(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")

	before := g.Observe(blockStart("A", "Build", "stage", 0))
	h.storage.Flush()
	if h.storage.Size() != 0 {
		t.Fatalf("Size() = %d after flush", h.storage.Size())
	}

	after := g.Observe(blockStart("A", "Build", "stage", 0))
	if after == nil || after == before {
		t.Fatal("expected a new span after flush")
	}
	if after.SpanContext().TraceID() == before.SpanContext().TraceID() {
		t.Error("post-flush span reused the old trace")
	}
}
