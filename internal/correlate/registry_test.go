package correlate

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/flexinfer/mentatlab/services/pipetrace-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/pipetrace-go/pkg/types"
)

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t)
	q := h.reg.Queue()

	item := jobItem(7, "user:bob")
	q.EnterBuildable(item)
	q.Left(item)

	run := &types.Run{ID: "run-7", DisplayName: "build #7", Number: 7, QueueID: 7, URL: "job/build/7/"}
	link := h.reg.RunStarted(run)
	span, ok := h.reg.SpanForRun("run-7")
	if !ok {
		t.Fatal("run span missing")
	}
	if want := "http://jaeger:16686/trace/" + span.SpanContext().TraceID().String(); link != want {
		t.Errorf("link = %q, want %q", link, want)
	}

	h.reg.RunCompleted(run, types.ResultFailure)

	job := h.ended(t, "Job build #7")
	env := h.ended(t, "Queue build")

	if job.Parent().SpanID() != env.SpanContext().SpanID() {
		t.Error("run is not a child of its queue envelope")
	}
	ja := attrs(job)
	if ja[tracing.AttrJob].AsString() != "build #7" || ja[tracing.AttrBuildNumber].AsInt64() != 7 {
		t.Errorf("job tags = %v", ja)
	}
	if ja[tracing.AttrResult].AsString() != "FAILURE" {
		t.Errorf("result = %q", ja[tracing.AttrResult].AsString())
	}
	if !ja[tracing.AttrError].AsBool() || job.Status().Code != codes.Error {
		t.Error("failed run not marked as error")
	}
	if ja[tracing.AttrURL].AsString() != "https://ci.example.com/job/build/7/" {
		t.Errorf("url = %q", ja[tracing.AttrURL].AsString())
	}

	if _, ok := q.PopQueueSpan(7); ok {
		t.Error("queue envelope not consumed by the run")
	}
}

func TestRunSuccessIsNotAnError(t *testing.T) {
	h := newHarness(t)
	run := &types.Run{ID: "run-1", DisplayName: "deploy", Number: 1}
	h.reg.RunStarted(run)
	h.reg.RunCompleted(run, types.ResultSuccess)

	job := h.ended(t, "Job deploy")
	if _, ok := attrs(job)[tracing.AttrError]; ok {
		t.Error("successful run tagged as error")
	}
	if job.Parent().IsValid() {
		t.Error("run without queue item should be a root span")
	}
}

func TestRunCompleteWithoutStart(t *testing.T) {
	h := newHarness(t)
	h.reg.RunCompleted(&types.Run{ID: "ghost"}, types.ResultAborted)
	if n := len(h.rec.Ended()); n != 0 {
		t.Errorf("ended %d spans, want 0", n)
	}
}

func TestListenerForRequiresRunSpan(t *testing.T) {
	h := newHarness(t)

	if g := h.reg.ListenerFor("exec-unknown"); g != nil {
		t.Error("correlator created without run")
	}

	h.reg.BindExecution("exec-2", "run-missing")
	if g := h.reg.ListenerFor("exec-2"); g != nil {
		t.Error("correlator created without run span")
	}

	g := h.startRun(t, "run-1", "exec-1")
	if again := h.reg.ListenerFor("exec-1"); again != g {
		t.Error("ListenerFor created a second correlator")
	}
	if h.reg.Active() != 1 {
		t.Errorf("Active() = %d, want 1", h.reg.Active())
	}
}

func TestExecutionCompletedReleasesState(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	g.Observe(blockStart("A", "Build", "stage", 0))
	g.Observe(atom("X", "sh", 1, "A"))

	sizeBefore := h.storage.Size()
	h.reg.ExecutionCompleted("exec-1")

	if _, ok := h.reg.Listener("exec-1"); ok {
		t.Error("correlator not disposed")
	}
	if _, ok := h.reg.SpanForNode("exec-1", "A"); ok {
		t.Error("node span still reachable")
	}
	if h.storage.Size() >= sizeBefore {
		t.Errorf("Size() = %d, expected less than %d", h.storage.Size(), sizeBefore)
	}
	if _, ok := h.reg.SpanForRun("run-1"); !ok {
		t.Error("run span should outlive the execution")
	}
}

func TestNodeAllocationChain(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	q := h.reg.Queue()

	g.Observe(blockStart("N", "Allocate node", "node", 0))

	item := &types.QueueItem{
		ID:   100,
		Task: types.PlaceholderTask{Name: "build (part 1)", Ref: types.NodeRef{ExecutionID: "exec-1", NodeID: "N"}},
	}
	q.EnterBuildable(item)
	q.Left(item)

	g.Update(&types.ExecutionNode{ID: "N", ExecutionID: "exec-1", Kind: types.NodeKindBlockStart, QueueItemID: 100})
	g.Observe(atom("S", "sh", 2, "N"))
	g.Observe(blockEnd("N-end", "N", 3))

	nodeSpan := h.ended(t, "Allocate node node")
	envelope := h.ended(t, "Queue build (part 1)")
	step := h.ended(t, "sh")

	if envelope.Parent().SpanID() != nodeSpan.SpanContext().SpanID() {
		t.Error("queue envelope is not a child of the node block")
	}
	if step.Parent().SpanID() != envelope.SpanContext().SpanID() {
		t.Error("step is not a child of the queue envelope")
	}
}

func TestEnvFor(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	g.Observe(blockStart("A", "Build", "stage", 0))
	g.Update(atom("X", "sh", 1, "A"))

	env, err := h.reg.EnvFor("exec-1", "X")
	if err != nil {
		t.Fatalf("EnvFor failed: %v", err)
	}
	span, ok := h.reg.SpanForNode("exec-1", "X")
	if !ok {
		t.Fatal("atom not observed on demand")
	}
	if !strings.Contains(env["TRACEPARENT"], span.SpanContext().SpanID().String()) {
		t.Errorf("TRACEPARENT = %q", env["TRACEPARENT"])
	}

	if _, err := h.reg.EnvFor("exec-1", "missing"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	if _, err := h.reg.EnvFor("exec-9", "X"); !errors.Is(err, ErrUnknownExecution) {
		t.Errorf("expected ErrUnknownExecution, got %v", err)
	}
}

func TestRunTrace(t *testing.T) {
	h := newHarness(t)
	h.reg.RunStarted(&types.Run{ID: "run-1", DisplayName: "build", Number: 1})

	rt, err := h.reg.RunTrace("run-1")
	if err != nil {
		t.Fatalf("RunTrace failed: %v", err)
	}
	if rt.TraceID == "" || !strings.HasSuffix(rt.Link, rt.TraceID) {
		t.Errorf("unexpected trace %+v", rt)
	}
	if _, err := h.reg.RunTrace("nope"); !errors.Is(err, ErrUnknownRun) {
		t.Errorf("expected ErrUnknownRun, got %v", err)
	}
}

func TestNestedBlockUnderNodeAllocation(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	q := h.reg.Queue()

	g.Observe(blockStart("N", "Allocate node", "node", 0))
	item := &types.QueueItem{
		ID:   100,
		Task: types.PlaceholderTask{Name: "build (part 1)", Ref: types.NodeRef{ExecutionID: "exec-1", NodeID: "N"}},
	}
	q.EnterBuildable(item)
	q.Left(item)
	g.Update(&types.ExecutionNode{ID: "N", ExecutionID: "exec-1", Kind: types.NodeKindBlockStart, QueueItemID: 100})

	g.Observe(blockStart("B", "Compile", "stage", 1, "N"))
	g.Observe(atom("S", "sh", 2, "B", "N"))
	g.Observe(blockEnd("B-end", "B", 3, "N"))
	g.Observe(blockEnd("N-end", "N", 4))

	envelope := h.ended(t, "Queue build (part 1)")
	stage := h.ended(t, "Compile stage")
	step := h.ended(t, "sh")

	if stage.Parent().SpanID() != envelope.SpanContext().SpanID() {
		t.Error("nested block is not a child of the queue envelope")
	}
	if step.Parent().SpanID() != stage.SpanContext().SpanID() {
		t.Error("step is not a child of its own block")
	}
}

func TestEnvForConcurrentWithUpdates(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	g.Observe(blockStart("A", "Build", "stage", 0))
	g.Update(atom("X", "sh", 1, "A"))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			update := atom("X", "sh", 1, "A")
			update.Error = &types.NodeError{Message: "exit status 1"}
			update.Metadata = &types.NodeMetadata{
				Arguments: map[string]interface{}{"script": "make"},
				Tags:      map[string]string{"attempt": "1"},
			}
			g.Update(update)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := h.reg.EnvFor("exec-1", "X"); err != nil {
				t.Errorf("EnvFor failed: %v", err)
				return
			}
			if _, ok := g.Node("X"); !ok {
				t.Error("node missing")
				return
			}
		}
	}()
	wg.Wait()
}

func TestEnvForBlockEndHasNoSpan(t *testing.T) {
	h := newHarness(t)
	g := h.startRun(t, "run-1", "exec-1")
	g.Observe(blockStart("A", "Build", "stage", 0))
	g.Update(blockEnd("A-end", "A", 1))

	if _, err := h.reg.EnvFor("exec-1", "A-end"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}
	for _, s := range h.rec.Ended() {
		if s.Name() == "Build stage" {
			t.Error("env lookup finished the block")
		}
	}
}

func TestSweepUnregistersAbandonedExecutions(t *testing.T) {
	h := newHarness(t)
	baseline := h.storage.Stats().Caches

	for i := 0; i < 50; i++ {
		id := strconv.Itoa(i)
		g := h.startRun(t, "run-"+id, "exec-"+id)
		g.Observe(blockStart("A", "Build", "stage", 0))
	}
	if got := h.storage.Stats().Caches; got != baseline+100 {
		t.Fatalf("Caches = %d, want %d", got, baseline+100)
	}

	time.Sleep(5 * time.Millisecond)
	h.storage.Sweep(time.Millisecond)

	st := h.storage.Stats()
	if st.Caches != baseline {
		t.Errorf("Caches = %d after sweep, want %d", st.Caches, baseline)
	}
	if st.Entries != 0 || st.Refs != 0 {
		t.Errorf("entries = %d refs = %d after sweep, want 0", st.Entries, st.Refs)
	}
	if g := h.reg.ListenerFor("exec-0"); g != nil {
		t.Error("abandoned execution still resolves")
	}
}
