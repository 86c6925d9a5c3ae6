package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"linkops/internal/observability"
)

// stubEngine returns a fixed stream or a fixed error for every run.
type stubEngine struct {
	stream Stream
	err    error
}

func (e *stubEngine) Generate(ctx context.Context, req Request) (Stream, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.stream, nil
}

// gatedStream yields one unit per token received on release, so tests control
// exactly how far the driver gets.
type gatedStream struct {
	units   []Unit
	pos     int
	release chan struct{}
}

func newGatedStream(units []Unit) *gatedStream {
	return &gatedStream{units: units, release: make(chan struct{})}
}

func (s *gatedStream) Next(ctx context.Context) (Unit, error) {
	select {
	case <-ctx.Done():
		return Unit{}, ctx.Err()
	case <-s.release:
	}
	if s.pos >= len(s.units) {
		return Unit{}, io.EOF
	}
	unit := s.units[s.pos]
	s.pos++
	return unit, nil
}

func (s *gatedStream) Close() error { return nil }

// recordingListener captures events for assertions.
type recordingListener struct {
	mu     sync.Mutex
	events []Event
}

func (l *recordingListener) OnEvent(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingListener) byType(eventType string) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var matched []Event
	for _, event := range l.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func checkUnits() []Unit {
	sub := func(ordinal int, kind string, status SubResultStatus, fix string) Unit {
		return Unit{SubResult: &SubResult{
			Ordinal: ordinal,
			Kind:    kind,
			Status:  status,
			Detail:  SubResultDetail{FixText: fix},
		}}
	}
	return []Unit{
		{Progress: "Running formatting checks"},
		sub(0, "headers", SubResultPassed, ""),
		sub(1, "links", SubResultFailed, "Fix the broken internal link in section 2."),
		sub(2, "spacing", SubResultPassed, ""),
		sub(3, "tone", SubResultWarning, "Soften the closing paragraph."),
		sub(4, "meta", SubResultPassed, ""),
	}
}

func waitForTerminal(t *testing.T, store Store, sessionID string) *Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := store.Get(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if session.Status.Terminal() {
			return session
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Session %s never reached a terminal status", sessionID)
	return nil
}

func TestDriver_FullRunToCompletion(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	listener := &recordingListener{}
	engine := &stubEngine{stream: NewSliceStream(checkUnits())}
	driver := NewDriver(store, engine, listener, nil)

	session, err := store.Create(ctx, &Session{
		SubjectKey: "formatting_qa:article-9",
		Kind:       KindFormattingQA,
		SeedInput:  map[string]any{"content": "# Draft\n\nBody text."},
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (error: %s)", stored.Status, stored.ErrorMessage)
	}
	if stored.FinalPayload == nil {
		t.Fatal("Expected a final payload")
	}

	counts := stored.FinalPayload.Counts
	if counts.Total != 5 || counts.Succeeded != 3 || counts.Failed != 1 || counts.Warnings != 1 || counts.Pending != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}

	// The corrected document starts from the drafted content and carries the
	// fixes for the failed and warning checks.
	content := stored.FinalPayload.Content
	if !strings.Contains(content, "# Draft") {
		t.Errorf("Corrected document should include the drafted content, got %q", content)
	}
	if !strings.Contains(content, "broken internal link") || !strings.Contains(content, "closing paragraph") {
		t.Errorf("Corrected document should include both fixes, got %q", content)
	}
	if stored.FinalPayload.HTML == "" {
		t.Error("Expected a rendered HTML view")
	}

	if got := len(listener.byType(EventStarted)); got != 1 {
		t.Errorf("Expected 1 started event, got %d", got)
	}
	if got := len(listener.byType(EventSubResult)); got != 5 {
		t.Errorf("Expected 5 sub-result events, got %d", got)
	}
	completed := listener.byType(EventCompleted)
	if len(completed) != 1 {
		t.Fatalf("Expected 1 completed event, got %d", len(completed))
	}
	if completed[0].Final == nil || completed[0].Counts == nil {
		t.Error("Completed event should carry the final payload and counts")
	}
}

func TestDriver_CooperativeCancelStopsBetweenUnits(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	listener := &recordingListener{}
	stream := newGatedStream(checkUnits()[1:]) // sub-results only
	driver := NewDriver(store, &stubEngine{stream: stream}, listener, nil)

	session, _ := store.Create(ctx, &Session{
		SubjectKey: "formatting_qa:article-9",
		Kind:       KindFormattingQA,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		driver.Run(ctx, session.ID)
	}()

	// Let exactly two sub-results through, then cancel.
	stream.release <- struct{}{}
	stream.release <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, _ := store.Get(ctx, session.ID)
		if len(stored.SubResults) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 sub-results, got %d", len(stored.SubResults))
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	// Release the rest; the driver must not record any of it.
	close(stream.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Driver did not stop after cancellation")
	}

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusCancelled {
		t.Fatalf("Expected cancelled, got %s", stored.Status)
	}
	if len(stored.SubResults) != 2 {
		t.Errorf("Cancelled session must keep exactly the units applied before the flag, got %d", len(stored.SubResults))
	}
	if stored.FinalPayload != nil {
		t.Error("Cancelled session must not gain a final payload")
	}
	if got := len(listener.byType(EventCompleted)); got != 0 {
		t.Errorf("No completed event after cancel, got %d", got)
	}
}

func TestDriver_CancelledWhileQueuedNeverStarts(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	listener := &recordingListener{}
	driver := NewDriver(store, &stubEngine{stream: NewSliceStream(checkUnits())}, listener, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "formatting_qa:article-9", Kind: KindFormattingQA})
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusCancelled {
		t.Errorf("Expected cancelled, got %s", stored.Status)
	}
	if len(stored.SubResults) != 0 {
		t.Errorf("Expected no sub-results, got %d", len(stored.SubResults))
	}
	if got := len(listener.byType(EventStarted)); got != 0 {
		t.Errorf("Expected no started event, got %d", got)
	}
}

func TestDriver_EngineFailureRecordsError(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	listener := &recordingListener{}
	driver := NewDriver(store, &stubEngine{err: fmt.Errorf("model endpoint unreachable")}, listener, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-3", Kind: KindOutline})
	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusError {
		t.Fatalf("Expected error status, got %s", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "engine failure") {
		t.Errorf("Error message should name the engine failure, got %q", stored.ErrorMessage)
	}
	failed := listener.byType(EventFailed)
	if len(failed) != 1 {
		t.Fatalf("Expected 1 failed event, got %d", len(failed))
	}
	if failed[0].ErrorMessage == "" {
		t.Error("Failed event should carry the error message")
	}
}

// failingStream errors mid-run after yielding its units.
type failingStream struct {
	units []Unit
	pos   int
	err   error
}

func (s *failingStream) Next(ctx context.Context) (Unit, error) {
	if s.pos >= len(s.units) {
		return Unit{}, s.err
	}
	unit := s.units[s.pos]
	s.pos++
	return unit, nil
}

func (s *failingStream) Close() error { return nil }

func TestDriver_MidRunFailureKeepsPartialResults(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	stream := &failingStream{units: checkUnits()[1:3], err: errors.New("stream reset")}
	driver := NewDriver(store, &stubEngine{stream: stream}, nil, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "formatting_qa:article-9", Kind: KindFormattingQA})
	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusError {
		t.Fatalf("Expected error status, got %s", stored.Status)
	}
	if len(stored.SubResults) != 2 {
		t.Errorf("Partial sub-results must survive the failure, got %d", len(stored.SubResults))
	}
}

func TestDriver_EmptyStructuredRunIsContractViolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	driver := NewDriver(store, &stubEngine{stream: NewSliceStream(nil)}, nil, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "formatting_qa:article-9", Kind: KindFormattingQA})
	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusError {
		t.Fatalf("Expected error status, got %s", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "no sub-results") {
		t.Errorf("Error should describe the missing sub-results, got %q", stored.ErrorMessage)
	}
}

func TestDriver_PassThroughFinalArtifact(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	units := []Unit{
		{Progress: "Researching sources"},
		{Progress: "Drafting outline"},
		{Final: &FinalPayload{Content: "## Outline\n\n1. Hook"}},
	}
	driver := NewDriver(store, &stubEngine{stream: NewSliceStream(units)}, nil, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-3", Kind: KindOutline})
	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %s (error: %s)", stored.Status, stored.ErrorMessage)
	}
	if stored.FinalPayload.Content != "## Outline\n\n1. Hook" {
		t.Errorf("Unexpected final content: %q", stored.FinalPayload.Content)
	}
	if stored.ProgressMessage != "Drafting outline" {
		t.Errorf("Progress should hold the last message, got %q", stored.ProgressMessage)
	}
}

func TestDriver_AuditCitationCapViolation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	cite := func(n int) []Citation {
		citations := make([]Citation, n)
		for i := range citations {
			citations[i] = Citation{Type: CitationURL, Value: fmt.Sprintf("https://example.com/%d", i)}
		}
		return citations
	}
	units := []Unit{
		{SubResult: &SubResult{Ordinal: 0, Kind: "section", Status: SubResultCompleted,
			Detail: SubResultDetail{OptimizedContent: "Intro.", Citations: cite(2)}}},
		{SubResult: &SubResult{Ordinal: 1, Kind: "section", Status: SubResultCompleted,
			Detail: SubResultDetail{OptimizedContent: "Body.", Citations: cite(2)}}},
	}
	driver := NewDriver(store, &stubEngine{stream: NewSliceStream(units)}, nil, nil)

	session, _ := store.Create(ctx, &Session{SubjectKey: "semantic_audit:article-4", Kind: KindSemanticAudit})
	driver.Run(ctx, session.ID)

	stored, _ := store.Get(ctx, session.ID)
	if stored.Status != StatusError {
		t.Fatalf("Expected error for 4 citations, got %s", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "citations") {
		t.Errorf("Error should name the citation cap, got %q", stored.ErrorMessage)
	}
	// The partial sub-results remain inspectable on the error session.
	if len(stored.SubResults) != 2 {
		t.Errorf("Expected 2 retained sub-results, got %d", len(stored.SubResults))
	}
}

// memoryLogger collects formatted log lines for assertions.
type memoryLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *memoryLogger) record(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *memoryLogger) Debug(format string, args ...any) { l.record(format, args...) }
func (l *memoryLogger) Info(format string, args ...any)  { l.record(format, args...) }
func (l *memoryLogger) Warn(format string, args ...any)  { l.record(format, args...) }
func (l *memoryLogger) Error(format string, args ...any) { l.record(format, args...) }

func (l *memoryLogger) find(substr string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			return line
		}
	}
	return ""
}

func TestDriver_CancelLogReportsRecordedSubResults(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	logger := &memoryLogger{}
	stream := newGatedStream(checkUnits()[1:])
	driver := NewDriver(store, &stubEngine{stream: stream}, nil, logger)

	session, _ := store.Create(ctx, &Session{
		SubjectKey: "formatting_qa:article-11",
		Kind:       KindFormattingQA,
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		driver.Run(ctx, session.ID)
	}()

	stream.release <- struct{}{}
	stream.release <- struct{}{}
	deadline := time.Now().Add(5 * time.Second)
	for {
		stored, _ := store.Get(ctx, session.ID)
		if len(stored.SubResults) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Expected 2 sub-results, got %d", len(stored.SubResults))
		}
		time.Sleep(2 * time.Millisecond)
	}
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	close(stream.release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Driver did not stop after cancellation")
	}

	// The shutdown log must report the stored count, not the snapshot the
	// driver loaded before any unit was appended.
	line := logger.find("cancelled")
	if line == "" {
		t.Fatal("Expected a cancellation log line")
	}
	if !strings.Contains(line, "after 2 sub-results") {
		t.Errorf("Cancellation log should count the recorded sub-results, got %q", line)
	}
}

func TestDriver_RunEmitsSessionAndStepSpans(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	driver := NewDriver(store, &stubEngine{stream: NewSliceStream(checkUnits())}, nil, nil)
	driver.SetTracer(observability.WithTracer(provider.Tracer("test")))

	session, _ := store.Create(ctx, &Session{
		SubjectKey: "formatting_qa:article-3",
		Kind:       KindFormattingQA,
	})
	driver.Run(ctx, session.ID)

	var sessionSpans, stepSpans int
	var runAttrs []attribute.KeyValue
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case observability.SpanSessionRun:
			sessionSpans++
			runAttrs = span.Attributes()
		case observability.SpanEngineStep:
			stepSpans++
		}
	}
	if sessionSpans != 1 {
		t.Fatalf("Expected one session span, got %d", sessionSpans)
	}
	// One Next call per unit plus the EOF read.
	if want := len(checkUnits()) + 1; stepSpans != want {
		t.Errorf("Expected %d engine step spans, got %d", want, stepSpans)
	}

	attrs := make(map[attribute.Key]string)
	for _, kv := range runAttrs {
		attrs[kv.Key] = kv.Value.AsString()
	}
	if got := attrs[attribute.Key(observability.AttrSessionID)]; got != session.ID {
		t.Errorf("Session span must carry the session id, got %q", got)
	}
	if got := attrs[attribute.Key(observability.AttrStatus)]; got != string(StatusCompleted) {
		t.Errorf("Session span must record the terminal status, got %q", got)
	}
}
