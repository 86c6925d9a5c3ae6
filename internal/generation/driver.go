package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"linkops/internal/logging"
	"linkops/internal/observability"
)

// DriverMetrics receives execution telemetry from the driver. Implementations
// must tolerate being called from many goroutines.
type DriverMetrics interface {
	SessionStarted(ctx context.Context, kind string)
	SessionFinished(ctx context.Context, kind string, status string, duration time.Duration)
	SubResultRecorded(ctx context.Context, kind string)
}

// Driver executes one session against the engine. It is the only component
// that mutates session status, sub-results, final payload, and error message,
// apart from the explicit cancel path in the lifecycle manager.
type Driver struct {
	store    Store
	engine   Engine
	listener EventListener
	metrics  DriverMetrics
	tracer   *observability.TracerProvider
	logger   logging.Logger
}

// NewDriver creates a driver bound to a store and engine. listener may be nil.
func NewDriver(store Store, engine Engine, listener EventListener, logger logging.Logger) *Driver {
	return &Driver{
		store:    store,
		engine:   engine,
		listener: listener,
		logger:   logging.OrNop(logger),
	}
}

// SetMetrics attaches execution telemetry. Safe to leave unset.
func (d *Driver) SetMetrics(metrics DriverMetrics) {
	d.metrics = metrics
}

// SetTracer attaches span instrumentation. Safe to leave unset.
func (d *Driver) SetTracer(tracer *observability.TracerProvider) {
	d.tracer = tracer
}

// Run drives the session to a terminal status. Failures are recorded in the
// session and never propagate past this boundary: the orchestration layer
// always leaves a terminal, inspectable session behind.
func (d *Driver) Run(ctx context.Context, sessionID string) {
	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		d.logger.Error("Driver cannot load session %s: %v", sessionID, err)
		return
	}

	if err := d.store.TransitionStatus(ctx, sessionID, StatusInProgress); err != nil {
		// Cancelled while still queued; partial state stays as-is.
		d.logger.Info("Session %s not started: %v", sessionID, err)
		return
	}
	d.emit(Event{
		Type:       EventStarted,
		SessionID:  sessionID,
		SubjectKey: session.SubjectKey,
		Status:     StatusInProgress,
	})

	startTime := time.Now()
	finalStatus := StatusError
	if d.tracer != nil {
		attrs := append(observability.SessionAttrs(sessionID, session.SubjectKey),
			attribute.String(observability.AttrKind, string(session.Kind)))
		var span trace.Span
		ctx, span = d.tracer.StartSpan(ctx, observability.SpanSessionRun, attrs...)
		defer func() {
			span.SetAttributes(attribute.String(observability.AttrStatus, string(finalStatus)))
			span.End()
		}()
	}
	if d.metrics != nil {
		d.metrics.SessionStarted(ctx, string(session.Kind))
		defer func() {
			d.metrics.SessionFinished(ctx, string(session.Kind), string(finalStatus), time.Since(startTime))
		}()
	}

	stream, err := d.engine.Generate(ctx, Request{
		SessionID:  sessionID,
		SubjectKey: session.SubjectKey,
		Kind:       session.Kind,
		Seed:       session.SeedInput,
	})
	if err != nil {
		d.fail(ctx, session, fmt.Sprintf("engine failure: %v", err))
		return
	}
	defer func() {
		if closeErr := stream.Close(); closeErr != nil {
			d.logger.Warn("Failed to close engine stream for session %s: %v", sessionID, closeErr)
		}
	}()

	var engineFinal *FinalPayload
	for {
		// Cooperative cancellation: the flag is checked between work units,
		// never by interrupting an in-flight engine call.
		if d.cancelled(ctx, sessionID) {
			finalStatus = StatusCancelled
			d.logger.Info("Session %s cancelled, stopping after %d sub-results",
				sessionID, d.recordedSubResults(ctx, sessionID))
			return
		}

		stepCtx := ctx
		var stepSpan trace.Span
		if d.tracer != nil {
			stepCtx, stepSpan = d.tracer.StartSpan(ctx, observability.SpanEngineStep)
		}
		unit, err := stream.Next(stepCtx)
		if stepSpan != nil {
			stepSpan.End()
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if d.cancelled(ctx, sessionID) {
				finalStatus = StatusCancelled
				return
			}
			d.fail(ctx, session, fmt.Sprintf("engine failure: %v", err))
			return
		}

		if !d.applyUnit(ctx, session, unit) {
			finalStatus = StatusCancelled
			return
		}
		if unit.Final != nil {
			engineFinal = unit.Final
		}
	}

	d.finish(ctx, session, engineFinal, &finalStatus)
}

// applyUnit writes one unit to the store and forwards it to attached clients.
// It returns false when the session turned terminal underneath the driver.
func (d *Driver) applyUnit(ctx context.Context, session *Session, unit Unit) bool {
	sessionID := session.ID

	if unit.SubResult != nil {
		if err := d.store.AppendSubResult(ctx, sessionID, *unit.SubResult); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				return false
			}
			d.logger.Error("Failed to record sub-result %d for session %s: %v",
				unit.SubResult.Ordinal, sessionID, err)
			return true
		}
		if d.metrics != nil {
			d.metrics.SubResultRecorded(ctx, string(session.Kind))
		}

		counts := d.currentCounts(ctx, sessionID)
		d.emit(Event{
			Type:       EventSubResult,
			SessionID:  sessionID,
			SubjectKey: session.SubjectKey,
			Status:     StatusInProgress,
			SubResult:  unit.SubResult,
			Counts:     counts,
		})
	}

	if unit.Progress != "" {
		if err := d.store.SetProgress(ctx, sessionID, unit.Progress); err != nil {
			if errors.Is(err, ErrAlreadyTerminal) {
				return false
			}
			d.logger.Error("Failed to record progress for session %s: %v", sessionID, err)
			return true
		}
		d.emit(Event{
			Type:       EventProgress,
			SessionID:  sessionID,
			SubjectKey: session.SubjectKey,
			Status:     StatusInProgress,
			Progress:   unit.Progress,
		})
	}

	return true
}

func (d *Driver) finish(ctx context.Context, session *Session, engineFinal *FinalPayload, finalStatus *Status) {
	stored, err := d.store.Get(ctx, session.ID)
	if err != nil {
		d.logger.Error("Driver lost session %s at completion: %v", session.ID, err)
		return
	}
	if stored.Status.Terminal() {
		*finalStatus = stored.Status
		return
	}

	payload, err := Compose(stored, engineFinal)
	if err != nil {
		// Contract violations surface as error sessions but are logged
		// distinctly so engine regressions are diagnosable.
		if errors.Is(err, ErrContractViolation) {
			d.logger.Error("Contract violation in session %s: %v", session.ID, err)
		}
		d.fail(ctx, stored, err.Error())
		return
	}

	if err := d.store.SetFinal(ctx, session.ID, payload); err != nil {
		if errors.Is(err, ErrAlreadyTerminal) {
			*finalStatus = StatusCancelled
			return
		}
		d.logger.Error("Failed to finalize session %s: %v", session.ID, err)
		return
	}

	*finalStatus = StatusCompleted
	d.emit(Event{
		Type:       EventCompleted,
		SessionID:  session.ID,
		SubjectKey: session.SubjectKey,
		Status:     StatusCompleted,
		Counts:     &payload.Counts,
		Final:      payload,
	})
	d.logger.Info("Session %s completed with %d sub-results", session.ID, payload.Counts.Total)
}

func (d *Driver) fail(ctx context.Context, session *Session, message string) {
	if err := d.store.SetError(ctx, session.ID, message); err != nil {
		if !errors.Is(err, ErrAlreadyTerminal) {
			d.logger.Error("Failed to record error for session %s: %v", session.ID, err)
		}
		return
	}
	d.logger.Error("Session %s failed: %s", session.ID, message)
	d.emit(Event{
		Type:         EventFailed,
		SessionID:    session.ID,
		SubjectKey:   session.SubjectKey,
		Status:       StatusError,
		ErrorMessage: message,
	})
}

func (d *Driver) cancelled(ctx context.Context, sessionID string) bool {
	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return false
	}
	return session.Status == StatusCancelled
}

// recordedSubResults reads the stored sub-result count. The snapshot loaded
// at Run start goes stale as units are appended.
func (d *Driver) recordedSubResults(ctx context.Context, sessionID string) int {
	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return 0
	}
	return len(session.SubResults)
}

func (d *Driver) currentCounts(ctx context.Context, sessionID string) *Counts {
	session, err := d.store.Get(ctx, sessionID)
	if err != nil {
		return nil
	}
	counts := session.Counts()
	return &counts
}

func (d *Driver) emit(event Event) {
	if d.listener == nil {
		return
	}
	event.Timestamp = time.Now()
	d.listener.OnEvent(event)
}
