package generation

import (
	"context"
	"errors"
	"fmt"

	"linkops/internal/logging"
)

// PhaseName is one stage of a multi-phase subject.
type PhaseName string

const (
	PhaseResearch PhaseName = "research"
	PhaseInput    PhaseName = "input"
	PhaseBrief    PhaseName = "brief"
)

// Human-phase status values. Generation phases report their session status.
const (
	PhaseWaiting  Status = "waiting"
	PhaseProvided Status = "provided"
)

type phaseSpec struct {
	Name  PhaseName
	Human bool
}

// brandBriefPhases is the ordered phase list for the brand-intelligence
// brief: research feeds a questionnaire, whose answers feed the brief.
var brandBriefPhases = []phaseSpec{
	{Name: PhaseResearch},
	{Name: PhaseInput, Human: true},
	{Name: PhaseBrief},
}

func phasesForKind(kind Kind) []phaseSpec {
	if kind == KindBrandBrief {
		return brandBriefPhases
	}
	return nil
}

// PhaseState is the stored view of one phase, reconstructed entirely from the
// session and input stores so resumed clients never depend on client-held
// state.
type PhaseState struct {
	Name      PhaseName `json:"name"`
	Human     bool      `json:"human"`
	SessionID string    `json:"session_id,omitempty"`
	Status    Status    `json:"status"`
}

func (p PhaseState) completed() bool {
	if p.Human {
		return p.Status == PhaseProvided
	}
	return p.Status == StatusCompleted
}

// AdvanceResult reports what Advance did.
type AdvanceResult struct {
	Phase    PhaseName   `json:"phase,omitempty"`
	Started  bool        `json:"started"`
	Complete bool        `json:"complete"`
	Session  StartResult `json:"session,omitempty"`
}

// PhaseCoordinator sequences phase sessions for multi-phase subjects. The
// phase chain is data: session ids are recovered from the session store via
// phase-scoped subject keys, human input from the input store, and the
// current phase is derived by scanning that stored state.
type PhaseCoordinator struct {
	store   Store
	manager *Manager
	inputs  InputStore
	logger  logging.Logger
}

// NewPhaseCoordinator wires the coordinator over the shared stores.
func NewPhaseCoordinator(store Store, manager *Manager, inputs InputStore, logger logging.Logger) *PhaseCoordinator {
	return &PhaseCoordinator{
		store:   store,
		manager: manager,
		inputs:  inputs,
		logger:  logging.OrNop(logger),
	}
}

// Phases returns the per-phase states and the derived current phase: the
// earliest phase that is not completed, or the last phase when all are.
func (c *PhaseCoordinator) Phases(ctx context.Context, subjectKey string) ([]PhaseState, PhaseName, error) {
	specs, err := c.specs(subjectKey)
	if err != nil {
		return nil, "", err
	}

	states := make([]PhaseState, 0, len(specs))
	for _, spec := range specs {
		states = append(states, c.phaseState(ctx, subjectKey, spec))
	}

	current := states[len(states)-1].Name
	for _, state := range states {
		if !state.completed() {
			current = state.Name
			break
		}
	}
	return states, current, nil
}

func (c *PhaseCoordinator) specs(subjectKey string) ([]phaseSpec, error) {
	kind, _, err := ParseSubjectKey(subjectKey)
	if err != nil {
		return nil, err
	}
	specs := phasesForKind(kind)
	if specs == nil {
		return nil, fmt.Errorf("%w: subject kind %s is not multi-phase", ErrInvalidSubject, kind)
	}
	return specs, nil
}

func (c *PhaseCoordinator) phaseState(ctx context.Context, subjectKey string, spec phaseSpec) PhaseState {
	state := PhaseState{Name: spec.Name, Human: spec.Human}
	if spec.Human {
		state.Status = PhaseWaiting
		if _, ok := c.inputs.GetInput(ctx, subjectKey, spec.Name); ok {
			state.Status = PhaseProvided
		}
		return state
	}

	session, err := c.store.Latest(ctx, PhaseSubjectKey(subjectKey, spec.Name))
	if err != nil {
		state.Status = StatusIdle
		return state
	}
	state.SessionID = session.ID
	state.Status = session.Status
	return state
}

// Advance starts the first phase without a completed session, provided its
// prerequisites are stored. A failed or cancelled phase is retried with a
// fresh session; completed prior phases are never rerun. Advancing a subject
// blocked on a questionnaire returns ErrAwaitingInput.
func (c *PhaseCoordinator) Advance(ctx context.Context, subjectKey string, seed map[string]any) (AdvanceResult, error) {
	specs, err := c.specs(subjectKey)
	if err != nil {
		return AdvanceResult{}, err
	}

	carried := make(map[string]any, len(seed)+2)
	for k, v := range seed {
		carried[k] = v
	}

	for _, spec := range specs {
		state := c.phaseState(ctx, subjectKey, spec)
		if state.completed() {
			c.carryForward(ctx, subjectKey, spec, carried)
			continue
		}

		if spec.Human {
			return AdvanceResult{Phase: spec.Name}, fmt.Errorf("%w: phase %s of %s",
				ErrAwaitingInput, spec.Name, subjectKey)
		}

		result, err := c.manager.Start(ctx, PhaseSubjectKey(subjectKey, spec.Name), carried)
		if err != nil {
			return AdvanceResult{Phase: spec.Name}, err
		}
		c.logger.Info("Advanced subject %s to phase %s (session %s, reused=%v)",
			subjectKey, spec.Name, result.SessionID, result.Reused)
		return AdvanceResult{Phase: spec.Name, Started: true, Session: result}, nil
	}

	last := specs[len(specs)-1].Name
	return AdvanceResult{Phase: last, Complete: true}, nil
}

// carryForward folds a completed phase's output into the seed for the next
// generation phase: a prior phase's final payload, or the stored human input.
func (c *PhaseCoordinator) carryForward(ctx context.Context, subjectKey string, spec phaseSpec, carried map[string]any) {
	if spec.Human {
		if artifact, ok := c.inputs.GetInput(ctx, subjectKey, spec.Name); ok {
			carried[string(spec.Name)] = artifact
		}
		return
	}

	session, err := c.store.Latest(ctx, PhaseSubjectKey(subjectKey, spec.Name))
	if err != nil || session.FinalPayload == nil {
		return
	}
	carried[string(spec.Name)] = session.FinalPayload.Content
}

// ProvideInput stores a human-input artifact. It is a synchronous write, not
// a session; it unblocks Advance for the following generation phase.
func (c *PhaseCoordinator) ProvideInput(ctx context.Context, subjectKey string, phase PhaseName, artifact map[string]any) error {
	specs, err := c.specs(subjectKey)
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if spec.Name == phase {
			if !spec.Human {
				return fmt.Errorf("%w: phase %s does not take human input", ErrInvalidSubject, phase)
			}
			if err := c.inputs.SetInput(ctx, subjectKey, phase, artifact); err != nil {
				return err
			}
			c.logger.Info("Input provided for subject %s phase %s", subjectKey, phase)
			return nil
		}
	}
	return fmt.Errorf("%w: unknown phase %s", ErrInvalidSubject, phase)
}

// IsAwaitingInput reports whether err is the awaiting-input sentinel.
func IsAwaitingInput(err error) bool {
	return errors.Is(err, ErrAwaitingInput)
}
