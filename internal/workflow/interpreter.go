package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"jeeves/internal/logging"
)

// ErrStalled is returned when a phase self-loops without status mutation more
// times than the configured limit.
var ErrStalled = fmt.Errorf("workflow stalled")

// Decision is the interpreter's answer for one step.
type Decision struct {
	// Phase is the phase to execute next. Empty when Terminal is set.
	Phase *Phase
	// Terminal reports that the current phase is terminal and the run is
	// complete.
	Terminal bool
	// SelfLoop reports that no transition matched and the phase re-enters.
	SelfLoop bool
}

// Interpreter steps an issue through one workflow definition. It is created
// once per run and tracks self-loop stall state across steps.
type Interpreter struct {
	wf         *Workflow
	logger     logging.Logger
	stallLimit int

	lastPhase  string
	lastStatus string
	stallCount int
}

// NewInterpreter wraps a validated workflow. stallLimit is the number of
// consecutive no-progress self-loops tolerated before ErrStalled.
func NewInterpreter(wf *Workflow, stallLimit int, logger logging.Logger) *Interpreter {
	if stallLimit < 1 {
		stallLimit = 3
	}
	return &Interpreter{
		wf:         wf,
		logger:     logging.OrNop(logger),
		stallLimit: stallLimit,
	}
}

// Workflow returns the definition being interpreted.
func (in *Interpreter) Workflow() *Workflow { return in.wf }

// Next selects the next phase from the current phase name and status mapping.
// currentPhase may be empty, meaning the workflow start. The returned
// Decision carries the target phase; the caller writes phase = target to the
// issue record before dispatching.
func (in *Interpreter) Next(currentPhase string, status map[string]any) (Decision, error) {
	name := currentPhase
	if name == "" {
		name = in.wf.Start
	}
	phase, err := in.wf.Phase(name)
	if err != nil {
		return Decision{}, err
	}
	if phase.Type == PhaseTerminal {
		return Decision{Terminal: true}, nil
	}

	for i := range phase.Transitions {
		tr := &phase.Transitions[i]
		if tr.Auto {
			in.resetStall()
			return Decision{Phase: in.wf.Phases[tr.To]}, nil
		}
		ok, err := tr.pred.Eval(status)
		if err != nil {
			return Decision{}, fmt.Errorf("%w: phase %q transition %d: %v", ErrInvalid, name, i, err)
		}
		if ok {
			in.logger.Debug("phase %s: transition %d (%s) matched -> %s", name, i, tr.When, tr.To)
			in.resetStall()
			return Decision{Phase: in.wf.Phases[tr.To]}, nil
		}
	}

	// No transition matched: the phase re-enters. Abort once the status
	// mapping stops changing across stallLimit consecutive self-loops.
	hash := statusHash(status)
	if in.lastPhase == name && in.lastStatus == hash {
		in.stallCount++
	} else {
		in.stallCount = 1
	}
	in.lastPhase = name
	in.lastStatus = hash
	if in.stallCount > in.stallLimit {
		return Decision{}, fmt.Errorf("%w: phase %q re-entered %d times without status change", ErrStalled, name, in.stallCount)
	}
	return Decision{Phase: phase, SelfLoop: true}, nil
}

func (in *Interpreter) resetStall() {
	in.lastPhase = ""
	in.lastStatus = ""
	in.stallCount = 0
}

// statusHash produces a deterministic digest of the status mapping.
func statusHash(status map[string]any) string {
	keys := make([]string, 0, len(status))
	for k := range status {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(status[k])
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	return hex.EncodeToString(h.Sum(nil))
}
