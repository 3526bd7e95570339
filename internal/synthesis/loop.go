package synthesis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"toolforge/internal/contract"
	"toolforge/internal/environment"
	"toolforge/internal/install"
	"toolforge/internal/logging"
	"toolforge/internal/oracle"
	"toolforge/internal/sandbox"
	"toolforge/internal/store"
	"toolforge/internal/trajectory"
	"toolforge/internal/validation"
)

// Loop synthesizes adapters. A Loop belongs to one session; its trajectory
// log and the environments it restores are not shared.
type Loop struct {
	provider environment.Provider
	oracle   oracle.Oracle
	log      *trajectory.Log
	opts     Options
}

// NewLoop creates a loop. log may be nil.
func NewLoop(provider environment.Provider, o oracle.Oracle, log *trajectory.Log, opts Options) *Loop {
	return &Loop{provider: provider, oracle: o, log: log, opts: opts.withDefaults()}
}

// run is the state of one Synthesize call.
type run struct {
	*Loop
	contract  *contract.TaskContract
	installed *install.InstalledEnvironment
	language  string

	state    State
	plan     string
	code     string
	handle   *environment.Handle
	attempts []Attempt
	problems []string
}

// Synthesize returns a verified artifact implementing c against the
// installed environment. When the budget runs out the error is a
// *SynthesisFailed; cancelling ctx stops the loop before its next step.
func (l *Loop) Synthesize(ctx context.Context, c *contract.TaskContract, installed *install.InstalledEnvironment) (*store.ToolArtifact, error) {
	timer := logging.StartTimer(logging.CategorySynthesis, "Synthesize")
	defer timer.Stop()

	if err := installed.Compatible(c); err != nil {
		if !l.opts.AllowIncompatible {
			return nil, err
		}
		logging.SynthesisWarn("Proceeding despite %v", err)
	}

	r := &run{Loop: l, contract: c, installed: installed, language: c.Language, state: StateGenerate}
	if l.opts.Plan {
		r.state = StatePlan
	}
	if r.language == "" {
		r.language = l.opts.Language
	}
	defer r.release(ctx)

	end := l.log.Span(trajectory.ActorOrchestrator, "synthesize", map[string]interface{}{
		"tool":         c.Name,
		"installed_id": installed.ID,
		"language":     r.language,
		"budget":       l.opts.Budget,
	})
	artifact, err := r.drive(ctx)
	if err != nil {
		end(map[string]interface{}{"attempts": len(r.attempts), "state": r.state.String()}, err)
		return nil, err
	}
	end(map[string]interface{}{"attempts": len(r.attempts), "digest": artifact.Digest}, nil)
	return artifact, nil
}

// drive steps the state machine until it reaches a terminal state.
func (r *run) drive(ctx context.Context) (*store.ToolArtifact, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		logging.SynthesisDebug("%s: state %s (attempt %d/%d)", r.contract.Name, r.state, len(r.attempts), r.opts.Budget)

		switch r.state {
		case StatePlan:
			plan, err := r.makePlan(ctx)
			if err != nil {
				return nil, err
			}
			r.plan = plan
			r.state = StateGenerate

		case StateGenerate:
			in := r.codeInput(nil)
			in.Plan = r.plan
			code, err := r.ask(ctx, "generate", oracle.GeneratePrompt(in))
			if err != nil {
				return nil, err
			}
			r.code = code
			r.state = StateExecute

		case StateExecute:
			a := r.execute(ctx)
			r.attempts = append(r.attempts, a)
			if a.Failed() {
				r.state = StateDiagnose
			} else {
				r.state = StateSucceeded
			}

		case StateDiagnose:
			last := &r.attempts[len(r.attempts)-1]
			diagnose(last, r.opts.MaxTraceChars)
			r.problems = append(r.problems, last.Summary)
			r.log.Event(trajectory.ActorOrchestrator, "diagnose", map[string]interface{}{
				"attempt":    last.Index,
				"kind":       last.DiagnosticKind,
				"diagnostic": last.Diagnostic,
				"problems":   r.problems,
			})
			logging.SynthesisWarn("%s: %s", r.contract.Name, last.Summary)
			if len(r.attempts) >= r.opts.Budget {
				r.state = StateExhausted
			} else {
				r.state = StateRepair
			}

		case StateRepair:
			last := &r.attempts[len(r.attempts)-1]
			code, err := r.ask(ctx, "repair", oracle.RepairPrompt(r.codeInput(last)))
			if err != nil {
				return nil, err
			}
			r.code = code
			r.state = StateExecute

		case StateSucceeded:
			return r.artifact(), nil

		case StateExhausted:
			failed := &SynthesisFailed{Tool: r.contract.Name, Attempts: r.attempts}
			logging.SynthesisError("%v", failed)
			return nil, failed

		default:
			return nil, fmt.Errorf("synthesis reached unknown state %s", r.state)
		}
	}
}

func (r *run) codeInput(last *Attempt) oracle.CodeInput {
	in := oracle.CodeInput{
		Contract:      r.contract,
		Language:      r.language,
		InstallPath:   r.installed.Path,
		InstallScript: r.installed.Script,
	}
	if last != nil {
		in.Code = last.Code
		in.Diagnostic = last.Diagnostic
	}
	return in
}

// makePlan asks for the step list the first generation follows.
func (r *run) makePlan(ctx context.Context) (string, error) {
	p := oracle.PlanPrompt(r.codeInput(nil))
	end := r.log.Span(trajectory.ActorOracle, "plan", p.User)
	text, err := r.oracle.Generate(ctx, p)
	if err == nil {
		text, err = oracle.RequirePlan(text)
	}
	if err != nil {
		end(nil, err)
		return "", fmt.Errorf("synthesis plan: %w", err)
	}
	end(text, nil)
	logging.SynthesisDebug("%s: plan has %d line(s)", r.contract.Name, strings.Count(text, "\n")+1)
	return text, nil
}

// ask sends a prompt and extracts the code from the answer.
func (r *run) ask(ctx context.Context, action string, p oracle.Prompt) (string, error) {
	end := r.log.Span(trajectory.ActorOracle, action, p.User)
	text, err := r.oracle.Generate(ctx, p)
	if err != nil {
		end(nil, err)
		return "", fmt.Errorf("synthesis attempt %d: %s: %w", len(r.attempts)+1, action, err)
	}
	code, err := oracle.RequireCode(text)
	if err != nil {
		end(text, err)
		return "", fmt.Errorf("synthesis attempt %d: %s: %w", len(r.attempts)+1, action, err)
	}
	end(code, nil)
	return code, nil
}

// execute runs the current code on every sample, stopping at the first
// failure. Samples drawn from test cases are self-checked.
func (r *run) execute(ctx context.Context) Attempt {
	a := Attempt{Index: len(r.attempts) + 1, Code: r.code}

	if r.handle == nil {
		h, err := r.provider.Restore(ctx, r.installed.Snapshot)
		if err != nil {
			a.Outcome = &sandbox.Outcome{Kind: sandbox.OutcomeEnvironmentError, Message: err.Error()}
			return a
		}
		r.handle = h
		r.log.Event(trajectory.ActorOrchestrator, "restore", map[string]string{"environment": h.Name, "snapshot": r.installed.Snapshot.Ref})
	}

	client := r.handle.Client(r.opts.InvokeTimeout)
	for _, s := range r.contract.Samples(r.opts.SampleInputs) {
		a.Sample = s.Name
		end := r.log.Span(trajectory.ActorRuntime, "invoke", map[string]interface{}{
			"attempt":   a.Index,
			"sample":    s.Name,
			"arguments": s.Arguments,
		})
		o := client.Invoke(ctx, sandbox.Request{
			Module:       sandbox.Module{Name: r.contract.Name, Language: r.language, Source: r.code},
			FunctionName: r.contract.Name,
			Arguments:    s.Arguments,
		})
		a.Outcome = o

		if !o.Succeeded() {
			end(o, errors.New(o.Summary()))
			if o.Recyclable() {
				r.recycle(ctx, o)
			}
			return a
		}
		if s.TestCase != nil {
			verdict, err := validation.Compare(s.TestCase, o)
			if err != nil {
				// A broken test case cannot be repaired by the oracle.
				logging.SynthesisWarn("Self-check of %s skipped: %v", s.Name, err)
			} else if !verdict.Pass {
				a.Assessment = verdict
				end(o, errors.New(DiagnosticAssessment))
				return a
			}
		}
		end(o, nil)
	}
	return a
}

// recycle destroys the live environment so the next attempt restores a
// fresh one from the installed snapshot.
func (r *run) recycle(ctx context.Context, o *sandbox.Outcome) {
	if r.handle == nil {
		return
	}
	logging.Synthesis("Recycling environment %s after %s", r.handle.Name, o.Kind)
	r.log.Event(trajectory.ActorOrchestrator, "recycle", map[string]string{"environment": r.handle.Name, "reason": string(o.Kind)})
	r.release(ctx)
}

func (r *run) release(ctx context.Context) {
	if r.handle == nil {
		return
	}
	if err := r.provider.Destroy(context.WithoutCancel(ctx), r.handle); err != nil {
		logging.SynthesisWarn("Failed to destroy environment %s: %v", r.handle.Name, err)
	}
	r.handle = nil
}

func (r *run) artifact() *store.ToolArtifact {
	logging.Synthesis("Synthesized %s in %d attempt(s)", r.contract.Name, len(r.attempts))
	return &store.ToolArtifact{
		ID:          uuid.New().String(),
		Name:        r.contract.Name,
		Contract:    *r.contract,
		Language:    r.language,
		Code:        r.code,
		InstalledID: r.installed.ID,
		Snapshot:    r.installed.Snapshot,
		Session:     r.log.Session(),
		Verified:    true,
		Attempts:    len(r.attempts),
		Digest:      store.Digest([]byte(r.code)),
		CreatedAt:   time.Now().UTC(),
	}
}
