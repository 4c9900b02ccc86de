package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/strandlabs/strand/bus"
	"github.com/strandlabs/strand/config"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/permission"
	"github.com/strandlabs/strand/store"
	"github.com/strandlabs/strand/todo"
	"github.com/strandlabs/strand/tools"
)

// Resume failure codes.
const (
	ErrAgentNotFound           = "AGENT_NOT_FOUND"
	ErrTemplateNotFound        = "TEMPLATE_NOT_FOUND"
	ErrTemplateVersionMismatch = "TEMPLATE_VERSION_MISMATCH"
	ErrSandboxInitFailed       = "SANDBOX_INIT_FAILED"
	ErrCorruptedData           = "CORRUPTED_DATA"
)

// ResumeError explains why a persisted agent could not be rehydrated.
type ResumeError struct {
	Code string
	Err  error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume failed (%s): %v", e.Code, e.Err)
}

func (e *ResumeError) Unwrap() error { return e.Err }

// Resume strategies.
const (
	StrategyCrash  = "crash"  // process died; seal anything in flight
	StrategyManual = "manual" // clean shutdown resume
)

// ResumeOptions tune rehydration.
type ResumeOptions struct {
	Strategy string
	// AutoRun starts the loop immediately if the transcript ends with
	// pending user input.
	AutoRun bool
	// IgnoreTemplateVersion skips the template version check.
	IgnoreTemplateVersion bool
}

// Resume rehydrates a persisted agent: meta, transcript and tool records.
// Under the crash strategy every non-terminal tool call is sealed and an
// agent_resumed event announces what was lost.
func Resume(ctx context.Context, agentID string, opts ResumeOptions, deps Deps) (*Agent, error) {
	if deps.Store == nil {
		return nil, &ResumeError{Code: ErrCorruptedData, Err: fmt.Errorf("store required")}
	}
	if deps.Config == nil {
		deps.Config = config.Default()
	}
	if deps.Hooks == nil {
		deps.Hooks = &hooks.Pipeline{}
	}
	if deps.Registry == nil {
		deps.Registry = tools.NewRegistry()
	}

	info, err := deps.Store.LoadInfo(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &ResumeError{Code: ErrAgentNotFound, Err: fmt.Errorf("agent %s", agentID)}
		}
		return nil, &ResumeError{Code: ErrCorruptedData, Err: err}
	}

	tpl, err := resolveTemplate(info, opts, deps)
	if err != nil {
		return nil, err
	}

	msgs, err := deps.Store.LoadMessages(ctx, agentID)
	if err != nil {
		return nil, &ResumeError{Code: ErrCorruptedData, Err: fmt.Errorf("load messages: %w", err)}
	}
	recs, err := deps.Store.LoadToolCallRecords(ctx, agentID)
	if err != nil {
		return nil, &ResumeError{Code: ErrCorruptedData, Err: fmt.Errorf("load tool records: %w", err)}
	}

	a, err := build(ctx, agentID, Options{
		ID:       agentID,
		Template: tpl,
		Lineage:  info.Lineage,
	}, deps, info.LastBookmark.Seq)
	if err != nil {
		return nil, &ResumeError{Code: ErrSandboxInitFailed, Err: err}
	}

	a.mu.Lock()
	a.messages = msgs
	a.stepCount = info.StepCount
	a.lastSfpIndex = info.LastSFPIndex
	a.createdAt = info.CreatedAt
	for i := range recs {
		rec := &recs[i]
		a.records = append(a.records, rec)
		a.recordByID[rec.ID] = rec
	}
	a.mu.Unlock()

	var sealed []string
	if opts.Strategy == StrategyCrash {
		sealed = a.sealOpenCalls("The process terminated unexpectedly.")
		if len(sealed) > 0 {
			if err := a.persistMessages(ctx); err != nil {
				a.Close()
				return nil, &ResumeError{Code: ErrCorruptedData, Err: err}
			}
			if err := a.persistRecords(ctx); err != nil {
				a.Close()
				return nil, &ResumeError{Code: ErrCorruptedData, Err: err}
			}
		}
	}

	a.bus.EmitMonitor(bus.EventAgentResumed, map[string]any{
		"strategy": opts.Strategy,
		"sealed":   sealed,
	})
	if err := a.persistInfo(ctx); err != nil {
		a.Close()
		return nil, &ResumeError{Code: ErrCorruptedData, Err: err}
	}

	if opts.AutoRun {
		a.ensureProcessing()
	}
	return a, nil
}

// resolveTemplate finds the template a persisted agent was built from.
// Agents created without a registered template resume with one rebuilt from
// their meta.
func resolveTemplate(info store.AgentInfo, opts ResumeOptions, deps Deps) (config.AgentTemplate, error) {
	if info.TemplateID == "" || deps.Templates == nil {
		return config.AgentTemplate{
			ID:         info.TemplateID,
			Version:    info.TemplateVersion,
			Permission: permission.Policy{Mode: info.PermissionMode},
			Todo:       todo.Options{Enabled: info.TodoEnabled},
		}, nil
	}
	tpl, ok := deps.Templates.Get(info.TemplateID)
	if !ok {
		return config.AgentTemplate{}, &ResumeError{
			Code: ErrTemplateNotFound,
			Err:  fmt.Errorf("template %s", info.TemplateID),
		}
	}
	if !opts.IgnoreTemplateVersion && tpl.Version != info.TemplateVersion {
		return config.AgentTemplate{}, &ResumeError{
			Code: ErrTemplateVersionMismatch,
			Err:  fmt.Errorf("agent persisted under %s@%s, registry has %s", info.TemplateID, info.TemplateVersion, tpl.Version),
		}
	}
	return tpl, nil
}
