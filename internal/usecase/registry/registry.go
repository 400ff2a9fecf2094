// Package registry owns the agent and process maps and serializes every
// agent-scoped operation the API and CLI perform.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"oxsets/internal/domain"
	"oxsets/internal/infra/metrics"
	"oxsets/internal/infra/tracer"
	"oxsets/internal/usecase/integrity"
)

// Scanner discovers bundles under a root directory.
type Scanner interface {
	Scan(ctx context.Context, root string) ([]domain.AgentManifest, error)
}

// Verifier checks a bundle's files.
type Verifier interface {
	Verify(m domain.AgentManifest) domain.VerificationResult
}

// Supervisor runs agent processes.
type Supervisor interface {
	Launch(ctx context.Context, m domain.AgentManifest) (*domain.ProcessHandle, error)
	Stop(ctx context.Context, pid int) error
	IsRunning(pid int) bool
	Status(pid int) domain.RunState
	TailLogs(m domain.AgentManifest) []string
}

// Deps are the collaborators a Registry needs. Bus and Metrics are optional.
type Deps struct {
	Root       string
	Scanner    Scanner
	Verifier   Verifier
	Supervisor Supervisor
	Bus        domain.EventBus
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Registry is the single owner of agent state. Its lock guards map access
// only and is never held across scanning, launching or stopping.
type Registry struct {
	mu        sync.Mutex
	agents    map[string]domain.AgentManifest
	processes map[string]*domain.ProcessHandle
	launching map[string]bool
	stopping  map[string]bool

	root     string
	scanner  Scanner
	verifier Verifier
	sup      Supervisor
	bus      domain.EventBus
	metrics  *metrics.Metrics
	logger   *slog.Logger

	unsubscribe func()
}

// New creates an empty Registry. When a bus is given the registry listens
// for agent.exited so tracked handles reflect processes that ended on
// their own.
func New(deps Deps) *Registry {
	r := &Registry{
		agents:    make(map[string]domain.AgentManifest),
		processes: make(map[string]*domain.ProcessHandle),
		launching: make(map[string]bool),
		stopping:  make(map[string]bool),
		root:      deps.Root,
		scanner:   deps.Scanner,
		verifier:  deps.Verifier,
		sup:       deps.Supervisor,
		bus:       deps.Bus,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	if r.bus != nil {
		r.unsubscribe = r.bus.Subscribe(domain.EventAgentExited, r.onExited)
	}
	return r
}

// Close detaches the registry from the event bus.
func (r *Registry) Close() {
	if r.unsubscribe != nil {
		r.unsubscribe()
	}
}

// Rescan scans the root directory again and merges the result.
func (r *Registry) Rescan(ctx context.Context) (int, error) {
	ctx, span := tracer.StartSpan(ctx, "Registry.Rescan")
	manifests, err := r.scanner.Scan(ctx, r.root)
	if err != nil {
		r.metrics.ObserveScan(metrics.OutcomeError)
		tracer.Finish(span, err)
		return 0, domain.WrapOp("Registry.Rescan", err)
	}
	r.metrics.ObserveScan(metrics.OutcomeOK)
	n := r.Load(ctx, manifests)
	span.SetAttributes(tracer.IntAttr("oxsets.agents", n))
	tracer.Finish(span, nil)
	return n, nil
}

// Load replaces the agent map with manifests and returns how many were
// accepted. When two bundles share an id the first one wins and the rest
// are dropped with a warning. Agents with a tracked process keep their run
// state, and stay listed even if their bundle disappeared.
func (r *Registry) Load(ctx context.Context, manifests []domain.AgentManifest) int {
	next := make(map[string]domain.AgentManifest, len(manifests))
	rejected := 0
	for _, m := range manifests {
		if prev, dup := next[m.ID]; dup {
			rejected++
			r.logger.Warn("duplicate agent id, keeping first bundle",
				"agent_id", m.ID, "kept", prev.Path, "ignored", m.Path)
			continue
		}
		next[m.ID] = m.Clone()
	}

	r.mu.Lock()
	for id, h := range r.processes {
		m, ok := next[id]
		if !ok {
			if old, had := r.agents[id]; had {
				r.logger.Warn("bundle vanished while agent is tracked", "agent_id", id)
				next[id] = old
			}
			continue
		}
		m.Status = h.Status
		next[id] = m
	}
	r.agents = next
	valid, invalid := r.countLocked()
	r.mu.Unlock()

	r.metrics.SetAgents(valid, invalid)
	r.logger.Info("agents loaded", "count", len(next), "valid", valid, "invalid", invalid, "rejected", rejected)
	r.publish(ctx, domain.EventAgentsScanned, "", map[string]int{
		"count":    len(next),
		"valid":    valid,
		"invalid":  invalid,
		"rejected": rejected,
	})
	return len(next)
}

func (r *Registry) countLocked() (valid, invalid int) {
	for _, m := range r.agents {
		if m.Verification == domain.VerificationValid {
			valid++
		} else {
			invalid++
		}
	}
	return valid, invalid
}

// List returns every agent ordered by id.
func (r *Registry) List() []domain.AgentManifest {
	r.mu.Lock()
	out := make([]domain.AgentManifest, 0, len(r.agents))
	for _, m := range r.agents {
		out = append(out, m.Clone())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Get returns one agent.
func (r *Registry) Get(id string) (domain.AgentManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.agents[id]
	if !ok {
		return domain.AgentManifest{}, notFound("Registry.Get", id)
	}
	return m.Clone(), nil
}

// Verify checks the agent's files against disk.
func (r *Registry) Verify(ctx context.Context, id string) (domain.VerificationResult, error) {
	_, span := tracer.StartAgentSpan(ctx, "Registry.Verify", id)
	m, err := r.Get(id)
	if err != nil {
		tracer.Finish(span, err)
		return nil, err
	}

	result := r.verifier.Verify(m)
	if n := integrity.Mismatches(result); n > 0 {
		r.metrics.AddChecksumMismatches(id, n)
		span.SetAttributes(tracer.IntAttr("oxsets.mismatches", n))
	}
	tracer.Finish(span, nil)
	return result, nil
}

// Launch starts the agent. It is rejected while another launch or a stop
// of the same agent is in flight, or while its tracked process is alive.
func (r *Registry) Launch(ctx context.Context, id string) (*domain.ProcessHandle, error) {
	const op = "Registry.Launch"
	ctx, span := tracer.StartAgentSpan(ctx, op, id)

	r.mu.Lock()
	m, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		err := notFound(op, id)
		tracer.Finish(span, err)
		return nil, err
	}
	if r.launching[id] {
		r.mu.Unlock()
		return nil, r.rejectLaunch(span, domain.NewSubSystemError("agent", op, domain.ErrDuplicate, id+": launch already in progress"))
	}
	if r.stopping[id] {
		r.mu.Unlock()
		return nil, r.rejectLaunch(span, busy(op, id))
	}
	prevPID := 0
	if h := r.processes[id]; h != nil {
		prevPID = h.PID
	}
	r.launching[id] = true
	m = m.Clone()
	r.mu.Unlock()

	if prevPID != 0 && r.sup.IsRunning(prevPID) {
		r.mu.Lock()
		delete(r.launching, id)
		r.mu.Unlock()
		return nil, r.rejectLaunch(span, domain.NewSubSystemError("agent", op, domain.ErrDuplicate,
			fmt.Sprintf("%s: already running as pid %d", id, prevPID)))
	}

	handle, err := r.sup.Launch(ctx, m)

	r.mu.Lock()
	delete(r.launching, id)
	if err == nil {
		r.processes[id] = handle
		if a, ok := r.agents[id]; ok {
			a.Status = domain.RunStateRunning
			r.agents[id] = a
		}
	}
	running := r.runningLocked()
	r.mu.Unlock()

	if err != nil {
		r.metrics.ObserveLaunch(metrics.OutcomeError)
		r.logger.Error("agent launch failed", "agent_id", id, "error", err)
		tracer.Finish(span, err)
		return nil, err
	}

	r.metrics.ObserveLaunch(metrics.OutcomeOK)
	r.metrics.SetRunning(running)
	span.SetAttributes(tracer.IntAttr("oxsets.pid", handle.PID))
	tracer.Finish(span, nil)
	r.publish(ctx, domain.EventAgentLaunched, id, handle)
	cp := *handle
	return &cp, nil
}

func (r *Registry) rejectLaunch(span trace.Span, err error) error {
	r.metrics.ObserveLaunch(metrics.OutcomeRejected)
	tracer.Finish(span, err)
	return err
}

// Stop terminates the agent's tracked process. The handle is dropped only
// once the stop succeeds; after a failed stop it stays tracked so the
// process can still be queried and stopped again.
func (r *Registry) Stop(ctx context.Context, id string) (*domain.ProcessHandle, error) {
	const op = "Registry.Stop"
	ctx, span := tracer.StartAgentSpan(ctx, op, id)

	r.mu.Lock()
	if _, ok := r.agents[id]; !ok {
		if _, tracked := r.processes[id]; !tracked {
			r.mu.Unlock()
			err := notFound(op, id)
			tracer.Finish(span, err)
			return nil, err
		}
	}
	h := r.processes[id]
	if h == nil {
		r.mu.Unlock()
		err := domain.NewSubSystemError("agent", op, domain.ErrNotRunning, id)
		r.metrics.ObserveStop(metrics.OutcomeRejected, 0)
		tracer.Finish(span, err)
		return nil, err
	}
	if r.stopping[id] {
		r.mu.Unlock()
		err := busy(op, id)
		r.metrics.ObserveStop(metrics.OutcomeRejected, 0)
		tracer.Finish(span, err)
		return nil, err
	}
	r.stopping[id] = true
	handle := *h
	r.mu.Unlock()

	start := time.Now()
	err := r.sup.Stop(ctx, handle.PID)
	elapsed := time.Since(start)

	r.mu.Lock()
	delete(r.stopping, id)
	if err == nil {
		if r.processes[id] == h {
			delete(r.processes, id)
		}
		if a, ok := r.agents[id]; ok {
			a.Status = domain.RunStateStopped
			r.agents[id] = a
		}
	}
	running := r.runningLocked()
	r.mu.Unlock()
	r.metrics.SetRunning(running)

	if err != nil {
		r.metrics.ObserveStop(metrics.OutcomeError, elapsed)
		r.logger.Error("agent stop failed", "agent_id", id, "pid", handle.PID, "error", err)
		tracer.Finish(span, err)
		r.publish(ctx, domain.EventAgentStopFailed, id, map[string]any{"pid": handle.PID, "error": err.Error()})
		return nil, err
	}

	r.metrics.ObserveStop(metrics.OutcomeOK, elapsed)
	tracer.Finish(span, nil)
	handle.Status = domain.RunStateStopped
	r.publish(ctx, domain.EventAgentStopped, id, map[string]any{"pid": handle.PID, "launch_id": handle.LaunchID})
	return &handle, nil
}

// Status polls the agent's tracked process, if any.
func (r *Registry) Status(ctx context.Context, id string) (domain.StatusReport, error) {
	r.mu.Lock()
	a, ok := r.agents[id]
	h := r.processes[id]
	if !ok && h == nil {
		r.mu.Unlock()
		return domain.StatusReport{}, notFound("Registry.Status", id)
	}
	if h == nil {
		if a.Status == domain.RunStateRunning {
			a.Status = domain.RunStateStopped
			r.agents[id] = a
		}
		r.mu.Unlock()
		return domain.StatusReport{AgentID: id, Status: domain.RunStateStopped}, nil
	}
	pid := h.PID
	r.mu.Unlock()

	state := r.sup.Status(pid)

	r.mu.Lock()
	if cur := r.processes[id]; cur != nil && cur.PID == pid {
		cur.Status = state
		h = cur
	}
	if a, ok := r.agents[id]; ok {
		a.Status = state
		r.agents[id] = a
	}
	report := domain.StatusReport{AgentID: id, Status: state}
	cp := *h
	cp.Status = state
	report.Handle = &cp
	r.mu.Unlock()
	return report, nil
}

// Logs returns the tail of the agent's log.
func (r *Registry) Logs(id string) ([]string, error) {
	m, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return r.sup.TailLogs(m), nil
}

// Reconcile polls every tracked process and refreshes its run state. It
// returns the ids found to have exited.
func (r *Registry) Reconcile(ctx context.Context) []string {
	r.mu.Lock()
	pids := make(map[string]int, len(r.processes))
	for id, h := range r.processes {
		if !r.stopping[id] {
			pids[id] = h.PID
		}
	}
	r.mu.Unlock()

	alive := make(map[string]bool, len(pids))
	for id, pid := range pids {
		alive[id] = r.sup.IsRunning(pid)
	}

	var exited []string
	r.mu.Lock()
	for id, pid := range pids {
		h := r.processes[id]
		if h == nil || h.PID != pid {
			continue
		}
		state := domain.RunStateStopped
		if alive[id] {
			state = domain.RunStateRunning
		}
		if h.Status == domain.RunStateRunning && state == domain.RunStateStopped {
			exited = append(exited, id)
		}
		h.Status = state
		if a, ok := r.agents[id]; ok {
			a.Status = state
			r.agents[id] = a
		}
	}
	running := r.runningLocked()
	r.mu.Unlock()

	r.metrics.SetRunning(running)
	sort.Strings(exited)
	if len(exited) > 0 {
		r.logger.Info("reconciled exited agents", "agent_ids", exited)
	}
	return exited
}

// Running returns the handles currently tracked, ordered by agent id.
func (r *Registry) Running() []domain.ProcessHandle {
	r.mu.Lock()
	out := make([]domain.ProcessHandle, 0, len(r.processes))
	for _, h := range r.processes {
		out = append(out, *h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (r *Registry) runningLocked() int {
	n := 0
	for _, h := range r.processes {
		if h.Status == domain.RunStateRunning {
			n++
		}
	}
	return n
}

// onExited marks the matching handle stopped when its process ends.
func (r *Registry) onExited(_ context.Context, e domain.Event) {
	var payload struct {
		LaunchID string `json:"launch_id"`
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return
	}

	r.mu.Lock()
	h := r.processes[e.AgentID]
	if h == nil || h.LaunchID != payload.LaunchID {
		r.mu.Unlock()
		return
	}
	h.Status = domain.RunStateStopped
	if a, ok := r.agents[e.AgentID]; ok {
		a.Status = domain.RunStateStopped
		r.agents[e.AgentID] = a
	}
	running := r.runningLocked()
	r.mu.Unlock()

	r.metrics.SetRunning(running)
}

func (r *Registry) publish(ctx context.Context, t domain.EventType, agentID string, payload any) {
	if r.bus == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Warn("encode event payload", "event", string(t), "error", err)
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		AgentID:   agentID,
		Payload:   data,
	})
}

func notFound(op, id string) error {
	return domain.NewSubSystemError("agent", op, domain.ErrNotFound, id)
}

func busy(op, id string) error {
	return domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, id+": stop in progress")
}
