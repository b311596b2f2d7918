package backtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/backtester/internal/domain"
)

// Run is the tracked lifecycle of one backtest execution.
type Run struct {
	ID         string                `json:"id"`
	Config     domain.BacktestConfig `json:"config"`
	State      State                 `json:"state"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
	Error      string                `json:"error,omitempty"`
	Progress   Progress              `json:"progress"`
	Result     *Result               `json:"result,omitempty"`
}

// ResultSink persists completed runs. Implementations must tolerate
// being called from the run goroutine.
type ResultSink interface {
	SaveResult(ctx context.Context, result *Result) error
}

// Manager starts runs and tracks their state. Each run gets its own
// ledger and run state inside the engine, so runs never share anything
// but the engine's immutable collaborators.
type Manager struct {
	engine   *Engine
	provider DataProvider
	sink     ResultSink // optional
	log      zerolog.Logger

	mu   sync.RWMutex
	runs map[string]*Run

	subMu sync.Mutex
	subs  map[string][]chan Progress
}

// NewManager creates a run manager.
func NewManager(engine *Engine, provider DataProvider, sink ResultSink, log zerolog.Logger) *Manager {
	return &Manager{
		engine:   engine,
		provider: provider,
		sink:     sink,
		log:      log.With().Str("component", "run_manager").Logger(),
		runs:     make(map[string]*Run),
		subs:     make(map[string][]chan Progress),
	}
}

// Start launches a run in the background and returns its handle.
func (m *Manager) Start(ctx context.Context, cfg domain.BacktestConfig) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	run := &Run{
		ID:        uuid.New().String(),
		Config:    cfg,
		State:     StateIdle,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	go m.execute(ctx, run)

	m.log.Info().Str("run_id", run.ID).Str("scheme", string(cfg.Scheme)).Msg("Run started")
	return run, nil
}

func (m *Manager) execute(ctx context.Context, run *Run) {
	result, err := m.engine.Run(ctx, run.ID, run.Config, m.provider, func(p Progress) {
		m.mu.Lock()
		run.State = p.State
		run.Progress = p
		m.mu.Unlock()
		m.publish(run.ID, p)
	})

	now := time.Now().UTC()
	m.mu.Lock()
	run.FinishedAt = &now
	if err != nil {
		run.State = StateFailed
		run.Error = err.Error()
	} else {
		run.State = StateCompleted
		run.Result = result
	}
	m.mu.Unlock()
	m.closeSubs(run.ID)

	if err != nil {
		m.log.Error().Err(err).Str("run_id", run.ID).Msg("Run failed")
		return
	}
	if m.sink != nil {
		if saveErr := m.sink.SaveResult(ctx, result); saveErr != nil {
			m.log.Error().Err(saveErr).Str("run_id", run.ID).Msg("Failed to persist result")
		}
	}
}

// Get returns a snapshot of one run.
func (m *Manager) Get(id string) (*Run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, false
	}
	snapshot := *run
	return &snapshot, true
}

// List returns all runs, newest first.
func (m *Manager) List() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		snapshot := *run
		out = append(out, &snapshot)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Subscribe returns a channel of progress updates for a run. The channel
// closes when the run finishes. The second return is false for unknown
// runs and runs that already finished.
func (m *Manager) Subscribe(id string) (<-chan Progress, bool) {
	m.mu.RLock()
	run, ok := m.runs[id]
	done := ok && (run.State == StateCompleted || run.State == StateFailed)
	m.mu.RUnlock()
	if !ok || done {
		return nil, false
	}

	ch := make(chan Progress, 16)
	m.subMu.Lock()
	m.subs[id] = append(m.subs[id], ch)
	m.subMu.Unlock()
	return ch, true
}

func (m *Manager) publish(id string, p Progress) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[id] {
		select {
		case ch <- p:
		default: // slow consumer, drop
		}
	}
}

func (m *Manager) closeSubs(id string) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs[id] {
		close(ch)
	}
	delete(m.subs, id)
}
