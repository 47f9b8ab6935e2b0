package mpdecrypt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mohaanymo/mpdecrypt/internal/engine"
	"github.com/mohaanymo/mpdecrypt/internal/logger"
	"github.com/mohaanymo/mpdecrypt/internal/models"
	"github.com/mohaanymo/mpdecrypt/internal/progress"
)

// TaskState represents the current state of a queued request.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskParsing
	TaskDownloading
	TaskDecrypting
	TaskMuxing
	TaskCompleted
	TaskFailed
	TaskCanceled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskParsing:
		return "parsing"
	case TaskDownloading:
		return "downloading"
	case TaskDecrypting:
		return "decrypting"
	case TaskMuxing:
		return "muxing"
	case TaskCompleted:
		return "completed"
	case TaskFailed:
		return "failed"
	case TaskCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// IsFinished reports whether s is terminal.
func (s TaskState) IsFinished() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

func taskStateOf(s State) TaskState {
	switch s {
	case StateIdle, StateManifestFetched, StateSelected, StatePlanned:
		return TaskParsing
	case StateDownloading:
		return TaskDownloading
	case StateDecrypting:
		return TaskDecrypting
	case StateRemuxing:
		return TaskMuxing
	case StateDone:
		return TaskCompleted
	default:
		return TaskFailed
	}
}

// TaskProgress holds progress information for the running stage of a task.
type TaskProgress struct {
	Stage             string
	TotalSegments     int
	CompletedSegments int
	DownloadedBytes   int64
	Speed             float64 // bytes per second
	percent           float64
}

// Percent returns the stage progress as a percentage. When byte sizes are
// unknown it falls back to the segment ratio.
func (p TaskProgress) Percent() float64 {
	if p.percent >= 0 && p.Stage == engine.StageDownload {
		return p.percent
	}
	if p.TotalSegments == 0 {
		return 0
	}
	return float64(p.CompletedSegments) / float64(p.TotalSegments) * 100
}

// Task is a snapshot of a queued request.
type Task struct {
	ID          string
	Request     *Request
	State       TaskState
	Err         error
	Output      string
	Progress    TaskProgress
	Selected    []Representation
	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// task is the manager-owned mutable record behind a Task snapshot.
type task struct {
	mu     sync.RWMutex
	info   Task
	opts   []Option
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) snapshot() Task {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.info
	out.Selected = append([]Representation(nil), t.info.Selected...)
	return out
}

// ManagerStats summarises the task list.
type ManagerStats struct {
	Total     int
	Pending   int
	Active    int
	Completed int
	Failed    int
	Canceled  int
}

// Manager runs queued requests with bounded concurrency. Every task runs
// its own pipeline with its own working directory.
type Manager struct {
	title         string
	maxConcurrent int
	tasks         sync.Map // map[string]*task
	taskOrder     []string
	orderMu       sync.RWMutex

	mu      sync.Mutex // guards queue sends against close
	stopped bool
	queue   chan *task
	active  atomic.Int32
	pending atomic.Int32
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool

	// Callbacks receive snapshots and are called from worker goroutines.
	onStateChange func(Task)
	onProgress    func(Task)
	onComplete    func(Task)
	onError       func(Task, error)

	defaultOptions []Option
	log            logger.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTitle sets the title shown by the task board.
func WithTitle(t string) ManagerOption {
	return func(m *Manager) {
		m.title = t
	}
}

// WithMaxConcurrent sets how many tasks run at once (1..20, default 3).
func WithMaxConcurrent(n int) ManagerOption {
	return func(m *Manager) {
		if n < 1 {
			n = 1
		}
		if n > 20 {
			n = 20
		}
		m.maxConcurrent = n
	}
}

// WithDefaultOptions sets run options applied to every task before the
// task's own options.
func WithDefaultOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.defaultOptions = append(m.defaultOptions, opts...)
	}
}

// WithOnStateChange sets a callback for task state changes.
func WithOnStateChange(fn func(Task)) ManagerOption {
	return func(m *Manager) {
		m.onStateChange = fn
	}
}

// WithOnProgress sets a callback for progress updates.
func WithOnProgress(fn func(Task)) ManagerOption {
	return func(m *Manager) {
		m.onProgress = fn
	}
}

// WithOnComplete sets a callback for successful tasks.
func WithOnComplete(fn func(Task)) ManagerOption {
	return func(m *Manager) {
		m.onComplete = fn
	}
}

// WithOnError sets a callback for failed tasks.
func WithOnError(fn func(Task, error)) ManagerOption {
	return func(m *Manager) {
		m.onError = fn
	}
}

// WithManagerLogger sets the logger used by the manager and its tasks.
func WithManagerLogger(log logger.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// NewManager creates a stopped manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		title:         "mpdecrypt",
		maxConcurrent: 3,
		queue:         make(chan *task, 1000),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logger.NewNop()
	}
	return m
}

// Title returns the manager title.
func (m *Manager) Title() string {
	return m.title
}

// Start launches the workers. Canceling ctx cancels every running task.
// A stopped manager cannot be started again.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped || !m.running.CompareAndSwap(false, true) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	for i := 0; i < m.maxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	m.log.Info("manager started", logger.Int("workers", m.maxConcurrent))
}

// Stop cancels running tasks, marks queued ones canceled and waits for the
// workers to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running.CompareAndSwap(true, false) {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	close(m.queue)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info("manager stopped")
}

func (m *Manager) worker() {
	defer m.wg.Done()
	for t := range m.queue {
		m.pending.Add(-1)
		if m.ctx.Err() != nil {
			m.finish(t, TaskCanceled, nil)
			continue
		}
		m.active.Add(1)
		m.processTask(t)
		m.active.Add(-1)
	}
}

// Add queues req and returns the new task id. Per-task options are applied
// after the manager defaults.
func (m *Manager) Add(req *Request, opts ...Option) (string, error) {
	if req == nil {
		return "", fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	t := &task{
		info: Task{
			ID:        uuid.NewString(),
			Request:   req,
			State:     TaskPending,
			CreatedAt: time.Now(),
		},
		done: make(chan struct{}),
	}
	t.info.Progress.percent = -1
	t.opts = opts

	m.mu.Lock()
	if !m.running.Load() {
		m.mu.Unlock()
		return "", errors.New("manager not started")
	}
	m.tasks.Store(t.info.ID, t)
	m.orderMu.Lock()
	m.taskOrder = append(m.taskOrder, t.info.ID)
	m.orderMu.Unlock()

	m.pending.Add(1)
	select {
	case m.queue <- t:
	default:
		m.pending.Add(-1)
		m.tasks.Delete(t.info.ID)
		m.removeOrder(t.info.ID)
		m.mu.Unlock()
		return "", errors.New("task queue is full")
	}
	m.mu.Unlock()
	m.notifyStateChange(t)
	return t.info.ID, nil
}

// Task returns a snapshot of the task with id.
func (m *Manager) Task(id string) (Task, bool) {
	t, ok := m.lookup(id)
	if !ok {
		return Task{}, false
	}
	return t.snapshot(), true
}

// Tasks returns snapshots of all tasks in insertion order.
func (m *Manager) Tasks() []Task {
	m.orderMu.RLock()
	ids := append([]string(nil), m.taskOrder...)
	m.orderMu.RUnlock()

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := m.lookup(id); ok {
			out = append(out, t.snapshot())
		}
	}
	return out
}

// ActiveTasks returns the tasks that are currently running.
func (m *Manager) ActiveTasks() []Task {
	var out []Task
	for _, t := range m.Tasks() {
		if t.State != TaskPending && !t.State.IsFinished() {
			out = append(out, t)
		}
	}
	return out
}

// PendingCount returns the number of queued tasks not yet picked up.
func (m *Manager) PendingCount() int {
	return int(m.pending.Load())
}

// Cancel cancels a pending or running task.
func (m *Manager) Cancel(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}

	t.mu.Lock()
	state := t.info.State
	cancel := t.cancel
	t.mu.Unlock()

	switch {
	case state.IsFinished():
		return fmt.Errorf("task %q already %s", id, state)
	case state == TaskPending:
		m.finish(t, TaskCanceled, nil)
	case cancel != nil:
		cancel()
	}
	return nil
}

// Remove deletes a finished task from the list.
func (m *Manager) Remove(id string) error {
	t, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("task %q not found", id)
	}
	t.mu.RLock()
	state := t.info.State
	t.mu.RUnlock()
	if !state.IsFinished() {
		return fmt.Errorf("task %q is %s", id, state)
	}
	m.tasks.Delete(id)
	m.removeOrder(id)
	return nil
}

// Stats returns task counts by state.
func (m *Manager) Stats() ManagerStats {
	var s ManagerStats
	for _, t := range m.Tasks() {
		s.Total++
		switch t.State {
		case TaskPending:
			s.Pending++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCanceled:
			s.Canceled++
		default:
			s.Active++
		}
	}
	return s
}

// Wait blocks until the task finishes or ctx is done, and returns the final
// snapshot. The error is the task's error, or ErrCanceled for a canceled
// task.
func (m *Manager) Wait(ctx context.Context, id string) (Task, error) {
	t, ok := m.lookup(id)
	if !ok {
		return Task{}, fmt.Errorf("task %q not found", id)
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return t.snapshot(), ctx.Err()
	}
	snap := t.snapshot()
	if snap.State == TaskCanceled && snap.Err == nil {
		return snap, ErrCanceled
	}
	return snap, snap.Err
}

// WaitAll blocks until every task known at the time of the call has
// finished or ctx is done.
func (m *Manager) WaitAll(ctx context.Context) error {
	m.orderMu.RLock()
	ids := append([]string(nil), m.taskOrder...)
	m.orderMu.RUnlock()

	for _, id := range ids {
		t, ok := m.lookup(id)
		if !ok {
			continue
		}
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) processTask(t *task) {
	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()

	t.mu.Lock()
	if t.info.State != TaskPending {
		t.mu.Unlock()
		return
	}
	t.cancel = cancel
	t.info.StartedAt = time.Now()
	t.info.State = TaskParsing
	req := t.info.Request
	opts := t.opts
	t.mu.Unlock()
	m.notifyStateChange(t)

	log := m.log.With(logger.String("task", t.info.ID))
	all := append([]Option{WithLogger(log)}, m.defaultOptions...)
	all = append(all, opts...)
	s := newSettings(all)
	if err := s.prepare(); err != nil {
		m.finish(t, TaskFailed, err)
		return
	}

	sink := progress.Multi(s.sink, progress.SinkFunc(func(_ context.Context, ev Event) error {
		m.updateProgress(t, ev)
		return nil
	}))
	p, err := s.pipeline(
		engine.WithSink(sink),
		engine.WithStateHook(func(st State) { m.updateState(t, st) }),
		engine.WithSelectionHook(func(reps []*models.Representation) {
			t.mu.Lock()
			t.info.Selected = wrapRepresentations(reps)
			t.mu.Unlock()
		}),
	)
	if err != nil {
		m.finish(t, TaskFailed, err)
		return
	}

	res := p.Run(ctx, req.job(s.cfg))

	t.mu.Lock()
	if len(res.Selected) > 0 {
		t.info.Selected = wrapRepresentations(res.Selected)
	}
	t.info.Output = res.Output
	t.mu.Unlock()

	switch {
	case res.Err == nil:
		m.finish(t, TaskCompleted, nil)
	case errors.Is(res.Err, ErrCanceled):
		m.finish(t, TaskCanceled, res.Err)
	default:
		m.finish(t, TaskFailed, res.Err)
	}
}

// updateState maps pipeline states onto task states. Terminal states are
// left to finish.
func (m *Manager) updateState(t *task, st State) {
	if st.IsFinished() {
		return
	}
	next := taskStateOf(st)
	t.mu.Lock()
	changed := t.info.State != next
	t.info.State = next
	t.mu.Unlock()
	if changed {
		m.notifyStateChange(t)
	}
}

func (m *Manager) updateProgress(t *task, ev Event) {
	if ev.Total == 0 {
		return
	}
	t.mu.Lock()
	if t.info.Progress.Stage != ev.Stage {
		t.info.Progress = TaskProgress{Stage: ev.Stage, percent: -1}
	}
	p := &t.info.Progress
	p.TotalSegments = ev.Total
	p.CompletedSegments = ev.Done
	p.percent = ev.Percent
	if ev.Stage == engine.StageDownload {
		p.DownloadedBytes = ev.Bytes
		p.Speed = ev.Throughput
	}
	t.mu.Unlock()

	if m.onProgress != nil {
		m.onProgress(t.snapshot())
	}
}

func (m *Manager) finish(t *task, state TaskState, err error) {
	t.mu.Lock()
	if t.info.State.IsFinished() {
		t.mu.Unlock()
		return
	}
	t.info.State = state
	t.info.Err = err
	t.info.CompletedAt = time.Now()
	t.mu.Unlock()
	defer close(t.done)

	snap := t.snapshot()
	m.notifyStateChange(t)
	switch state {
	case TaskCompleted:
		m.log.Info("task completed", logger.String("task", snap.ID), logger.String("output", snap.Output))
		if m.onComplete != nil {
			m.onComplete(snap)
		}
	case TaskFailed:
		m.log.Error("task failed", logger.String("task", snap.ID), logger.Error(err))
		if m.onError != nil {
			m.onError(snap, err)
		}
	case TaskCanceled:
		m.log.Info("task canceled", logger.String("task", snap.ID))
	}
}

func (m *Manager) notifyStateChange(t *task) {
	if m.onStateChange != nil {
		m.onStateChange(t.snapshot())
	}
}

func (m *Manager) lookup(id string) (*task, bool) {
	v, ok := m.tasks.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*task), true
}

func (m *Manager) removeOrder(id string) {
	m.orderMu.Lock()
	defer m.orderMu.Unlock()
	for i, v := range m.taskOrder {
		if v == id {
			m.taskOrder = append(m.taskOrder[:i], m.taskOrder[i+1:]...)
			return
		}
	}
}
