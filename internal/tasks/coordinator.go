// Package tasks distributes crawl jobs across a pool of workers, tracks
// worker health, and stores results beyond the crawl's lifetime.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/imagehive/imagehive/internal/cache"
	"github.com/imagehive/imagehive/internal/crawler"
	"github.com/imagehive/imagehive/internal/metrics"
	"github.com/imagehive/imagehive/internal/util"
)

// Config controls the coordinator's pool sizing and queuing policy.
type Config struct {
	MaxWorkers      int           // upper bound; actual pool is min(NumCPU, MaxWorkers)
	WorkerCount     int           // exact pool size override; 0 applies the CPU cap
	QueuePending    bool          // queue submissions when no worker is idle, instead of ErrNoCapacity
	RestartCooldown time.Duration // wait before replacing a lost worker
	ResultTTL       time.Duration // expiry on the durable result mirror
}

// DefaultConfig returns the baseline coordinator configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:      4,
		QueuePending:    true,
		RestartCooldown: time.Second,
		ResultTTL:       time.Hour,
	}
}

type eventKind int

const (
	eventStarted eventKind = iota
	eventProgress
	eventCompleted
	eventFailed
	eventExited
)

type workerEvent struct {
	kind     eventKind
	workerID int
	taskID   string
	report   *crawler.Report
	message  string
	percent  int
}

type startCommand struct {
	taskID string
	url    string
	opts   crawler.Options
}

// workerHandle is the coordinator's view of one worker. A lost worker's
// handle is discarded and replaced, never reused.
type workerHandle struct {
	id       int
	busy     bool
	taskID   string
	commands chan startCommand
}

// cachedResult is the JSON payload mirrored to the durable cache.
type cachedResult struct {
	TaskID string          `json:"task_id"`
	Status Status          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Report *crawler.Report `json:"report,omitempty"`
}

// Coordinator owns the worker pool, the task records and the result stores.
// All worker events are processed by a single loop, so state updates for a
// given worker are never applied out of order.
type Coordinator struct {
	cfg     Config
	runner  Runner
	cache   cache.ResultCache
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	tasks        map[string]*Task
	workers      map[int]*workerHandle
	pending      []string
	nextWorkerID int
	listeners    []ProgressListener
	started      bool

	events   chan workerEvent
	wg       sync.WaitGroup
	loopDone chan struct{}
}

// NewCoordinator builds a coordinator. cache may be nil (memory store only);
// m may be nil (no instrumentation).
func NewCoordinator(cfg Config, runner Runner, resultCache cache.ResultCache, m *metrics.Metrics) *Coordinator {
	if runner == nil {
		panic("runner is required")
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	if cfg.RestartCooldown <= 0 {
		cfg.RestartCooldown = time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = time.Hour
	}

	return &Coordinator{
		cfg:      cfg,
		runner:   runner,
		cache:    resultCache,
		metrics:  m,
		tasks:    make(map[string]*Task),
		workers:  make(map[int]*workerHandle),
		events:   make(chan workerEvent, 64),
		loopDone: make(chan struct{}),
	}
}

// Start spawns the worker pool and the event loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	n := c.cfg.WorkerCount
	if n <= 0 {
		n = min(runtime.NumCPU(), c.cfg.MaxWorkers)
	}
	if n < 1 {
		n = 1
	}

	c.mu.Lock()
	for i := 0; i < n; i++ {
		h := c.newWorkerLocked()
		c.wg.Add(1)
		go c.runWorker(h)
	}
	c.started = true
	c.mu.Unlock()

	go c.eventLoop()

	log.Info().Int("workers", n).Msg("Task coordinator started")
}

// Stop cancels running work and waits for workers and the event loop.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	close(c.events)
	<-c.loopDone
	log.Debug().Msg("Task coordinator stopped")
}

// Submit creates a task and assigns it to an idle worker. With no idle worker
// it queues when the queuing policy allows, otherwise fails with
// ErrNoCapacity.
func (c *Coordinator) Submit(rawURL string, opts crawler.Options) (string, error) {
	if n := util.NormaliseURL(rawURL); n != "" {
		rawURL = n
	}
	if _, err := util.ValidateURL(rawURL); err != nil {
		return "", err
	}
	if err := opts.Validate(); err != nil {
		return "", err
	}

	task := &Task{
		ID:        uuid.NewString(),
		URL:       rawURL,
		Options:   opts,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return "", errors.New("coordinator not started")
	}

	h := c.idleWorkerLocked()
	if h == nil {
		if !c.cfg.QueuePending {
			return "", ErrNoCapacity
		}
		c.tasks[task.ID] = task
		c.pending = append(c.pending, task.ID)
		log.Debug().Str("task_id", task.ID).Str("url", rawURL).Msg("Task queued, no idle worker")
		return task.ID, nil
	}

	c.tasks[task.ID] = task
	c.assignLocked(h, task)
	return task.ID, nil
}

// SubmitBatch submits each URL independently, continuing past per-URL
// failures, and returns the successfully queued ids.
func (c *Coordinator) SubmitBatch(urls []string, opts crawler.Options) []string {
	ids := make([]string, 0, len(urls))
	for _, u := range urls {
		id, err := c.Submit(u, opts)
		if err != nil {
			log.Warn().Str("url", u).Err(err).Msg("Batch submission skipped URL")
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// GetResult reports a task's terminal result or processing state, consulting
// the memory store first and then the durable cache.
func (c *Coordinator) GetResult(ctx context.Context, taskID string) (*TaskResult, error) {
	c.mu.Lock()
	task := c.tasks[taskID]
	var res *TaskResult
	if task != nil {
		switch task.Status {
		case StatusCompleted:
			res = &TaskResult{TaskID: taskID, Status: StatusCompleted, Report: task.Result}
		case StatusFailed:
			res = &TaskResult{TaskID: taskID, Status: StatusFailed, Error: task.Error}
		default:
			res = &TaskResult{TaskID: taskID, Status: task.Status, Processing: true}
		}
	}
	c.mu.Unlock()

	if res != nil {
		return res, nil
	}

	if c.cache != nil {
		payload, err := c.cache.GetResult(ctx, taskID)
		if err == nil {
			var cached cachedResult
			if err := json.Unmarshal(payload, &cached); err == nil {
				return &TaskResult{
					TaskID: cached.TaskID,
					Status: cached.Status,
					Report: cached.Report,
					Error:  cached.Error,
				}, nil
			}
			log.Warn().Str("task_id", taskID).Err(err).Msg("Corrupt cached result")
		} else if !errors.Is(err, cache.ErrMiss) {
			log.Warn().Str("task_id", taskID).Err(err).Msg("Result cache lookup failed")
		}
	}

	return nil, ErrNotFound
}

// Subscribe registers a listener for progress advisories.
func (c *Coordinator) Subscribe(fn ProgressListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Stats snapshots worker and task states for the cluster stats endpoint.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		TotalWorkers: len(c.workers),
		Workers:      make([]WorkerStats, 0, len(c.workers)),
	}
	for _, h := range c.workers {
		if h.busy {
			stats.BusyWorkers++
		}
		stats.Workers = append(stats.Workers, WorkerStats{ID: h.id, Busy: h.busy, TaskID: h.taskID})
	}
	stats.IdleWorkers = stats.TotalWorkers - stats.BusyWorkers

	for _, task := range c.tasks {
		switch task.Status {
		case StatusQueued:
			stats.Pending++
		case StatusAssigned, StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// Worker pool ----------------------------------------------------------------------------------

func (c *Coordinator) newWorkerLocked() *workerHandle {
	c.nextWorkerID++
	h := &workerHandle{
		id:       c.nextWorkerID,
		commands: make(chan startCommand, 1),
	}
	c.workers[h.id] = h
	return h
}

func (c *Coordinator) idleWorkerLocked() *workerHandle {
	for _, h := range c.workers {
		if !h.busy {
			return h
		}
	}
	return nil
}

// assignLocked marks the worker busy and hands it the task. The command
// channel has capacity one and the worker is idle, so the send cannot block.
func (c *Coordinator) assignLocked(h *workerHandle, task *Task) {
	h.busy = true
	h.taskID = task.ID
	task.Status = StatusAssigned
	task.WorkerID = h.id
	h.commands <- startCommand{taskID: task.ID, url: task.URL, opts: task.Options}

	log.Debug().
		Str("task_id", task.ID).
		Int("worker_id", h.id).
		Str("url", task.URL).
		Msg("Task assigned to worker")
}

// assignPendingLocked hands queued tasks to idle workers, oldest first.
func (c *Coordinator) assignPendingLocked() {
	for len(c.pending) > 0 {
		h := c.idleWorkerLocked()
		if h == nil {
			return
		}
		taskID := c.pending[0]
		c.pending = c.pending[1:]
		task := c.tasks[taskID]
		if task == nil || task.Status != StatusQueued {
			continue
		}
		c.assignLocked(h, task)
	}
}

// runWorker executes tasks sent on the worker's command channel, one at a
// time. A panic in the runner is reported as a worker exit, mirroring an
// unexpected worker process death.
func (c *Coordinator) runWorker(h *workerHandle) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			c.events <- workerEvent{kind: eventExited, workerID: h.id, message: fmt.Sprintf("worker panic: %v", r)}
		}
	}()

	for {
		select {
		case <-c.ctx.Done():
			return
		case cmd := <-h.commands:
			c.events <- workerEvent{kind: eventStarted, workerID: h.id, taskID: cmd.taskID}

			report, err := c.runner.Run(c.ctx, cmd.url, cmd.opts, func(p int) {
				select {
				case c.events <- workerEvent{kind: eventProgress, workerID: h.id, taskID: cmd.taskID, percent: p}:
				case <-c.ctx.Done():
				}
			})

			if err != nil {
				c.events <- workerEvent{kind: eventFailed, workerID: h.id, taskID: cmd.taskID, message: err.Error()}
			} else {
				c.events <- workerEvent{kind: eventCompleted, workerID: h.id, taskID: cmd.taskID, report: report}
			}
		}
	}
}

// Event handling -------------------------------------------------------------------------------

func (c *Coordinator) eventLoop() {
	defer close(c.loopDone)
	for ev := range c.events {
		c.handleEvent(ev)
	}
}

func (c *Coordinator) handleEvent(ev workerEvent) {
	switch ev.kind {
	case eventStarted:
		c.mu.Lock()
		if task := c.tasks[ev.taskID]; task != nil {
			task.Status = StatusRunning
			task.StartedAt = time.Now()
		}
		c.mu.Unlock()

	case eventProgress:
		c.mu.Lock()
		listeners := append([]ProgressListener(nil), c.listeners...)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(ev.taskID, ev.percent)
		}

	case eventCompleted:
		c.finishTask(ev.taskID, ev.workerID, ev.report, "")
		c.metrics.IncTasks("completed")

	case eventFailed:
		c.finishTask(ev.taskID, ev.workerID, nil, ev.message)
		c.metrics.IncTasks("failed")

	case eventExited:
		c.handleWorkerExit(ev)
	}
}

// finishTask applies a terminal state, frees the worker (when one is
// involved) and mirrors the result. workerID 0 means no worker to free.
func (c *Coordinator) finishTask(taskID string, workerID int, report *crawler.Report, errMsg string) {
	now := time.Now()

	c.mu.Lock()
	task := c.tasks[taskID]
	if task != nil && !task.Status.Terminal() {
		task.CompletedAt = now
		if errMsg != "" {
			task.Status = StatusFailed
			task.Error = errMsg
		} else {
			task.Status = StatusCompleted
			task.Result = report
		}
	}
	if h := c.workers[workerID]; h != nil {
		h.busy = false
		h.taskID = ""
	}
	c.assignPendingLocked()
	c.mu.Unlock()

	if task == nil {
		return
	}

	if errMsg != "" {
		log.Info().Str("task_id", taskID).Str("error", errMsg).Msg("Task failed")
	} else {
		log.Info().
			Str("task_id", taskID).
			Int("total_images", report.TotalImages).
			Int("visited_pages", report.VisitedPages).
			Msg("Task completed")
	}

	c.mirrorResult(task)
}

// mirrorResult writes the terminal result to the durable cache, best effort.
func (c *Coordinator) mirrorResult(task *Task) {
	if c.cache == nil {
		return
	}

	payload, err := json.Marshal(cachedResult{
		TaskID: task.ID,
		Status: task.Status,
		Error:  task.Error,
		Report: task.Result,
	})
	if err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("Failed to serialize result for cache")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.cache.StoreResult(ctx, task.ID, payload, c.cfg.ResultTTL); err != nil {
		log.Warn().Str("task_id", task.ID).Err(err).Msg("Failed to mirror result to cache")
	}
}

// handleWorkerExit removes the dead worker's handle, fails its running task
// (a deliberate departure from leaving such tasks stuck forever) and spawns a
// replacement after the cooldown.
func (c *Coordinator) handleWorkerExit(ev workerEvent) {
	c.mu.Lock()
	h := c.workers[ev.workerID]
	delete(c.workers, ev.workerID)
	var lostTaskID string
	if h != nil {
		lostTaskID = h.taskID
	}
	c.mu.Unlock()

	log.Error().
		Int("worker_id", ev.workerID).
		Str("task_id", lostTaskID).
		Str("reason", ev.message).
		Msg("Worker exited unexpectedly")

	if lostTaskID != "" {
		c.finishTask(lostTaskID, 0, nil, "worker lost: "+ev.message)
		c.metrics.IncTasks("lost")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-time.After(c.cfg.RestartCooldown):
		case <-c.ctx.Done():
			return
		}

		c.mu.Lock()
		replacement := c.newWorkerLocked()
		c.wg.Add(1)
		go c.runWorker(replacement)
		c.assignPendingLocked()
		c.mu.Unlock()

		log.Info().Int("worker_id", replacement.id).Msg("Spawned replacement worker")
	}()
}
