// Package collector orchestrates question batches: it owns the task
// registry, the browser, the CSV exporter and the completion pipeline, and
// answers the relay commands the control surfaces send.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/askbatch/internal/driver"
	"github.com/hazyhaar/askbatch/internal/export"
	"github.com/hazyhaar/askbatch/internal/registry"
	"github.com/hazyhaar/askbatch/idgen"
	"github.com/hazyhaar/askbatch/observability"
	"github.com/hazyhaar/askbatch/relay"
)

// DefaultSession is the session ID used when a request names none. The
// service drives one chat tab per session.
const DefaultSession = "default"

// eventRetention bounds the business-event log; entries older than this are
// dropped during the periodic sweep.
const eventRetention = 30 * 24 * time.Hour

// PageOpener hands out a driver page for a session, plus its release func.
type PageOpener func(ctx context.Context) (driver.Page, func(), error)

// Service is the batch orchestrator.
type Service struct {
	cfg      Config
	log      *slog.Logger
	bus      *relay.Bus
	store    *registry.Store
	exporter *export.Writer
	openPage PageOpener
	notify   Notifier
	events   *observability.EventLogger
	newID    idgen.Generator

	mu    sync.Mutex
	runs  map[string]*run    // by task ID
	busy  map[string]string  // session ID -> task ID
	timer map[string]*time.Timer

	wg sync.WaitGroup
}

type run struct {
	taskID    string
	sessionID string
	label     string
	tok       *driver.Token
	runner    *driver.Runner
	release   func()
}

// Option configures a Service.
type Option func(*Service)

// WithNotifier replaces the default log-backed notifier.
func WithNotifier(n Notifier) Option { return func(s *Service) { s.notify = n } }

// WithTaskIDGenerator replaces the task ID generator.
func WithTaskIDGenerator(gen idgen.Generator) Option {
	return func(s *Service) { s.newID = gen }
}

// WithEventLogger records batch lifecycle events in the event log.
func WithEventLogger(l *observability.EventLogger) Option {
	return func(s *Service) { s.events = l }
}

// NewService wires the orchestrator and registers its relay handlers.
func NewService(cfg Config, store *registry.Store, bus *relay.Bus, openPage PageOpener, log *slog.Logger, opts ...Option) *Service {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		store:    store,
		exporter: export.NewWriter(cfg.ExportDir),
		openPage: openPage,
		notify:   LogNotifier(log),
		newID:    idgen.TaskID,
		runs:     make(map[string]*run),
		busy:     make(map[string]string),
		timer:    make(map[string]*time.Timer),
	}
	for _, o := range opts {
		o(s)
	}
	s.registerRelay()
	return s
}

// Run blocks until ctx is cancelled, sweeping stale records on the way.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if n, err := s.store.Sweep(ctx, s.cfg.SweepMaxAge); err != nil {
				s.log.Warn("collector: sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("collector: swept stale tasks", "count", n)
			}
			if s.events != nil {
				if _, err := s.events.Cleanup(ctx, eventRetention); err != nil {
					s.log.Warn("collector: event log cleanup failed", "error", err)
				}
			}
		}
	}
}

func (s *Service) shutdown() {
	s.mu.Lock()
	for _, r := range s.runs {
		r.tok.Cancel()
	}
	for _, t := range s.timer {
		t.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// StartBatch validates the request, records a waiting task and launches the
// run goroutine. One active run per session.
func (s *Service) StartBatch(ctx context.Context, sessionID, label string, qs []string) (string, error) {
	if len(qs) == 0 {
		return "", fmt.Errorf("%w: empty question list", ErrInvalidInput)
	}
	if sessionID == "" {
		sessionID = DefaultSession
	}

	s.mu.Lock()
	if other, ok := s.busy[sessionID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("%w (task %s)", ErrAlreadyRunning, other)
	}
	taskID := s.newID()
	s.busy[sessionID] = taskID
	s.mu.Unlock()

	task := &registry.Task{
		TaskID:    taskID,
		SessionID: sessionID,
		Status:    registry.StatusWaiting,
		Label:     label,
		Total:     len(qs),
	}
	if err := s.store.SaveState(ctx, task); err != nil {
		s.mu.Lock()
		delete(s.busy, sessionID)
		s.mu.Unlock()
		return "", err
	}

	s.wg.Add(1)
	go s.runBatch(taskID, sessionID, label, qs)

	s.logEvent(ctx, "batch_started", taskID, "start", true)
	s.log.Info("collector: batch started", "task_id", taskID, "session", sessionID, "questions", len(qs))
	return taskID, nil
}

func (s *Service) runBatch(taskID, sessionID, label string, qs []string) {
	defer s.wg.Done()
	ctx := context.Background()

	page, release, err := s.openPage(ctx)
	if err != nil {
		s.log.Error("collector: open page failed", "task_id", taskID, "error", err)
		s.completeRun(taskID, sessionID, nil, fmt.Errorf("open page: %w", err))
		return
	}

	tok := driver.NewToken()
	runner := driver.New(page, s.cfg.Driver, s.log)

	s.mu.Lock()
	s.runs[taskID] = &run{
		taskID: taskID, sessionID: sessionID, label: label,
		tok: tok, runner: runner, release: release,
	}
	s.mu.Unlock()

	s.store.SaveState(ctx, &registry.Task{
		TaskID: taskID, SessionID: sessionID, Status: registry.StatusRunning,
		Label: label, Total: len(qs),
	})

	progress := func(current, total int, question string) {
		if s.store.IsStopping(taskID) {
			return
		}
		if err := s.store.UpdateProgress(ctx, taskID, current); err != nil {
			s.log.Debug("collector: progress update failed", "task_id", taskID, "error", err)
		}
		s.bus.Publish(relay.Progress{TaskID: taskID, Current: current, Total: total, Question: question})
	}

	rows, runErr := runner.Run(ctx, tok, label, qs, progress)
	release()
	s.completeRun(taskID, sessionID, rows, runErr)
}

// completeRun is the deduplicated completion pipeline: export, notify,
// terminal status, delayed clear. A second completion signal for the same
// task is dropped.
func (s *Service) completeRun(taskID, sessionID string, rows []driver.Row, runErr error) {
	if err := s.store.BeginProcessing(taskID); err != nil {
		s.log.Warn("collector: duplicate completion dropped", "task_id", taskID)
		return
	}
	defer s.store.EndProcessing(taskID)

	s.mu.Lock()
	r := s.runs[taskID]
	delete(s.runs, taskID)
	if s.busy[sessionID] == taskID {
		delete(s.busy, sessionID)
	}
	s.mu.Unlock()

	label := ""
	if r != nil {
		label = r.label
	}

	ctx := context.Background()
	status, errMsg := terminalStatus(rows, runErr)

	var exportPath string
	if len(rows) > 0 && status != registry.StatusFailed {
		path, err := s.exporter.Write(label, rows)
		if err != nil {
			// Rows stay in the registry for a later manual export.
			s.log.Error("collector: export failed", "task_id", taskID, "error", err)
			status, errMsg = registry.StatusFailed, fmt.Sprintf("export: %v", err)
		} else {
			exportPath = path
		}
	}

	if err := s.store.Finish(ctx, taskID, status, errMsg, rows); err != nil {
		s.log.Warn("collector: finish failed", "task_id", taskID, "error", err)
	}
	s.store.ClearStopping(taskID)

	s.bus.Publish(relay.Completion{
		TaskID: taskID, Status: string(status), RowCount: len(rows), Error: errMsg,
	})
	s.sendNotification(ctx, taskID, status, len(rows), exportPath, errMsg)
	s.logEvent(ctx, "batch_finished", taskID, string(status), status != registry.StatusFailed)
	s.scheduleClear(taskID, status)

	s.log.Info("collector: batch finished",
		"task_id", taskID, "status", status, "rows", len(rows), "export", exportPath)
}

func (s *Service) logEvent(ctx context.Context, eventType, taskID, action string, success bool) {
	if s.events == nil {
		return
	}
	s.events.LogEvent(ctx, observability.BusinessEvent{
		EventType:  eventType,
		EntityType: "task",
		EntityID:   taskID,
		Action:     action,
		Success:    success,
	})
}

func terminalStatus(rows []driver.Row, runErr error) (registry.Status, string) {
	switch {
	case runErr == nil:
		return registry.StatusCompleted, ""
	case errors.Is(runErr, driver.ErrStopped) && len(rows) > 0:
		return registry.StatusStoppedWithExport, ""
	case errors.Is(runErr, driver.ErrStopped):
		return registry.StatusStopped, ""
	default:
		return registry.StatusFailed, runErr.Error()
	}
}

func (s *Service) sendNotification(ctx context.Context, taskID string, status registry.Status, rowCount int, path, errMsg string) {
	n := Notification{TaskID: taskID, Success: status != registry.StatusFailed}
	switch status {
	case registry.StatusCompleted:
		n.Title = "batch completed"
		n.Message = fmt.Sprintf("%d rows exported to %s", rowCount, path)
	case registry.StatusStoppedWithExport:
		n.Title = "batch stopped"
		n.Message = fmt.Sprintf("%d partial rows exported to %s", rowCount, path)
	case registry.StatusStopped:
		n.Title = "batch stopped"
		n.Message = "no rows collected"
	default:
		n.Title = "batch failed"
		n.Message = errMsg
	}
	s.notify(ctx, n)
}

// scheduleClear arms the retention timer for a terminal record.
func (s *Service) scheduleClear(taskID string, status registry.Status) {
	var after time.Duration
	switch status {
	case registry.StatusCompleted:
		after = s.cfg.Retention.Completed
	case registry.StatusStoppedWithExport, registry.StatusStopped:
		after = s.cfg.Retention.StoppedWithExport
	case registry.StatusFailed:
		after = s.cfg.Retention.Failed
	default:
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timer[taskID]; ok {
		t.Stop()
	}
	s.timer[taskID] = time.AfterFunc(after, func() {
		if err := s.store.Clear(context.Background(), taskID); err != nil {
			s.log.Debug("collector: retention clear failed", "task_id", taskID, "error", err)
		}
		s.mu.Lock()
		delete(s.timer, taskID)
		s.mu.Unlock()
	})
}

// StopBatch requests a stop. Cancellation is delayed by the stop grace so
// an in-flight scrape can land; the completion pipeline exports the rows
// collected so far.
func (s *Service) StopBatch(ctx context.Context, taskID string) error {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return ErrTaskNotFound
	}

	s.store.MarkStopping(taskID)
	if task, err := s.store.GetState(ctx, taskID); err == nil {
		task.Status = registry.StatusStopping
		task.Rows = r.runner.Snapshot()
		s.store.SaveState(ctx, task)
	}

	time.AfterFunc(s.cfg.StopGrace, r.tok.Cancel)
	s.log.Info("collector: stop requested", "task_id", taskID, "grace", s.cfg.StopGrace)
	return nil
}

// ExportNow writes the current snapshot of a task without stopping it.
// Terminal tasks export their stored rows.
func (s *Service) ExportNow(ctx context.Context, taskID string) (relay.ExportResult, error) {
	var (
		rows  []driver.Row
		label string
	)
	s.mu.Lock()
	r, running := s.runs[taskID]
	s.mu.Unlock()
	if running {
		rows, label = r.runner.Snapshot(), r.label
	} else {
		task, err := s.store.GetState(ctx, taskID)
		if err != nil {
			return relay.ExportResult{}, ErrTaskNotFound
		}
		rows, label = task.Rows, task.Label
	}

	path, err := s.exporter.Write(label, rows)
	if err != nil {
		return relay.ExportResult{}, err
	}
	return relay.ExportResult{TaskID: taskID, Path: path, Rows: len(rows)}, nil
}

// Snapshot returns one task's state, or all active tasks when taskID is "".
func (s *Service) Snapshot(ctx context.Context, taskID string) ([]relay.TaskSnapshot, error) {
	if taskID != "" {
		task, err := s.store.GetState(ctx, taskID)
		if err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return nil, ErrTaskNotFound
			}
			return nil, err
		}
		return []relay.TaskSnapshot{toSnapshot(task)}, nil
	}
	tasks, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]relay.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toSnapshot(t))
	}
	return out, nil
}

// ClearAll cancels every run and wipes the registry.
func (s *Service) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	for _, r := range s.runs {
		r.tok.Cancel()
	}
	s.mu.Unlock()
	return s.store.ClearAll(ctx)
}

// ClearSession cancels the session's active run, if any, and drops the task
// records bound to it.
func (s *Service) ClearSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	if taskID, ok := s.busy[sessionID]; ok {
		if r, ok := s.runs[taskID]; ok {
			r.tok.Cancel()
		}
	}
	s.mu.Unlock()
	n, err := s.store.ClearSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("collector: session cleared", "session", sessionID, "tasks", n)
	}
	return nil
}

func toSnapshot(t *registry.Task) relay.TaskSnapshot {
	return relay.TaskSnapshot{
		TaskID:    t.TaskID,
		SessionID: t.SessionID,
		Status:    string(t.Status),
		Label:     t.Label,
		Current:   t.Current,
		Total:     t.Total,
		RowCount:  len(t.Rows),
		Error:     t.Error,
		UpdatedAt: t.UpdatedAt,
	}
}

// registerRelay binds the service's verbs to the command bus.
func (s *Service) registerRelay() {
	s.bus.Handle(relay.KindStartBatch, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.StartBatch)
		taskID, err := s.StartBatch(ctx, c.SessionID, c.Label, c.Questions)
		if err != nil {
			return nil, err
		}
		return relay.TaskSnapshot{TaskID: taskID, Status: string(registry.StatusWaiting), Label: c.Label, Total: len(c.Questions)}, nil
	})
	s.bus.Handle(relay.KindStopBatch, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.StopBatch)
		return nil, s.StopBatch(ctx, c.TaskID)
	})
	s.bus.Handle(relay.KindExportNow, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.ExportNow)
		return s.ExportNow(ctx, c.TaskID)
	})
	s.bus.Handle(relay.KindSnapshot, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.Snapshot)
		return s.Snapshot(ctx, c.TaskID)
	})
	s.bus.Handle(relay.KindClearAll, func(ctx context.Context, cmd relay.Command) (any, error) {
		c := cmd.(relay.ClearAll)
		if c.SessionID != "" {
			return nil, s.ClearSession(ctx, c.SessionID)
		}
		return nil, s.ClearAll(ctx)
	})
	s.bus.Handle(relay.KindPing, func(ctx context.Context, cmd relay.Command) (any, error) {
		return "pong", nil
	})
}
