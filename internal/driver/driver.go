// Package driver runs a question batch against a chat page as an explicit
// state machine. All page heuristics live behind the Page interface; the
// production implementation drives a real browser tab, tests use a fake.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrStopped is returned when a run is halted by its cancellation token.
var ErrStopped = errors.New("driver: run stopped")

// ErrThreadReset is returned when a fresh conversation could not be verified.
// It is fatal for the remainder of the batch.
var ErrThreadReset = errors.New("driver: new thread could not be verified")

// ErrSendRejected is returned when the page never accepted a submitted
// question within the retry budget.
var ErrSendRejected = errors.New("driver: question was not accepted")

// ControlState classifies the page's send control.
type ControlState int

const (
	StateUnknown ControlState = iota
	// StateReady means the control is enabled and a question can be sent.
	StateReady
	// StateWaiting means the control is disabled and idle.
	StateWaiting
	// StateGenerating means an answer is being produced.
	StateGenerating
)

func (s ControlState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateWaiting:
		return "waiting"
	case StateGenerating:
		return "generating"
	default:
		return "unknown"
	}
}

// Source is one cited web source attached to an answer.
type Source struct {
	Title   string
	Content string
	Site    string
	URL     string
	Time    string
}

// Answer is the scraped reply to one question. Label is the conversation
// title as shown by the page; it may be empty.
type Answer struct {
	Text    string
	Label   string
	Sources []Source
}

// Row is one output record. An answer with N sources yields N rows sharing
// question/answer/label; an answer with no sources yields a single row with
// empty source fields and Seq zero.
type Row struct {
	Question      string `json:"question"`
	Answer        string `json:"answer"`
	Label         string `json:"label"`
	Seq           int    `json:"seq"`
	SourceTitle   string `json:"source_title"`
	SourceContent string `json:"source_content"`
	SourceSite    string `json:"source_site"`
	SourceURL     string `json:"source_url"`
	SourceTime    string `json:"source_time"`
}

// Page is the surface the state machine needs from the chat tab.
type Page interface {
	// ControlState classifies the send control right now.
	ControlState(ctx context.Context) (ControlState, error)
	// SetInput replaces the input editor content.
	SetInput(ctx context.Context, text string) error
	// InputValue returns the current input editor content.
	InputValue(ctx context.Context) (string, error)
	// PressEnter dispatches the Enter key to the input editor.
	PressEnter(ctx context.Context) error
	// ClickSend clicks the send control directly.
	ClickSend(ctx context.Context) error
	// Collect scrapes the latest answer and its cited sources.
	Collect(ctx context.Context) (Answer, error)
	// NewThread starts a fresh conversation via the keyboard shortcut.
	NewThread(ctx context.Context) error
	// ClickNewThread starts a fresh conversation via the sidebar control.
	ClickNewThread(ctx context.Context) error
	// ResetSignals reports how many of the four fresh-conversation
	// indicators currently hold (root URL, welcome element, zero
	// messages, empty input).
	ResetSignals(ctx context.Context) (int, error)
}

// ControlChangeWaiter is an optional Page capability: block until the send
// control mutates or the wait times out. When available, the runner waits on
// mutations between polls instead of sleeping blindly, so completion is
// noticed as soon as the page settles.
type ControlChangeWaiter interface {
	WaitControlChange(ctx context.Context, timeout time.Duration) error
}

// Token is an explicit cancellation handle shared between a run and its
// controller. Cancel is idempotent and safe from any goroutine.
type Token struct {
	once sync.Once
	done chan struct{}
}

// NewToken returns a fresh, uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel marks the token cancelled.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Cancelled reports whether Cancel has been called.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on cancellation.
func (t *Token) Done() <-chan struct{} { return t.done }

// Config holds the run's timing and retry budgets.
type Config struct {
	// SendAttempts bounds the acceptance-verification loop. Default 10.
	SendAttempts int
	// ClickFallbackAttempts is how many early attempts also click the
	// send control directly. Default 3.
	ClickFallbackAttempts int
	// SendRetryPause is the wait between acceptance checks. Default 1s.
	SendRetryPause time.Duration
	// PollInterval is the control-state polling period. Default 500ms.
	PollInterval time.Duration
	// SettleDelay is the pause between completion and scraping. Default 3s.
	SettleDelay time.Duration
	// ReplyTimeout is the hard per-question wait bound, after which the
	// answer is collected as-is. Default 3m.
	ReplyTimeout time.Duration
	// QuestionPause is the rest between questions. Default 1s.
	QuestionPause time.Duration
	// ResetVerifyDelay is the wait before checking reset signals. Default 2s.
	ResetVerifyDelay time.Duration
}

func (c *Config) applyDefaults() {
	if c.SendAttempts <= 0 {
		c.SendAttempts = 10
	}
	if c.ClickFallbackAttempts <= 0 {
		c.ClickFallbackAttempts = 3
	}
	if c.SendRetryPause <= 0 {
		c.SendRetryPause = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 3 * time.Second
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 3 * time.Minute
	}
	if c.QuestionPause <= 0 {
		c.QuestionPause = time.Second
	}
	if c.ResetVerifyDelay <= 0 {
		c.ResetVerifyDelay = 2 * time.Second
	}
}

// Runner executes one batch over one page. Not reusable across batches.
type Runner struct {
	page Page
	cfg  Config
	log  *slog.Logger

	mu   sync.Mutex
	rows []Row
}

// New creates a runner for the given page.
func New(page Page, cfg Config, log *slog.Logger) *Runner {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Runner{page: page, cfg: cfg, log: log}
}

// Snapshot returns a copy of the rows accumulated so far. Safe to call
// concurrently with Run.
func (r *Runner) Snapshot() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Row, len(r.rows))
	copy(out, r.rows)
	return out
}

func (r *Runner) append(rows ...Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rows...)
}

// Run processes questions strictly in order. It returns the accumulated
// rows in every case. A cancelled token yields ErrStopped with the rows of
// the questions finished before the stop; a per-question failure yields a
// synthetic error row and the batch continues; a failed thread reset aborts
// the remainder with ErrThreadReset.
func (r *Runner) Run(ctx context.Context, tok *Token, label string, qs []string, progress func(current, total int, question string)) ([]Row, error) {
	total := len(qs)
	for i, q := range qs {
		if tok.Cancelled() {
			r.log.Info("driver: stop before question", "index", i+1, "total", total)
			return r.Snapshot(), ErrStopped
		}
		if progress != nil {
			progress(i+1, total, q)
		}
		r.log.Info("driver: processing question", "index", i+1, "total", total)

		if err := r.processQuestion(ctx, tok, label, q); err != nil {
			if errors.Is(err, ErrStopped) || ctx.Err() != nil {
				return r.Snapshot(), ErrStopped
			}
			r.log.Warn("driver: question failed", "index", i+1, "error", err)
			r.append(Row{
				Question: q,
				Answer:   fmt.Sprintf("error: %v", err),
				Label:    label,
			})
		}

		if i == total-1 {
			break
		}
		if err := r.startNewThread(ctx, tok); err != nil {
			if errors.Is(err, ErrStopped) {
				return r.Snapshot(), ErrStopped
			}
			return r.Snapshot(), err
		}
		if err := r.pause(ctx, tok, r.cfg.QuestionPause); err != nil {
			return r.Snapshot(), ErrStopped
		}
	}
	return r.Snapshot(), nil
}

func (r *Runner) processQuestion(ctx context.Context, tok *Token, label, q string) error {
	if err := r.sendQuestion(ctx, tok, q); err != nil {
		return err
	}
	ans, err := r.waitAndCollect(ctx, tok)
	if err != nil {
		return err
	}
	if ans.Label == "" {
		ans.Label = label
	}
	r.append(rowsFromAnswer(q, ans)...)
	return nil
}

// rowsFromAnswer flattens one answer into output rows.
func rowsFromAnswer(q string, a Answer) []Row {
	if len(a.Sources) == 0 {
		return []Row{{Question: q, Answer: a.Text, Label: a.Label}}
	}
	rows := make([]Row, 0, len(a.Sources))
	for i, s := range a.Sources {
		rows = append(rows, Row{
			Question:      q,
			Answer:        a.Text,
			Label:         a.Label,
			Seq:           i + 1,
			SourceTitle:   s.Title,
			SourceContent: s.Content,
			SourceSite:    s.Site,
			SourceURL:     s.URL,
			SourceTime:    s.Time,
		})
	}
	return rows
}

// sendQuestion writes the question into the editor, submits it with Enter,
// then polls the send control until the page visibly accepts it. Early
// retries also click the send control directly in case the key event was
// swallowed.
func (r *Runner) sendQuestion(ctx context.Context, tok *Token, q string) error {
	if err := r.page.SetInput(ctx, q); err != nil {
		return fmt.Errorf("driver: set input: %w", err)
	}

	// Verify the editor took the text; lexical editors sometimes drop the
	// first programmatic write.
	prefix := q
	if r := []rune(prefix); len(r) > 10 {
		prefix = string(r[:10])
	}
	if v, err := r.page.InputValue(ctx); err == nil && !containsPrefix(v, prefix) {
		if err := r.page.SetInput(ctx, q); err != nil {
			return fmt.Errorf("driver: set input retry: %w", err)
		}
	}

	if err := r.page.PressEnter(ctx); err != nil {
		return fmt.Errorf("driver: press enter: %w", err)
	}

	for attempt := 1; attempt <= r.cfg.SendAttempts; attempt++ {
		state, err := r.page.ControlState(ctx)
		if err != nil {
			return fmt.Errorf("driver: control state: %w", err)
		}
		if state == StateGenerating {
			return nil
		}
		// Cleared input with a non-ready control also counts as accepted.
		if state == StateWaiting {
			if v, err := r.page.InputValue(ctx); err == nil && v == "" {
				return nil
			}
		}
		if state == StateReady && attempt <= r.cfg.ClickFallbackAttempts {
			r.log.Debug("driver: send not accepted, clicking control", "attempt", attempt)
			if err := r.page.ClickSend(ctx); err != nil {
				r.log.Debug("driver: click send failed", "error", err)
			}
		}
		if err := r.pause(ctx, tok, r.cfg.SendRetryPause); err != nil {
			return ErrStopped
		}
	}
	return ErrSendRejected
}

// waitAndCollect waits for the generating→settled transition of the send
// control, pauses for the settle delay, then scrapes. When the hard timeout
// expires collection is forced with whatever the page shows.
func (r *Runner) waitAndCollect(ctx context.Context, tok *Token) (Answer, error) {
	deadline := time.Now().Add(r.cfg.ReplyTimeout)
	sawGenerating := false

	for time.Now().Before(deadline) {
		state, err := r.page.ControlState(ctx)
		if err != nil {
			return Answer{}, fmt.Errorf("driver: control state: %w", err)
		}
		if state == StateGenerating {
			sawGenerating = true
		} else if sawGenerating {
			// Answer finished streaming.
			break
		}
		if err := r.awaitControlTick(ctx, tok); err != nil {
			return Answer{}, ErrStopped
		}
	}
	if !sawGenerating {
		r.log.Warn("driver: reply wait timed out before generation was observed, collecting anyway")
	}

	if err := r.pause(ctx, tok, r.cfg.SettleDelay); err != nil {
		return Answer{}, ErrStopped
	}

	ans, err := r.page.Collect(ctx)
	if err != nil {
		return Answer{}, fmt.Errorf("driver: collect: %w", err)
	}
	return ans, nil
}

// startNewThread resets the conversation: keyboard shortcut first, sidebar
// control as fallback, each verified by the 2-of-4 signal heuristic.
func (r *Runner) startNewThread(ctx context.Context, tok *Token) error {
	attempts := []func(context.Context) error{
		r.page.NewThread,
		r.page.ClickNewThread,
	}
	for _, try := range attempts {
		if tok.Cancelled() {
			return ErrStopped
		}
		if err := try(ctx); err != nil {
			r.log.Debug("driver: thread reset attempt failed", "error", err)
			continue
		}
		if err := r.pause(ctx, tok, r.cfg.ResetVerifyDelay); err != nil {
			return ErrStopped
		}
		n, err := r.page.ResetSignals(ctx)
		if err != nil {
			r.log.Debug("driver: reset signals", "error", err)
			continue
		}
		if n >= 2 {
			return nil
		}
		r.log.Debug("driver: thread reset unverified", "signals", n)
	}
	return ErrThreadReset
}

// awaitControlTick waits for the next poll: on a mutation of the send
// control when the page can report one, otherwise for the poll interval.
// Either way the wait is bounded by PollInterval and interruptible.
func (r *Runner) awaitControlTick(ctx context.Context, tok *Token) error {
	w, ok := r.page.(ControlChangeWaiter)
	if !ok {
		return r.pause(ctx, tok, r.cfg.PollInterval)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.WaitControlChange(ctx, r.cfg.PollInterval); err != nil {
			r.log.Debug("driver: control change wait", "error", err)
		}
	}()
	select {
	case <-tok.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// pause sleeps for d unless the token or context fires first.
func (r *Runner) pause(ctx context.Context, tok *Token, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-tok.Done():
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func containsPrefix(value, prefix string) bool {
	if prefix == "" {
		return true
	}
	return strings.Contains(value, prefix)
}
