package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakePage scripts the control-state sequence a real chat tab would show:
// every sent question goes generating for a few polls, then settles.
type fakePage struct {
	mu          sync.Mutex
	answers     []Answer
	sent        []string
	input       string
	generating  int // polls left in generating state
	resetOK     bool
	resetCount  int
	failCollect map[int]error // by question index
	failReset   bool
	collectN    int
}

func newFakePage(answers ...Answer) *fakePage {
	return &fakePage{answers: answers, resetOK: true, failCollect: map[int]error{}}
}

func (p *fakePage) ControlState(ctx context.Context) (ControlState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.generating > 0 {
		p.generating--
		return StateGenerating, nil
	}
	return StateReady, nil
}

func (p *fakePage) SetInput(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.input = text
	return nil
}

func (p *fakePage) InputValue(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input, nil
}

func (p *fakePage) PressEnter(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, p.input)
	p.input = ""
	p.generating = 2
	return nil
}

func (p *fakePage) ClickSend(ctx context.Context) error { return nil }

func (p *fakePage) Collect(ctx context.Context) (Answer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.collectN
	p.collectN++
	if err, ok := p.failCollect[i]; ok {
		return Answer{}, err
	}
	if i < len(p.answers) {
		return p.answers[i], nil
	}
	return Answer{Text: "answer"}, nil
}

func (p *fakePage) NewThread(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCount++
	if p.failReset {
		return errors.New("shortcut ignored")
	}
	return nil
}

func (p *fakePage) ClickNewThread(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetCount++
	if p.failReset {
		return errors.New("button missing")
	}
	return nil
}

func (p *fakePage) ResetSignals(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resetOK {
		return 3, nil
	}
	return 1, nil
}

func fastConfig() Config {
	return Config{
		PollInterval:     time.Millisecond,
		SettleDelay:      time.Millisecond,
		ReplyTimeout:     200 * time.Millisecond,
		QuestionPause:    time.Millisecond,
		ResetVerifyDelay: time.Millisecond,
	}
}

func TestRunOneRowPerSource(t *testing.T) {
	// WHAT: an answer with N sources yields N rows sharing question/answer,
	// sequence indexed 1..N; a zero-source answer yields one row, seq 0.
	p := newFakePage(
		Answer{Text: "a1", Label: "conv1", Sources: []Source{
			{Title: "s1", URL: "http://one"},
			{Title: "s2", URL: "http://two"},
		}},
		Answer{Text: "a2"},
	)
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))

	rows, err := r.Run(context.Background(), NewToken(), "batch", []string{"q1", "q2"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3: %+v", len(rows), rows)
	}
	if rows[0].Seq != 1 || rows[1].Seq != 2 {
		t.Errorf("source rows misnumbered: %d, %d", rows[0].Seq, rows[1].Seq)
	}
	if rows[0].Answer != "a1" || rows[1].Answer != "a1" {
		t.Error("source rows must share the answer")
	}
	if rows[0].Label != "conv1" {
		t.Errorf("label: got %q, want conversation title", rows[0].Label)
	}
	if rows[2].Seq != 0 || rows[2].SourceURL != "" {
		t.Errorf("zero-source row: %+v", rows[2])
	}
	if rows[2].Label != "batch" {
		t.Errorf("empty page label must fall back to batch label, got %q", rows[2].Label)
	}
}

func TestRunStopYieldsPrefix(t *testing.T) {
	// WHY: stopping mid-batch must return the rows of the questions already
	// finished, in order, and report ErrStopped.
	p := newFakePage()
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))
	tok := NewToken()

	var once sync.Once
	progress := func(current, total int, q string) {
		if current == 2 {
			once.Do(tok.Cancel)
		}
	}
	rows, err := r.Run(context.Background(), tok, "b", []string{"q1", "q2", "q3"}, progress)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if len(rows) != 1 || rows[0].Question != "q1" {
		t.Errorf("expected prefix [q1], got %+v", rows)
	}
}

func TestRunCollectErrorProducesErrorRow(t *testing.T) {
	// WHAT: a per-question failure records a synthetic row and the batch
	// continues with the next question.
	p := newFakePage(Answer{Text: "ok1"}, Answer{}, Answer{Text: "ok3"})
	p.failCollect[1] = errors.New("scrape blew up")
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))

	rows, err := r.Run(context.Background(), NewToken(), "b", []string{"q1", "q2", "q3"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[1].Question != "q2" || rows[1].Answer == "" {
		t.Errorf("error row missing: %+v", rows[1])
	}
	if rows[2].Answer != "ok3" {
		t.Errorf("batch did not continue: %+v", rows[2])
	}
}

func TestRunThreadResetFailureIsFatal(t *testing.T) {
	p := newFakePage()
	p.failReset = true
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))

	rows, err := r.Run(context.Background(), NewToken(), "b", []string{"q1", "q2"}, nil)
	if !errors.Is(err, ErrThreadReset) {
		t.Fatalf("expected ErrThreadReset, got %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("expected only q1's row, got %d", len(rows))
	}
}

func TestRunThreadResetUnverifiedIsFatal(t *testing.T) {
	// WHY: a reset that "succeeds" but fails the 2-of-4 signal check must
	// abort; continuing would contaminate the next question's thread.
	p := newFakePage()
	p.resetOK = false
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))

	_, err := r.Run(context.Background(), NewToken(), "b", []string{"q1", "q2"}, nil)
	if !errors.Is(err, ErrThreadReset) {
		t.Fatalf("expected ErrThreadReset, got %v", err)
	}
}

func TestRunNoResetAfterLastQuestion(t *testing.T) {
	p := newFakePage()
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))
	if _, err := r.Run(context.Background(), NewToken(), "b", []string{"q1", "q2"}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if p.resetCount != 1 {
		t.Errorf("reset count: got %d, want 1 (between the two questions only)", p.resetCount)
	}
}

func TestSnapshotDuringRun(t *testing.T) {
	p := newFakePage()
	r := New(p, fastConfig(), slog.New(slog.DiscardHandler))
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(context.Background(), NewToken(), "b", []string{"q1", "q2", "q3"}, nil)
	}()
	deadline := time.After(5 * time.Second)
	for {
		if len(r.Snapshot()) > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("no rows appeared")
		case <-time.After(time.Millisecond):
		}
	}
	<-done
	if got := len(r.Snapshot()); got != 3 {
		t.Errorf("final rows: got %d, want 3", got)
	}
}

func TestTokenCancelIdempotent(t *testing.T) {
	tok := NewToken()
	tok.Cancel()
	tok.Cancel()
	if !tok.Cancelled() {
		t.Error("token should be cancelled")
	}
}

func TestSendRejectedAfterBudget(t *testing.T) {
	// A page whose control never leaves ready and whose input never clears
	// exhausts the verification budget. The stock fake marks generating on
	// PressEnter; stuckPage swallows the key instead.
	cfg := fastConfig()
	cfg.SendAttempts = 2
	cfg.SendRetryPause = time.Millisecond
	sp := &stuckPage{fakePage: newFakePage()}
	r := New(sp, cfg, slog.New(slog.DiscardHandler))

	rows, err := r.Run(context.Background(), NewToken(), "b", []string{"q1"}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(rows) != 1 || rows[0].Answer != fmt.Sprintf("error: %v", ErrSendRejected) {
		t.Errorf("expected send-rejected error row, got %+v", rows)
	}
}

type stuckPage struct{ *fakePage }

func (p *stuckPage) PressEnter(ctx context.Context) error { return nil }

// waitingPage reports mutation waits so the test can see the runner prefer
// them over blind sleeps.
type waitingPage struct {
	*fakePage
	waits int
}

func (p *waitingPage) WaitControlChange(ctx context.Context, timeout time.Duration) error {
	p.mu.Lock()
	p.waits++
	p.mu.Unlock()
	return nil
}

func TestRunUsesControlChangeWaiter(t *testing.T) {
	wp := &waitingPage{fakePage: newFakePage()}
	r := New(wp, fastConfig(), slog.New(slog.DiscardHandler))

	if _, err := r.Run(context.Background(), NewToken(), "b", []string{"q1"}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.waits == 0 {
		t.Error("mutation wait was never used")
	}
}
