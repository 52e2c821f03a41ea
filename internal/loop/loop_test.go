package loop_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"matchline/internal/domain"
	"matchline/internal/executor"
	"matchline/internal/loop"
	"matchline/internal/planner"
)

type stubPlanner struct {
	fn    func(req planner.Request) (planner.Result, error)
	calls int
}

func (p *stubPlanner) Next(ctx context.Context, req planner.Request) (planner.Result, error) {
	p.calls++
	return p.fn(req)
}

type fakeDriver struct {
	navigate func(target string) error
	clickAt  func(x, y int) error
	capture  func() (domain.Observation, error)
	extract  func() (string, error)
	submit   func() error
	clicks   int
	typed    []string
	submits  int
}

func (d *fakeDriver) Navigate(ctx context.Context, target string) error {
	if d.navigate != nil {
		return d.navigate(target)
	}
	return nil
}

func (d *fakeDriver) ClickAt(ctx context.Context, x, y int) error {
	d.clicks++
	if d.clickAt != nil {
		return d.clickAt(x, y)
	}
	return nil
}

func (d *fakeDriver) TypeText(ctx context.Context, selector, text string) error {
	d.typed = append(d.typed, text)
	return nil
}

func (d *fakeDriver) Scroll(ctx context.Context, amount int) error { return nil }

func (d *fakeDriver) Capture(ctx context.Context) (domain.Observation, error) {
	if d.capture != nil {
		return d.capture()
	}
	return domain.Observation{VisibleText: "candidate page"}, nil
}

func (d *fakeDriver) ExtractVisibleText(ctx context.Context) (string, error) {
	if d.extract != nil {
		return d.extract()
	}
	return "candidate page", nil
}

func (d *fakeDriver) SubmitComposedMessage(ctx context.Context) error {
	d.submits++
	if d.submit != nil {
		return d.submit()
	}
	return nil
}

func (d *fakeDriver) Close() error { return nil }

type flagPoller struct {
	cancelled bool
	err       error
}

func (p *flagPoller) Cancelled(ctx context.Context) (bool, error) { return p.cancelled, p.err }

func newController(p planner.Planner, d executor.Driver, poll loop.CancelPoller, cfg loop.Config) *loop.Controller {
	return &loop.Controller{
		Planner: p,
		Driver:  d,
		Cancel:  poll,
		Config:  cfg,
		Logger:  zap.NewNop(),
		Now:     func() time.Time { return time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC) },
	}
}

func wantAbort(t *testing.T, err error, reason string) *loop.AbortError {
	t.Helper()
	var abort *loop.AbortError
	if !errors.As(err, &abort) {
		t.Fatalf("err = %v, want AbortError", err)
	}
	if abort.Reason != reason {
		t.Fatalf("abort reason = %q, want %q", abort.Reason, reason)
	}
	return abort
}

func clickForever() *stubPlanner {
	return &stubPlanner{fn: func(req planner.Request) (planner.Result, error) {
		return planner.Result{Action: &domain.UIAction{Type: domain.ActionClick, X: 1, Y: 1}}, nil
	}}
}

func TestTurnCapIsExact(t *testing.T) {
	p := clickForever()
	ctrl := newController(p, &fakeDriver{}, nil, loop.Config{MaxTurns: 5})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = ctrl.Capture(context.Background(), &s)
	wantAbort(t, err, loop.ReasonTurnCapExceeded)
	if p.calls != 5 {
		t.Fatalf("planner called %d times, want exactly 5", p.calls)
	}
}

func TestConsecutiveFaultsFailCandidate(t *testing.T) {
	p := clickForever()
	d := &fakeDriver{clickAt: func(x, y int) error {
		return executor.Recoverable("click", errors.New("element not found"))
	}}
	ctrl := newController(p, d, nil, loop.Config{MaxTurns: 10})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = ctrl.Capture(context.Background(), &s)
	abort := wantAbort(t, err, loop.ReasonExecutorFault)
	if abort.Fatal {
		t.Fatal("recoverable fault exhaustion must not be fatal")
	}
	if d.clicks != 3 {
		t.Fatalf("driver attempted %d clicks, want 3 before giving up", d.clicks)
	}
}

func TestFaultCounterResetsOnSuccess(t *testing.T) {
	p := clickForever()
	n := 0
	d := &fakeDriver{clickAt: func(x, y int) error {
		n++
		if n%3 == 0 {
			return nil
		}
		return executor.Recoverable("click", errors.New("missed"))
	}}
	ctrl := newController(p, d, nil, loop.Config{MaxTurns: 7})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// Two faults, one success, repeating: never three consecutive, so the
	// turn cap ends the candidate, not the fault limit.
	_, err = ctrl.Capture(context.Background(), &s)
	wantAbort(t, err, loop.ReasonTurnCapExceeded)
	if p.calls != 7 {
		t.Fatalf("planner called %d times, want 7", p.calls)
	}
}

func TestCancellationStopsWithinOneTransition(t *testing.T) {
	poller := &flagPoller{}
	p := &stubPlanner{}
	p.fn = func(req planner.Request) (planner.Result, error) {
		if p.calls == 2 {
			poller.cancelled = true
		}
		return planner.Result{Action: &domain.UIAction{Type: domain.ActionClick}}, nil
	}
	d := &fakeDriver{}
	ctrl := newController(p, d, poller, loop.Config{MaxTurns: 10})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = ctrl.Capture(context.Background(), &s)
	abort := wantAbort(t, err, loop.ReasonCancelled)
	if abort.Fatal {
		t.Fatal("cancellation is not a failure")
	}
	// The flag was set during the second planning turn; the suggested
	// action must not execute.
	if d.clicks != 1 {
		t.Fatalf("driver executed %d clicks after cancellation, want 1 from before", d.clicks)
	}
}

func TestSessionIsFreshPerCandidate(t *testing.T) {
	var seen []string
	p := &stubPlanner{fn: func(req planner.Request) (planner.Result, error) {
		seen = append(seen, req.Continuation)
		if req.Continuation == "" {
			return planner.Result{
				Action:       &domain.UIAction{Type: domain.ActionClick},
				Continuation: "tok",
			}, nil
		}
		return planner.Result{Done: true, ExtractedText: "x"}, nil
	}}
	ctrl := newController(p, &fakeDriver{}, nil, loop.Config{MaxTurns: 8})

	for pos := 1; pos <= 2; pos++ {
		s, err := ctrl.Open(context.Background(), pos)
		if err != nil {
			t.Fatalf("Open(%d): %v", pos, err)
		}
		if s.TurnCount != 0 || s.Continuation != "" {
			t.Fatalf("session %d not fresh: %+v", pos, s)
		}
		if _, err := ctrl.Capture(context.Background(), &s); err != nil {
			t.Fatalf("Capture(%d): %v", pos, err)
		}
	}
	want := []string{"", "tok", "", "tok"}
	if len(seen) != len(want) {
		t.Fatalf("continuations = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("continuations = %v, want %v", seen, want)
		}
	}
}

func TestCaptureFallsBackToDriverExtraction(t *testing.T) {
	p := &stubPlanner{fn: func(req planner.Request) (planner.Result, error) {
		return planner.Result{Done: true}, nil
	}}
	d := &fakeDriver{
		capture: func() (domain.Observation, error) {
			return domain.Observation{URL: "surface://p/7"}, nil
		},
		extract: func() (string, error) { return "from driver", nil },
	}
	ctrl := newController(p, d, nil, loop.Config{MaxTurns: 8})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cand, err := ctrl.Capture(context.Background(), &s)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if cand.Text != "from driver" {
		t.Fatalf("text = %q, want driver extraction", cand.Text)
	}
	if cand.ID != "surface://p/7" {
		t.Fatalf("id = %q, want observation URL", cand.ID)
	}
}

func TestOpenFaults(t *testing.T) {
	recov := &fakeDriver{navigate: func(target string) error {
		return executor.Recoverable("navigate", errors.New("list not loaded"))
	}}
	ctrl := newController(clickForever(), recov, nil, loop.Config{})
	_, err := ctrl.Open(context.Background(), 1)
	abort := wantAbort(t, err, loop.ReasonNavigationError)
	if abort.Fatal {
		t.Fatal("recoverable navigation fault must not be fatal")
	}

	dead := &fakeDriver{navigate: func(target string) error {
		return executor.Fatal("navigate", errors.New("browser gone"))
	}}
	ctrl = newController(clickForever(), dead, nil, loop.Config{})
	_, err = ctrl.Open(context.Background(), 1)
	abort = wantAbort(t, err, loop.ReasonNavigationError)
	if !abort.Fatal {
		t.Fatal("fatal navigation fault must abort the run")
	}

	done := &fakeDriver{navigate: func(target string) error {
		return executor.ErrNoMoreCandidates
	}}
	ctrl = newController(clickForever(), done, nil, loop.Config{})
	_, err = ctrl.Open(context.Background(), 99)
	if !errors.Is(err, executor.ErrNoMoreCandidates) {
		t.Fatalf("err = %v, want ErrNoMoreCandidates passthrough", err)
	}
}

func TestPlannerErrorFailsCandidate(t *testing.T) {
	p := &stubPlanner{fn: func(req planner.Request) (planner.Result, error) {
		return planner.Result{}, errors.New("model returned prose")
	}}
	ctrl := newController(p, &fakeDriver{}, nil, loop.Config{MaxTurns: 8})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_, err = ctrl.Capture(context.Background(), &s)
	wantAbort(t, err, loop.ReasonPlannerError)
}

func TestUnreadableCancellationFlagIsFatal(t *testing.T) {
	poller := &flagPoller{err: errors.New("store down")}
	ctrl := newController(clickForever(), &fakeDriver{}, poller, loop.Config{})
	_, err := ctrl.Open(context.Background(), 1)
	abort := wantAbort(t, err, loop.ReasonStoreError)
	if !abort.Fatal {
		t.Fatal("unreadable flag must halt the run")
	}
}

func TestSendSubmitsExactlyOnce(t *testing.T) {
	sd, err := executor.ParseScript([]byte(`[{"id":"jane","text":"Jane, gardener, likes hiking"}]`))
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	ctrl := newController(planner.Direct{}, sd, nil, loop.Config{MaxTurns: 8})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cand, err := ctrl.Capture(context.Background(), &s)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if cand.Text != "Jane, gardener, likes hiking" {
		t.Fatalf("text = %q", cand.Text)
	}
	if s.TurnCount != 1 {
		t.Fatalf("turns after capture = %d, want 1", s.TurnCount)
	}

	if err := ctrl.Send(context.Background(), &s, "Hi Jane!"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sd.Sent) != 1 || sd.Sent[0].Text != "Hi Jane!" {
		t.Fatalf("sent = %+v", sd.Sent)
	}
	if s.TurnCount != 3 {
		t.Fatalf("turns after send = %d, want 3", s.TurnCount)
	}
}

func TestSubmitFaultIsNotRetried(t *testing.T) {
	d := &fakeDriver{submit: func() error {
		return executor.Recoverable("submit", errors.New("confirmation not seen"))
	}}
	ctrl := newController(planner.Direct{}, d, nil, loop.Config{MaxTurns: 8})

	s, err := ctrl.Open(context.Background(), 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = ctrl.Send(context.Background(), &s, "Hello")
	abort := wantAbort(t, err, loop.ReasonExecutorFault)
	if abort.Fatal {
		t.Fatal("recoverable submit fault must not kill the run")
	}
	if d.submits != 1 {
		t.Fatalf("submit attempted %d times, want exactly 1", d.submits)
	}
}
