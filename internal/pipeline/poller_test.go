package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dharsanguruparan/ClipSight/internal/logging"
	"github.com/dharsanguruparan/ClipSight/internal/model"
)

// scriptedFetcher answers FetchRecord from a fixed list of outcomes and
// repeats the last one when the script runs out.
type scriptedFetcher struct {
	steps []fetchStep
	calls int
}

type fetchStep struct {
	status model.Status
	msg    string
	err    error
}

func (s *scriptedFetcher) FetchRecord(_ context.Context, id string) (*model.AnalysisRecord, error) {
	step := s.steps[len(s.steps)-1]
	if s.calls < len(s.steps) {
		step = s.steps[s.calls]
	}
	s.calls++
	if step.err != nil {
		return nil, step.err
	}
	rec := &model.AnalysisRecord{ID: id, Status: step.status}
	if step.msg != "" {
		msg := step.msg
		rec.ErrorMessage = &msg
	}
	return rec, nil
}

func repeatStep(step fetchStep, n int) []fetchStep {
	out := make([]fetchStep, n)
	for i := range out {
		out[i] = step
	}
	return out
}

func newTestPoller(f RecordFetcher, notes Notifier, opts ...PollerOption) (*Poller, *[]time.Duration) {
	p := NewPoller(f, notes, logging.Discard(), opts...)
	var waits []time.Duration
	p.wait = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return p, &waits
}

func TestPollCompletesOnLastAttempt(t *testing.T) {
	steps := append(repeatStep(fetchStep{status: model.StatusProcessing}, 59), fetchStep{status: model.StatusCompleted})
	f := &scriptedFetcher{steps: steps}
	notes := &recordingNotifier{}
	var seen int
	p, waits := newTestPoller(f, notes, WithObserver(func(*model.AnalysisRecord) { seen++ }))

	rec, err := p.Poll(context.Background(), "vid-1")
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if rec.Status != model.StatusCompleted {
		t.Fatalf("status = %s", rec.Status)
	}
	if f.calls != 60 || seen != 60 {
		t.Fatalf("calls = %d, observed = %d", f.calls, seen)
	}
	if len(*waits) != 59 {
		t.Fatalf("waits = %d, want 59", len(*waits))
	}
	for _, w := range *waits {
		if w != DefaultPollInterval {
			t.Fatalf("wait %s, want %s", w, DefaultPollInterval)
		}
	}
	got := notes.all()
	if len(got) != 1 || got[0].Title != "Analysis complete" {
		t.Fatalf("notifications = %+v", got)
	}
}

func TestPollTimesOut(t *testing.T) {
	f := &scriptedFetcher{steps: []fetchStep{{status: model.StatusProcessing}}}
	notes := &recordingNotifier{}
	p, _ := newTestPoller(f, notes)

	rec, err := p.Poll(context.Background(), "vid-1")
	if !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected ErrPollTimeout, got %v", err)
	}
	if f.calls != DefaultPollMaxAttempts {
		t.Fatalf("calls = %d, want %d", f.calls, DefaultPollMaxAttempts)
	}
	if rec == nil || rec.Status != model.StatusProcessing {
		t.Fatalf("last snapshot = %+v", rec)
	}
	if notes.count(LevelError) != 1 {
		t.Fatalf("notifications = %+v", notes.all())
	}
}

func TestPollFailedRecord(t *testing.T) {
	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"with message", "codec not supported", "codec not supported"},
		{"without message", "", "An error occurred during analysis"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &scriptedFetcher{steps: []fetchStep{
				{status: model.StatusUploading},
				{status: model.StatusFailed, msg: tc.msg},
				{status: model.StatusCompleted},
			}}
			notes := &recordingNotifier{}
			p, _ := newTestPoller(f, notes)

			_, err := p.Poll(context.Background(), "vid-2")
			var failed *AnalysisFailedError
			if !errors.As(err, &failed) || failed.Message != tc.want {
				t.Fatalf("error = %v", err)
			}
			if f.calls != 2 {
				t.Fatalf("fetched %d times after terminal status", f.calls)
			}
			got := notes.all()
			if len(got) != 1 || got[0].Description != tc.want {
				t.Fatalf("notifications = %+v", got)
			}
		})
	}
}

func TestPollFetchErrorsConsumeAttempts(t *testing.T) {
	f := &scriptedFetcher{steps: []fetchStep{
		{err: errors.New("connection reset")},
		{err: errors.New("connection reset")},
		{status: model.StatusCompleted},
	}}
	p, waits := newTestPoller(f, nil, WithMaxAttempts(3), WithInterval(time.Second))

	if _, err := p.Poll(context.Background(), "vid-3"); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if f.calls != 3 || len(*waits) != 2 || (*waits)[0] != time.Second {
		t.Fatalf("calls = %d waits = %v", f.calls, *waits)
	}

	f = &scriptedFetcher{steps: []fetchStep{{err: errors.New("boom")}}}
	p, _ = newTestPoller(f, nil, WithMaxAttempts(3))
	if _, err := p.Poll(context.Background(), "vid-3"); !errors.Is(err, ErrPollTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if f.calls != 3 {
		t.Fatalf("calls = %d", f.calls)
	}
}

func TestPollStopsOnCancel(t *testing.T) {
	f := &scriptedFetcher{steps: []fetchStep{{status: model.StatusProcessing}}}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPoller(f, nil, logging.Discard(), WithInterval(time.Hour))
	p.wait = func(ctx context.Context, d time.Duration) error {
		cancel()
		return sleepContext(ctx, d)
	}

	_, err := p.Poll(ctx, "vid-4")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("calls = %d", f.calls)
	}
}

func TestSleepContextWaits(t *testing.T) {
	start := time.Now()
	if err := sleepContext(context.Background(), 20*time.Millisecond); err != nil {
		t.Fatalf("sleepContext: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("returned after %s", elapsed)
	}
}
