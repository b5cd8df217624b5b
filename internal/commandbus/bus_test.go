package commandbus_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/loopkeep/loopkeep/internal/commandbus"
	"github.com/loopkeep/loopkeep/internal/store"
	"github.com/loopkeep/loopkeep/internal/telemetry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "loopkeep.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func issueTestCommand(t *testing.T, bus *commandbus.Bus, commandType string) string {
	t.Helper()
	id, err := bus.Issue(context.Background(), commandbus.IssueParams{
		AccountID:   "acct-1",
		CommandType: commandType,
		Payload:     `{"to":"member@example.com"}`,
		IssuedBy:    "retention",
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return id
}

func TestProcessNext_Success(t *testing.T) {
	st := openTestStore(t)
	clock := &fakeClock{now: time.Now().UTC()}
	bus := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: func(ctx context.Context, cmd store.Command) (string, error) {
				return "provider-msg-42", nil
			},
		},
		Now: clock.Now,
	})

	id := issueTestCommand(t, bus, commandbus.CommandSendEmail)

	res, err := bus.ProcessNext(context.Background(), 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	cmd, err := st.GetCommand(context.Background(), id)
	if err != nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != store.CommandStatusSucceeded {
		t.Fatalf("expected succeeded, got %q", cmd.Status)
	}
	if cmd.Result != "provider-msg-42" {
		t.Fatalf("expected stored result, got %q", cmd.Result)
	}
	if cmd.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", cmd.Attempts)
	}
	if cmd.CompletedAt == nil {
		t.Fatal("completed_at must be set")
	}
}

func TestProcessNext_RetryBackoffThenDead(t *testing.T) {
	st := openTestStore(t)
	clock := &fakeClock{now: time.Now().UTC()}
	bus := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: func(ctx context.Context, cmd store.Command) (string, error) {
				return "", errors.New("provider 500")
			},
		},
		Now: clock.Now,
	})
	ctx := context.Background()

	id := issueTestCommand(t, bus, commandbus.CommandSendEmail)

	// First failure: retry 2 minutes out, within the jitter window.
	if _, err := bus.ProcessNext(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	cmd, err := st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.CommandStatusFailed || cmd.Attempts != 1 {
		t.Fatalf("after first failure: %+v", cmd)
	}
	delay := cmd.NextAttemptAt.Sub(clock.now)
	if delay < 90*time.Second || delay > 210*time.Second {
		t.Fatalf("first retry delay %v outside 1.5m-3.5m window", delay)
	}

	// Not due yet: nothing to claim.
	if res, _ := bus.ProcessNext(ctx, 10); res.Processed != 0 || res.Failed != 0 {
		t.Fatal("command executed before its retry time")
	}

	// Second failure: retry 10 minutes out.
	clock.Advance(4 * time.Minute)
	if _, err := bus.ProcessNext(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	cmd, err = st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.CommandStatusFailed || cmd.Attempts != 2 {
		t.Fatalf("after second failure: %+v", cmd)
	}
	delay = cmd.NextAttemptAt.Sub(clock.now)
	if delay < 8*time.Minute || delay > 13*time.Minute {
		t.Fatalf("second retry delay %v outside 8m-13m window", delay)
	}
	if cmd.LastError != "provider 500" {
		t.Fatalf("expected last error recorded, got %q", cmd.LastError)
	}

	// Third failure exhausts max_attempts=3: dead-letter.
	clock.Advance(15 * time.Minute)
	if _, err := bus.ProcessNext(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	cmd, err = st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.CommandStatusDead {
		t.Fatalf("expected dead after exhausting retries, got %q", cmd.Status)
	}
	if cmd.Attempts != cmd.MaxAttempts {
		t.Fatalf("attempts %d must equal max_attempts %d at dead-letter", cmd.Attempts, cmd.MaxAttempts)
	}

	// Dead commands never run again.
	clock.Advance(24 * time.Hour)
	if res, _ := bus.ProcessNext(ctx, 10); res.Processed != 0 || res.Failed != 0 {
		t.Fatal("dead command was claimed again")
	}
}

func TestProcessNext_UnknownTypeDeadLettersWithoutAttempt(t *testing.T) {
	st := openTestStore(t)
	clock := &fakeClock{now: time.Now().UTC()}
	bus := commandbus.New(commandbus.Config{
		Store:     st,
		Executors: map[string]commandbus.Executor{},
		Now:       clock.Now,
	})
	ctx := context.Background()

	id := issueTestCommand(t, bus, "launch_rockets")

	res, err := bus.ProcessNext(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("expected 1 failure, got %+v", res)
	}

	cmd, err := st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.CommandStatusDead {
		t.Fatalf("expected immediate dead-letter, got %q", cmd.Status)
	}
	if cmd.Attempts != 0 {
		t.Fatalf("unknown type must not count an attempt, got %d", cmd.Attempts)
	}
	if cmd.LastError == "" {
		t.Fatal("expected last_error to name the missing executor")
	}
}

func TestProcessNext_ExecutorTimeout(t *testing.T) {
	st := openTestStore(t)
	clock := &fakeClock{now: time.Now().UTC()}
	bus := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: func(ctx context.Context, cmd store.Command) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			},
		},
		ExecTimeout: 50 * time.Millisecond,
		Now:         clock.Now,
	})
	ctx := context.Background()

	id := issueTestCommand(t, bus, commandbus.CommandSendEmail)

	if _, err := bus.ProcessNext(ctx, 10); err != nil {
		t.Fatalf("process: %v", err)
	}
	cmd, err := st.GetCommand(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if cmd.Status != store.CommandStatusFailed {
		t.Fatalf("expected timeout to schedule a retry, got %q", cmd.Status)
	}
}

func TestProcessNext_DurationMetricIsWallClock(t *testing.T) {
	st := openTestStore(t)
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("loopkeep-test")
	metrics, err := telemetry.NewMetrics(meter)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}

	// A clock a day ahead of wall time must not leak into the duration
	// histogram: execution timing is measured against real elapsed time.
	clock := &fakeClock{now: time.Now().UTC().Add(24 * time.Hour)}
	bus := commandbus.New(commandbus.Config{
		Store: st,
		Executors: map[string]commandbus.Executor{
			commandbus.CommandSendEmail: func(ctx context.Context, cmd store.Command) (string, error) {
				return "ok", nil
			},
		},
		Metrics: metrics,
		Now:     clock.Now,
	})
	ctx := context.Background()

	issueTestCommand(t, bus, commandbus.CommandSendEmail)
	res, err := bus.ProcessNext(ctx, 10)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Processed != 1 {
		t.Fatalf("expected 1 processed, got %+v", res)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	var hist *metricdata.Histogram[float64]
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "loopkeep.command.duration" {
				h := m.Data.(metricdata.Histogram[float64])
				hist = &h
			}
		}
	}
	if hist == nil || len(hist.DataPoints) == 0 {
		t.Fatal("no command duration recorded")
	}
	for _, dp := range hist.DataPoints {
		if dp.Sum < 0 || dp.Sum > 60 {
			t.Fatalf("duration off wall clock: sum=%f seconds", dp.Sum)
		}
	}
}
