package appsec

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// spyEngine records every run and answers with a canned result.
type spyEngine struct {
	mu         sync.Mutex
	calls      int
	persistent []Data
	ephemeral  []Data
	deadlines  []bool
	result     Result
	err        error
	wait       bool
}

func (s *spyEngine) Run(ctx context.Context, persistent, ephemeral Data) (Result, error) {
	s.mu.Lock()
	s.calls++
	s.persistent = append(s.persistent, persistent)
	s.ephemeral = append(s.ephemeral, ephemeral)
	_, ok := ctx.Deadline()
	s.deadlines = append(s.deadlines, ok)
	s.mu.Unlock()

	if s.wait {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	return s.result, s.err
}

func (s *spyEngine) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func blockingResult() Result {
	return Result{
		Matched: true,
		Events:  []Event{{RuleID: "rule-1"}},
		Actions: map[ActionID]Parameters{ActionBlockRequest: {"status_code": 403}},
	}
}

func TestContext_RunWAFPassesDeadline(t *testing.T) {
	spy := &spyEngine{}
	c := NewContext(context.Background(), spy, Config{})

	res := c.RunWAF(Data{"a": 1}, Data{}, 0)

	assert.False(t, res.Matched)
	require.Equal(t, 1, spy.Calls())
	assert.True(t, spy.deadlines[0], "rule engine must run under a deadline")
	assert.Equal(t, Data{"a": 1}, spy.persistent[0])
}

func TestContext_TimeoutFailsOpen(t *testing.T) {
	tests := []struct {
		name string
		spy  *spyEngine
	}{
		{name: "timed out result", spy: &spyEngine{result: Result{Matched: true, TimedOut: true, Actions: blockingResult().Actions}}},
		{name: "timeout error", spy: &spyEngine{err: ErrTimeout}},
		{name: "deadline exceeded", spy: &spyEngine{wait: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewContext(context.Background(), tt.spy, Config{WAFTimeout: time.Millisecond})

			res := c.RunWAF(Data{}, Data{}, 0)

			assert.True(t, res.TimedOut)
			assert.False(t, res.Matched)
			assert.Empty(t, res.Actions)
			assert.False(t, c.Blocked())
			assert.Empty(t, c.Results())
		})
	}
}

func TestContext_EngineErrorFailsOpen(t *testing.T) {
	spy := &spyEngine{err: errors.New("engine crashed")}
	c := NewContext(context.Background(), spy, Config{}, WithLogger(zap.NewNop()))

	res := c.RunWAF(Data{}, Data{}, 0)

	assert.False(t, res.Matched)
	assert.False(t, res.TimedOut)
	assert.False(t, c.Blocked())
}

func TestContext_MatchWithoutActionsDoesNotBlock(t *testing.T) {
	spy := &spyEngine{result: Result{Matched: true, Events: []Event{{RuleID: "monitor"}}}}
	c := NewContext(context.Background(), spy, Config{})

	res := c.RunWAF(Data{}, Data{}, 0)

	assert.True(t, res.Matched)
	assert.False(t, c.Blocked())
	assert.Equal(t, []Event{{RuleID: "monitor"}}, c.Events())

	c.RunWAF(Data{}, Data{}, 0)
	assert.Equal(t, 2, spy.Calls())
	assert.Len(t, c.Results(), 2)
}

func TestContext_BlockStopsFurtherRuns(t *testing.T) {
	spy := &spyEngine{result: blockingResult()}
	c := NewContext(context.Background(), spy, Config{})

	res := c.RunWAF(Data{}, Data{}, 0)
	require.True(t, res.Blocking())
	assert.True(t, c.Blocked())

	for i := 0; i < 3; i++ {
		assert.False(t, c.RunWAF(Data{}, Data{}, 0).Matched)
	}
	assert.Equal(t, 1, spy.Calls())
}

func TestContext_BlockShortCircuitsPublish(t *testing.T) {
	spy := &spyEngine{result: blockingResult()}
	c := NewContext(context.Background(), spy, Config{})

	var matches []Result
	c.SubscribeAll(func(r Result) { matches = append(matches, r) })

	blocked := c.SetUser(User{ID: "mallory"})
	require.True(t, blocked)
	assert.True(t, c.Blocked())

	assert.True(t, PublishRequest(c.Reactive(), testRequest()))
	assert.True(t, PublishResponse(c.Reactive(), &Response{Status: 200}))

	assert.Equal(t, 1, spy.Calls())
	assert.Len(t, matches, 1)
}

func TestContext_CloseStopsRuns(t *testing.T) {
	spy := &spyEngine{}
	m := NewMetrics("test")
	c := NewContext(context.Background(), spy, Config{}, WithMetrics(m))

	c.Close()
	c.Close()
	c.RunWAF(Data{}, Data{}, 0)

	assert.Equal(t, 0, spy.Calls())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transactions.WithLabelValues("false")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.wafRuns.WithLabelValues(OutcomeSkipped)))
}

func TestContext_NilEngine(t *testing.T) {
	c := NewContext(nil, nil, Config{})
	assert.False(t, c.RunWAF(Data{}, Data{}, 0).Matched)
	assert.NotEmpty(t, c.ID())
	assert.Equal(t, DefaultWAFTimeout, c.Config().WAFTimeout)
}

func TestContext_FromContext(t *testing.T) {
	c := NewContext(context.Background(), nil, Config{})

	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	got, ok := FromContext(ContextWith(context.Background(), c))
	require.True(t, ok)
	assert.Same(t, c, got)
}

func TestMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics("caddy")
	require.NoError(t, first.Register(reg))

	second := NewMetrics("caddy")
	require.NoError(t, second.Register(reg))

	second.observeRun(OutcomeMatch, Result{})
	assert.Equal(t, float64(1), testutil.ToFloat64(first.wafRuns.WithLabelValues(OutcomeMatch)))

	var nilMetrics *Metrics
	assert.NoError(t, nilMetrics.Register(reg))
	assert.NotPanics(t, func() { nilMetrics.observeTransaction(true) })
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "zero value", cfg: Config{}},
		{name: "anonymization", cfg: Config{UserEventsMode: ModeAnonymization}},
		{name: "negative timeout", cfg: Config{WAFTimeout: -time.Second}, wantErr: true},
		{name: "unknown mode", cfg: Config{UserEventsMode: "extended"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResult_StatusCode(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want int
	}{
		{name: "no actions", res: Result{}, want: 403},
		{name: "int", res: blockingResult(), want: 403},
		{name: "float from json", res: Result{Actions: map[ActionID]Parameters{ActionBlockRequest: {"status_code": float64(429)}}}, want: 429},
		{name: "redirect", res: Result{Actions: map[ActionID]Parameters{ActionRedirect: {"status_code": int64(302)}}}, want: 302},
		{name: "missing code", res: Result{Actions: map[ActionID]Parameters{ActionBlockRequest: {}}}, want: 403},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.StatusCode(403))
		})
	}
}
