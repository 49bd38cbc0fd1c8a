package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeterm/marketdata/internal/adapters"
)

type fakeClient struct {
	mu         sync.Mutex
	calls      []int
	inputs     map[int]json.RawMessage
	accts      []*adapters.Account
	errs       map[int]error
	stallFirst bool
	stall      chan struct{}
	acct       *adapters.Account
	acctErr    error
	positions  []adapters.Position
	posErr     error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		inputs:    make(map[int]json.RawMessage),
		errs:      make(map[int]error),
		acct:      &adapters.Account{ID: "SIM-001", BuyingPower: 25000},
		positions: []adapters.Position{{Symbol: "SPY", Quantity: 100, AvgCost: 505.10}},
	}
}

func (f *fakeClient) RunStage(ctx context.Context, step int, input json.RawMessage, acct *adapters.Account) (json.RawMessage, int64, error) {
	f.mu.Lock()
	f.calls = append(f.calls, step)
	f.inputs[step] = input
	f.accts = append(f.accts, acct)
	isFirst := len(f.calls) == 1
	stall := f.stall
	stallFirst := f.stallFirst
	err := f.errs[step]
	f.mu.Unlock()

	if stallFirst && isFirst && stall != nil {
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-stall:
		}
	}
	if err != nil {
		return nil, 0, err
	}
	return json.RawMessage(fmt.Sprintf(`{"stage":%d}`, step)), 7, nil
}

func (f *fakeClient) AccountInfo(ctx context.Context) (*adapters.Account, error) {
	if f.acctErr != nil {
		return nil, f.acctErr
	}
	if f.acct == nil {
		return nil, nil
	}
	acct := *f.acct
	return &acct, nil
}

func (f *fakeClient) OpenPositions(ctx context.Context) ([]adapters.Position, error) {
	if f.posErr != nil {
		return nil, f.posErr
	}
	return f.positions, nil
}

func (f *fakeClient) stages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type resultRecorder struct {
	mu      sync.Mutex
	results []StageResult
}

func (r *resultRecorder) record(sr StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, sr)
}

func (r *resultRecorder) snapshot() []StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StageResult(nil), r.results...)
}

func TestRunExecutesStagesInOrder(t *testing.T) {
	client := newFakeClient()
	orch := New(client)

	rec := &resultRecorder{}
	orch.OnResult(rec.record)

	final, err := orch.Run(context.Background(), json.RawMessage(`{"symbol":"SPY"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":4}`, string(final))

	assert.Equal(t, []int{1, 2, 3, 4}, client.stages())

	// Each stage consumes the previous stage's output.
	assert.JSONEq(t, `{"symbol":"SPY"}`, string(client.inputs[1]))
	assert.JSONEq(t, `{"stage":1}`, string(client.inputs[2]))
	assert.JSONEq(t, `{"stage":2}`, string(client.inputs[3]))
	assert.JSONEq(t, `{"stage":3}`, string(client.inputs[4]))

	results := rec.snapshot()
	require.Len(t, results, 4)
	wantNames := []string{"market-regime", "direction", "strikes", "position-size"}
	for i, sr := range results {
		assert.Equal(t, 1, sr.V)
		assert.Equal(t, i+1, sr.StepNumber)
		assert.Equal(t, wantNames[i], sr.StepName)
		assert.Equal(t, results[0].RunID, sr.RunID)
		assert.NotEmpty(t, sr.RunID)
		assert.Equal(t, int64(7), sr.DurationMs, "service-reported duration lost")
	}
}

func TestAccountContextPassedToStages(t *testing.T) {
	client := newFakeClient()
	orch := New(client)

	_, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Len(t, client.accts, 4)
	for _, acct := range client.accts {
		require.NotNil(t, acct)
		assert.Equal(t, "SIM-001", acct.ID)
		require.Len(t, acct.Positions, 1)
		assert.Equal(t, "SPY", acct.Positions[0].Symbol)
	}
}

func TestPositionsFailureDoesNotAbortRun(t *testing.T) {
	client := newFakeClient()
	client.posErr = errors.New("positions endpoint down")
	orch := New(client)

	final, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":4}`, string(final))
	for _, acct := range client.accts {
		require.NotNil(t, acct)
		assert.Empty(t, acct.Positions)
	}
}

func TestAccountFailureDoesNotAbortRun(t *testing.T) {
	client := newFakeClient()
	client.acctErr = errors.New("broker session expired")
	orch := New(client)

	final, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":4}`, string(final))
	for _, acct := range client.accts {
		assert.Nil(t, acct)
	}
}

func TestStatusTracksRunLifecycle(t *testing.T) {
	client := newFakeClient()
	orch := New(client)

	st := orch.Status()
	assert.Equal(t, RunIdle, st.State)
	assert.Empty(t, st.RunID)
	assert.Empty(t, st.CompletedStages)

	_, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)

	st = orch.Status()
	assert.Equal(t, RunComplete, st.State)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, []Stage{StageMarketRegime, StageDirection, StageStrikes, StagePositionSize},
		st.CompletedStages)
	assert.False(t, st.Cancelled)
}

func TestStatusReportsFailedRun(t *testing.T) {
	client := newFakeClient()
	client.errs[2] = errors.New("direction model unavailable")
	orch := New(client)

	_, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)

	st := orch.Status()
	assert.Equal(t, RunFailed, st.State)
	assert.Equal(t, []Stage{StageMarketRegime}, st.CompletedStages)
	assert.False(t, st.Cancelled)
}

func TestStageFailureAbortsAndNamesStage(t *testing.T) {
	client := newFakeClient()
	client.errs[2] = errors.New("direction model unavailable")
	orch := New(client)

	rec := &resultRecorder{}
	orch.OnResult(rec.record)

	final, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	assert.Nil(t, final)
	require.Error(t, err)

	var se *StageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, StageDirection, se.Stage)
	assert.Equal(t, "direction", se.Name)
	assert.ErrorContains(t, err, "direction model unavailable")

	// Later stages never started; only stage 1 published.
	assert.Equal(t, []int{1, 2}, client.stages())
	results := rec.snapshot()
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].StepNumber)
}

func TestSecondRunSupersedesFirst(t *testing.T) {
	client := newFakeClient()
	client.stallFirst = true
	client.stall = make(chan struct{})
	defer close(client.stall)
	orch := New(client)

	rec := &resultRecorder{}
	orch.OnResult(rec.record)

	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), json.RawMessage(`{"run":"first"}`))
		firstDone <- err
	}()

	// Wait for the first run to be inside stage 1.
	require.Eventually(t, func() bool { return len(client.stages()) == 1 },
		2*time.Second, 5*time.Millisecond)

	final, err := orch.Run(context.Background(), json.RawMessage(`{"run":"second"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"stage":4}`, string(final))

	// The superseded run finishes without error and publishes nothing.
	select {
	case err := <-firstDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded run never returned")
	}

	results := rec.snapshot()
	require.Len(t, results, 4)
	runID := results[0].RunID
	for _, sr := range results {
		assert.Equal(t, runID, sr.RunID, "result leaked from superseded run")
	}
}

func TestCancelAbortsQuietly(t *testing.T) {
	client := newFakeClient()
	client.stallFirst = true
	client.stall = make(chan struct{})
	defer close(client.stall)
	orch := New(client)

	rec := &resultRecorder{}
	orch.OnResult(rec.record)

	done := make(chan error, 1)
	go func() {
		_, err := orch.Run(context.Background(), json.RawMessage(`{}`))
		done <- err
	}()

	require.Eventually(t, func() bool { return len(client.stages()) == 1 },
		2*time.Second, 5*time.Millisecond)
	orch.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run never returned")
	}
	assert.Empty(t, rec.snapshot())

	st := orch.Status()
	assert.Equal(t, RunAborted, st.State)
	assert.True(t, st.Cancelled)
	assert.Empty(t, st.CompletedStages)
}

func TestOnResultDisposerStopsDelivery(t *testing.T) {
	client := newFakeClient()
	orch := New(client)

	rec := &resultRecorder{}
	unsub := orch.OnResult(rec.record)
	unsub()
	unsub()

	_, err := orch.Run(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Empty(t, rec.snapshot())
}
