package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"accord/api/internal/store"
)

const (
	testDelay    = 30 * time.Second
	testInterval = 60 * time.Second
)

func TestScheduleCoalescesIntoOnePush(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local", store.StatusPending)}})
	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	defer sched.Close()

	sched.Schedule()
	assert.True(t, f.engine.PendingAutoSync())
	mock.Add(20 * time.Second)
	sched.Schedule()
	mock.Add(20 * time.Second)
	sched.Schedule()

	mock.Add(29 * time.Second)
	_, updates := f.remote.counts()
	assert.Zero(t, updates, "timer restarts on every schedule")
	assert.True(t, sched.Pending())

	mock.Add(time.Second)
	_, updates = f.remote.counts()
	assert.Equal(t, 1, updates)
	assert.False(t, sched.Pending())
	assert.False(t, f.engine.PendingAutoSync())
	assert.Equal(t, f.remote.headSHA(), f.engine.Status().LastPushSHA)

	meta, ok, err := f.persist.LoadSyncState(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, meta.PendingAutoSync)
}

func TestManualPushCancelsPendingTimer(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	defer sched.Close()

	sched.Schedule()
	require.NoError(t, f.engine.Push(context.Background(), false))
	assert.False(t, sched.Pending())

	mock.Add(testDelay)
	_, updates := f.remote.counts()
	assert.Equal(t, 1, updates)
}

func TestFailedAutoPushClearsPending(t *testing.T) {
	f := newFixture(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_1", "Local", store.StatusPending)}})
	f.remote.mu.Lock()
	f.remote.failHead = errOffline
	f.remote.mu.Unlock()
	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	defer sched.Close()

	sched.Schedule()
	mock.Add(testDelay)

	assert.False(t, sched.Pending())
	assert.False(t, f.engine.PendingAutoSync())
	assert.False(t, f.engine.Status().PendingAutoSync)
	meta, ok, err := f.persist.LoadSyncState(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, meta.PendingAutoSync)

	f.remote.mu.Lock()
	f.remote.failHead = nil
	f.remote.mu.Unlock()
	sched.Schedule()
	assert.True(t, f.engine.PendingAutoSync())
	mock.Add(testDelay)
	_, updates := f.remote.counts()
	assert.Equal(t, 1, updates)
	assert.False(t, f.engine.PendingAutoSync())
}

func TestCancelStopsPendingPush(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	defer sched.Close()

	sched.Schedule()
	sched.Cancel()
	mock.Add(2 * testDelay)

	_, updates := f.remote.counts()
	assert.Zero(t, updates)
}

func TestWatchdogPullsTeammateChanges(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	_, err := f.engine.PullAndMerge(context.Background(), true)
	require.NoError(t, err)

	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	sched.Start(context.Background())
	defer sched.Close()

	f.remote.teammatePush(t, store.Snapshot{Suggestions: []store.Suggestion{suggestion("sug_2", "Remote", store.StatusApproved)}})

	require.Eventually(t, func() bool {
		mock.Add(testInterval)
		return len(f.state.Snapshot().Suggestions) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, f.remote.headSHA(), f.engine.Status().HeadSHA)
}

func TestWatchdogSkipsWhileBusy(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	_, err := f.engine.PullAndMerge(context.Background(), true)
	require.NoError(t, err)
	before, _ := f.remote.counts()

	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)

	f.engine.syncMu.Lock()
	sched.Start(context.Background())
	for i := 0; i < 5; i++ {
		mock.Add(testInterval)
	}
	sched.Close()
	f.engine.syncMu.Unlock()

	after, _ := f.remote.counts()
	assert.Equal(t, before, after)
}

func TestStartResumesPendingPush(t *testing.T) {
	f := newFixture(t, store.Snapshot{})
	f.engine.setPending(context.Background(), true)

	mock := clock.NewMock()
	sched := NewScheduler(f.engine, mock, testDelay, testInterval, nil)
	sched.Start(context.Background())
	defer sched.Close()

	assert.True(t, sched.Pending())
	mock.Add(testDelay)
	_, updates := f.remote.counts()
	assert.Equal(t, 1, updates)
}
