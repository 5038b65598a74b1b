package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbgraph.io/core/kvstore"
)

func newTestBroker(t *testing.T) (*Broker, *MockAMQPChannel) {
	dialer, channel := NewMockAMQPDialer()
	broker, err := NewBroker("amqp://test", "cmdb.jobs.test", dialer, kvstore.NewMemoryStore())
	require.NoError(t, err)
	return broker, channel
}

func TestSubmitAssignsPriorityByScale(t *testing.T) {
	broker, channel := newTestBroker(t)

	small, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), small.Priority)

	large, err := broker.Submit(context.Background(), ScaleLarge, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(5), large.Priority)

	enterprise, err := broker.Submit(context.Background(), ScaleEnterprise, nil)
	require.NoError(t, err)
	assert.Equal(t, uint8(10), enterprise.Priority)

	assert.Len(t, channel.PublishedMessages, 3)
}

func TestSubmitUnknownScaleFails(t *testing.T) {
	broker, _ := newTestBroker(t)
	_, err := broker.Submit(context.Background(), Scale("bogus"), nil)
	assert.Error(t, err)
}

func TestSubmitWritesInitialQueuedProgress(t *testing.T) {
	broker, _ := newTestBroker(t)
	job, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)

	progress, found, err := broker.GetProgress(context.Background(), job.JobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StageQueued, progress.Stage)
	assert.Equal(t, 0.0, progress.Percentage)
}

func TestCancelSetsFlag(t *testing.T) {
	broker, _ := newTestBroker(t)
	job, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)

	cancelled, err := broker.IsCancelled(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.False(t, cancelled)

	require.NoError(t, broker.Cancel(context.Background(), job.JobID))

	cancelled, err = broker.IsCancelled(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestRetentionCapsCompletedAndFailed(t *testing.T) {
	broker, _ := newTestBroker(t)

	for i := 0; i < retentionCompleted+5; i++ {
		job := &Job{JobID: "c", UpdatedAt: time.Now()}
		broker.recordTerminal(job, StateCompleted)
	}
	for i := 0; i < retentionFailed+5; i++ {
		job := &Job{JobID: "f", UpdatedAt: time.Now()}
		broker.recordTerminal(job, StateFailed)
	}

	completed, failed := broker.History()
	assert.Len(t, completed, retentionCompleted)
	assert.Len(t, failed, retentionFailed)
}

func TestReapHistoryDropsOldEntries(t *testing.T) {
	broker, _ := newTestBroker(t)
	old := &Job{JobID: "old", UpdatedAt: time.Now().Add(-48 * time.Hour)}
	broker.recordTerminal(old, StateCompleted)

	broker.ReapHistory()

	completed, _ := broker.History()
	assert.Empty(t, completed)
}

func TestApplyOverridesChangesPresetFields(t *testing.T) {
	preset := Presets[ScaleSmall]
	applyOverrides(&preset, map[string]any{"totalCIs": float64(42)})
	assert.Equal(t, 42, preset.TotalCIs)
}

func TestRetryDelayDoublesEachAttempt(t *testing.T) {
	assert.Equal(t, 5*time.Second, retryDelay(1))
	assert.Equal(t, 10*time.Second, retryDelay(2))
	assert.Equal(t, 20*time.Second, retryDelay(3))
}

func TestJobsIncludesQueuedAndHistory(t *testing.T) {
	broker, _ := newTestBroker(t)
	queued, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)

	done := &Job{JobID: "done"}
	broker.recordTerminal(done, StateCompleted)

	jobs := broker.Jobs()
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.JobID)
	}
	assert.Contains(t, ids, queued.JobID)
	assert.Contains(t, ids, "done")
}

func TestSetStateMovesJobToActive(t *testing.T) {
	broker, _ := newTestBroker(t)
	job, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)

	broker.SetState(job.JobID, StateActive)

	stats := broker.QueueStats()
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 0, stats.Queued)
}

func TestQueueStatsCountsCompletedAndFailed(t *testing.T) {
	broker, _ := newTestBroker(t)
	broker.recordTerminal(&Job{JobID: "c1"}, StateCompleted)
	broker.recordTerminal(&Job{JobID: "f1"}, StateFailed)

	stats := broker.QueueStats()
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
}

func TestRecordTerminalRemovesFromActiveRegistry(t *testing.T) {
	broker, _ := newTestBroker(t)
	job, err := broker.Submit(context.Background(), ScaleSmall, nil)
	require.NoError(t, err)

	broker.recordTerminal(job, StateCompleted)

	stats := broker.QueueStats()
	assert.Equal(t, 0, stats.Queued)
	assert.Equal(t, 0, stats.Active)
}
