package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

// value reads one counter or gauge sample from the registry. labels are
// name/value pairs.
func value(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			got := map[string]string{}
			for _, lp := range m.GetLabel() {
				got[lp.GetName()] = lp.GetValue()
			}
			for i := 0; i+1 < len(labels); i += 2 {
				if got[labels[i]] != labels[i+1] {
					continue metrics
				}
			}
			if m.GetCounter() != nil {
				return m.GetCounter().GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector.agentsDispatched, "agentsDispatched counter should be initialized")
	assert.NotNil(t, collector.agentsCompleted, "agentsCompleted counter should be initialized")
	assert.NotNil(t, collector.agentsFailed, "agentsFailed counter should be initialized")
	assert.NotNil(t, collector.itemsDead, "itemsDead counter should be initialized")
	assert.NotNil(t, collector.agentDuration, "agentDuration histogram should be initialized")
	assert.NotNil(t, collector.resumeTime, "resumeTime gauge should be initialized")
	assert.NotNil(t, collector.checkpointsSaved, "checkpointsSaved counter should be initialized")
}

func TestNewCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestRecordResult(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordDispatch(4)
	collector.RecordResult(types.AgentResult{Success: true, Duration: time.Second})
	collector.RecordResult(types.AgentResult{Success: true, Duration: 2 * time.Second})
	collector.RecordResult(types.AgentResult{ErrorKind: types.ErrorTimeout})
	collector.RecordResult(types.AgentResult{})

	assert.Equal(t, 4.0, value(t, reg, "beaver_agents_dispatched_total"))
	assert.Equal(t, 2.0, value(t, reg, "beaver_agents_completed_total"))
	assert.Equal(t, 1.0, value(t, reg, "beaver_agents_failed_total", "kind", "timeout"))
	assert.Equal(t, 1.0, value(t, reg, "beaver_agents_failed_total", "kind", "unknown"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var observed uint64
	for _, mf := range families {
		if mf.GetName() == "beaver_agent_duration_seconds" {
			observed = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	assert.Equal(t, uint64(4), observed)
}

func TestRecordCheckpointAndDLQ(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.RecordCheckpoint(nil)
	collector.RecordCheckpoint(nil)
	collector.RecordCheckpoint(errors.New("disk full"))
	collector.RecordDead()
	collector.RecordReprocess(3, 1)

	assert.Equal(t, 2.0, value(t, reg, "beaver_checkpoints_saved_total"))
	assert.Equal(t, 1.0, value(t, reg, "beaver_checkpoint_failures_total"))
	assert.Equal(t, 1.0, value(t, reg, "beaver_items_dead_total"))
	assert.Equal(t, 3.0, value(t, reg, "beaver_dlq_reprocessed_total", "outcome", "success"))
	assert.Equal(t, 1.0, value(t, reg, "beaver_dlq_reprocessed_total", "outcome", "failure"))
}

func TestGauges(t *testing.T) {
	collector, reg := newTestCollector(t)

	collector.SetResumeTime(1.5)
	collector.UpdateProgress(7, 2)

	assert.Equal(t, 1.5, value(t, reg, "beaver_resume_time_seconds"))
	assert.Equal(t, 7.0, value(t, reg, "beaver_items_pending"))
	assert.Equal(t, 2.0, value(t, reg, "beaver_items_in_flight"))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordDispatch(1)
		collector.RecordResult(types.AgentResult{Success: true})
		collector.RecordDead()
		collector.RecordCheckpoint(nil)
		collector.RecordReprocess(1, 1)
		collector.SetResumeTime(1)
		collector.UpdateProgress(1, 1)
	})
}

func TestHandler(t *testing.T) {
	collector, reg := newTestCollector(t)
	collector.RecordDispatch(2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "beaver_agents_dispatched_total 2")
}
