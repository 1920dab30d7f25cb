package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPricing(t *testing.T) {
	pricing := DefaultPricing()
	assert.Contains(t, pricing, "anthropic/claude-sonnet-4.5")
	for model, p := range pricing {
		assert.Positive(t, p.InputPerMillion, model)
		assert.Positive(t, p.OutputPerMillion, model)
	}
}

func TestRecordCloudCall(t *testing.T) {
	tr := NewTracker(nil)
	cost := tr.RecordCloudCall("analyze-form", "deepseek-chat", 1000, 500)
	assert.InDelta(t, (1000.0*0.27+500.0*1.10)/1_000_000, cost, 1e-12)

	assert.Zero(t, tr.RecordCloudCall("ask", "unknown-model-xyz", 1000, 500))
	assert.Positive(t, tr.RecordCloudCall("ask", "gpt-4o-2024-08-06", 1000, 0), "prefix match")

	s := tr.Snapshot()
	assert.Equal(t, 3, s.CloudCalls)
	assert.Greater(t, s.CloudCost, cost)
}

func TestRecordCloudCall_Overrides(t *testing.T) {
	tr := NewTracker(map[string]ModelPricing{"my-model": {InputPerMillion: 10, OutputPerMillion: 20}})
	assert.InDelta(t, 20.0, tr.RecordCloudCall("ask", "my-model", 1_000_000, 500_000), 1e-9)
}

func TestRecordRequest(t *testing.T) {
	tr := NewTracker(nil)
	tr.RecordRequest(PathOnDevice, 100*time.Millisecond, false, false)
	tr.RecordRequest(PathCloud, 300*time.Millisecond, false, true)
	tr.RecordRequest(PathCache, 0, false, false)
	tr.RecordRequest(PathOnDevice, 200*time.Millisecond, true, false)
	tr.RecordStreaming()
	tr.RecordParallel(3)

	s := tr.Snapshot()
	assert.Equal(t, 4, s.TotalRequests)
	assert.Equal(t, 1, s.CacheHits)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.Fallbacks)
	assert.Equal(t, 1, s.StreamingOperations)
	assert.Equal(t, 3, s.ParallelOperations)
	assert.Equal(t, 150*time.Millisecond, s.AverageResponseTime)
	assert.Equal(t, 2, s.ByPath[PathOnDevice])
	assert.InDelta(t, 0.25, s.CacheHitRate(), 1e-9)
}

func TestTrackerConcurrent(t *testing.T) {
	tr := NewTracker(nil)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordRequest(PathOnDevice, time.Millisecond, false, false)
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, tr.Snapshot().TotalRequests)
}

func TestSummary(t *testing.T) {
	tr := NewTracker(nil)
	assert.Equal(t, "No requests recorded.", tr.Summary())

	tr.RecordRequest(PathCloud, time.Second, false, true)
	tr.RecordCloudCall("ask", "anthropic/claude-sonnet-4.5", 1000, 1000)
	got := tr.Summary()
	assert.Contains(t, got, "Requests: 1 (failed 0, fallback 1)")
	assert.Contains(t, got, "cloud")
	assert.Contains(t, got, "Cloud: 1 calls, $0.02")
}

func TestFormatCost(t *testing.T) {
	assert.Equal(t, "$0.0050", FormatCost(0.005))
	assert.Equal(t, "$1.25", FormatCost(1.25))
}
