// Package metrics provides simple built-in metrics collection for a
// client socket with no external dependencies.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters for one socket lifetime.
type Collector struct {
	clientMetrics  *ClientMetrics
	customCounters map[string]*int64
	mu             sync.RWMutex
	startTime      time.Time
}

// ClientMetrics tracks client-level performance data.
type ClientMetrics struct {
	// View lifecycle
	ViewsJoined        int64 `json:"views_joined"`
	ViewsDestroyed     int64 `json:"views_destroyed"`
	ActiveViews        int64 `json:"active_views"`
	MaxConcurrentViews int64 `json:"max_concurrent_views"`
	JoinFailures       int64 `json:"join_failures"`

	// Diff application
	DiffsApplied   int64 `json:"diffs_applied"`
	DiffsBuffered  int64 `json:"diffs_buffered"`
	DiffsReplayed  int64 `json:"diffs_replayed"`
	PatchErrors    int64 `json:"patch_errors"`
	NodesAdded     int64 `json:"nodes_added"`
	NodesUpdated   int64 `json:"nodes_updated"`
	NodesDiscarded int64 `json:"nodes_discarded"`

	// Event pushes
	EventsPushed     int64 `json:"events_pushed"`
	RepliesOK        int64 `json:"replies_ok"`
	RepliesError     int64 `json:"replies_error"`
	RepliesTimeout   int64 `json:"replies_timeout"`
	PushLatencyTotal int64 `json:"push_latency_total_ns"`

	// Uploads
	UploadsStarted   int64 `json:"uploads_started"`
	UploadsCompleted int64 `json:"uploads_completed"`
	UploadsFailed    int64 `json:"uploads_failed"`
	UploadBytes      int64 `json:"upload_bytes"`

	// Transport
	FramesSent     int64 `json:"frames_sent"`
	FramesReceived int64 `json:"frames_received"`
	Disconnects    int64 `json:"disconnects"`
	Reconnects     int64 `json:"reconnects"`

	// Navigation
	NavigationsCommitted  int64 `json:"navigations_committed"`
	NavigationsSuperseded int64 `json:"navigations_superseded"`
	FallbackLoads         int64 `json:"fallback_loads"`

	// Hooks
	HooksMounted   int64 `json:"hooks_mounted"`
	HooksDestroyed int64 `json:"hooks_destroyed"`

	// Uptime
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	now := time.Now()
	return &Collector{
		clientMetrics:  &ClientMetrics{StartTime: now},
		customCounters: make(map[string]*int64),
		startTime:      now,
	}
}

// IncrementViewJoined records a successful view join.
func (c *Collector) IncrementViewJoined() {
	atomic.AddInt64(&c.clientMetrics.ViewsJoined, 1)
	currentActive := atomic.AddInt64(&c.clientMetrics.ActiveViews, 1)

	for {
		max := atomic.LoadInt64(&c.clientMetrics.MaxConcurrentViews)
		if currentActive <= max {
			break
		}
		if atomic.CompareAndSwapInt64(&c.clientMetrics.MaxConcurrentViews, max, currentActive) {
			break
		}
	}
}

// IncrementViewDestroyed records a view teardown.
func (c *Collector) IncrementViewDestroyed() {
	atomic.AddInt64(&c.clientMetrics.ViewsDestroyed, 1)
	atomic.AddInt64(&c.clientMetrics.ActiveViews, -1)
}

// IncrementJoinFailure records a join that resolved error or timeout.
func (c *Collector) IncrementJoinFailure() {
	atomic.AddInt64(&c.clientMetrics.JoinFailures, 1)
}

// IncrementDiffApplied records one applied diff.
func (c *Collector) IncrementDiffApplied() {
	atomic.AddInt64(&c.clientMetrics.DiffsApplied, 1)
}

// IncrementDiffBuffered records a diff deferred behind a pending navigation.
func (c *Collector) IncrementDiffBuffered() {
	atomic.AddInt64(&c.clientMetrics.DiffsBuffered, 1)
}

// IncrementDiffReplayed records a buffered diff replayed after navigation.
func (c *Collector) IncrementDiffReplayed() {
	atomic.AddInt64(&c.clientMetrics.DiffsReplayed, 1)
}

// IncrementPatchError records a reconciliation failure.
func (c *Collector) IncrementPatchError() {
	atomic.AddInt64(&c.clientMetrics.PatchErrors, 1)
}

// AddNodeChanges folds one change set's node counts in.
func (c *Collector) AddNodeChanges(added, updated, discarded int) {
	atomic.AddInt64(&c.clientMetrics.NodesAdded, int64(added))
	atomic.AddInt64(&c.clientMetrics.NodesUpdated, int64(updated))
	atomic.AddInt64(&c.clientMetrics.NodesDiscarded, int64(discarded))
}

// IncrementEventPushed records an outgoing event push.
func (c *Collector) IncrementEventPushed() {
	atomic.AddInt64(&c.clientMetrics.EventsPushed, 1)
}

// ObserveReply records a push round trip with its resolution status.
func (c *Collector) ObserveReply(status string, latency time.Duration) {
	switch status {
	case "ok":
		atomic.AddInt64(&c.clientMetrics.RepliesOK, 1)
	case "timeout":
		atomic.AddInt64(&c.clientMetrics.RepliesTimeout, 1)
	default:
		atomic.AddInt64(&c.clientMetrics.RepliesError, 1)
	}
	atomic.AddInt64(&c.clientMetrics.PushLatencyTotal, int64(latency))
}

// IncrementUploadStarted records an upload transfer start.
func (c *Collector) IncrementUploadStarted() {
	atomic.AddInt64(&c.clientMetrics.UploadsStarted, 1)
}

// IncrementUploadCompleted records a finished transfer with its size.
func (c *Collector) IncrementUploadCompleted(bytes int64) {
	atomic.AddInt64(&c.clientMetrics.UploadsCompleted, 1)
	atomic.AddInt64(&c.clientMetrics.UploadBytes, bytes)
}

// IncrementUploadFailed records a failed transfer.
func (c *Collector) IncrementUploadFailed() {
	atomic.AddInt64(&c.clientMetrics.UploadsFailed, 1)
}

// IncrementFrameSent records one outgoing frame.
func (c *Collector) IncrementFrameSent() {
	atomic.AddInt64(&c.clientMetrics.FramesSent, 1)
}

// IncrementFrameReceived records one inbound frame.
func (c *Collector) IncrementFrameReceived() {
	atomic.AddInt64(&c.clientMetrics.FramesReceived, 1)
}

// IncrementDisconnect records a transport loss.
func (c *Collector) IncrementDisconnect() {
	atomic.AddInt64(&c.clientMetrics.Disconnects, 1)
}

// IncrementReconnect records a successful transport recovery.
func (c *Collector) IncrementReconnect() {
	atomic.AddInt64(&c.clientMetrics.Reconnects, 1)
}

// IncrementNavigationCommitted records a live navigation that won.
func (c *Collector) IncrementNavigationCommitted() {
	atomic.AddInt64(&c.clientMetrics.NavigationsCommitted, 1)
}

// IncrementNavigationSuperseded records a navigation discarded by a newer one.
func (c *Collector) IncrementNavigationSuperseded() {
	atomic.AddInt64(&c.clientMetrics.NavigationsSuperseded, 1)
}

// IncrementFallbackLoad records a full non-live page load.
func (c *Collector) IncrementFallbackLoad() {
	atomic.AddInt64(&c.clientMetrics.FallbackLoads, 1)
}

// IncrementHookMounted records a hook mount.
func (c *Collector) IncrementHookMounted() {
	atomic.AddInt64(&c.clientMetrics.HooksMounted, 1)
}

// IncrementHookDestroyed records a hook destroy.
func (c *Collector) IncrementHookDestroyed() {
	atomic.AddInt64(&c.clientMetrics.HooksDestroyed, 1)
}

// IncrementCustomCounter increments a custom named counter.
func (c *Collector) IncrementCustomCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.customCounters[name]; exists {
		atomic.AddInt64(counter, 1)
	} else {
		var newCounter int64 = 1
		c.customCounters[name] = &newCounter
	}
}

// GetMetrics returns a copy of the current client metrics.
func (c *Collector) GetMetrics() ClientMetrics {
	return ClientMetrics{
		ViewsJoined:           atomic.LoadInt64(&c.clientMetrics.ViewsJoined),
		ViewsDestroyed:        atomic.LoadInt64(&c.clientMetrics.ViewsDestroyed),
		ActiveViews:           atomic.LoadInt64(&c.clientMetrics.ActiveViews),
		MaxConcurrentViews:    atomic.LoadInt64(&c.clientMetrics.MaxConcurrentViews),
		JoinFailures:          atomic.LoadInt64(&c.clientMetrics.JoinFailures),
		DiffsApplied:          atomic.LoadInt64(&c.clientMetrics.DiffsApplied),
		DiffsBuffered:         atomic.LoadInt64(&c.clientMetrics.DiffsBuffered),
		DiffsReplayed:         atomic.LoadInt64(&c.clientMetrics.DiffsReplayed),
		PatchErrors:           atomic.LoadInt64(&c.clientMetrics.PatchErrors),
		NodesAdded:            atomic.LoadInt64(&c.clientMetrics.NodesAdded),
		NodesUpdated:          atomic.LoadInt64(&c.clientMetrics.NodesUpdated),
		NodesDiscarded:        atomic.LoadInt64(&c.clientMetrics.NodesDiscarded),
		EventsPushed:          atomic.LoadInt64(&c.clientMetrics.EventsPushed),
		RepliesOK:             atomic.LoadInt64(&c.clientMetrics.RepliesOK),
		RepliesError:          atomic.LoadInt64(&c.clientMetrics.RepliesError),
		RepliesTimeout:        atomic.LoadInt64(&c.clientMetrics.RepliesTimeout),
		PushLatencyTotal:      atomic.LoadInt64(&c.clientMetrics.PushLatencyTotal),
		UploadsStarted:        atomic.LoadInt64(&c.clientMetrics.UploadsStarted),
		UploadsCompleted:      atomic.LoadInt64(&c.clientMetrics.UploadsCompleted),
		UploadsFailed:         atomic.LoadInt64(&c.clientMetrics.UploadsFailed),
		UploadBytes:           atomic.LoadInt64(&c.clientMetrics.UploadBytes),
		FramesSent:            atomic.LoadInt64(&c.clientMetrics.FramesSent),
		FramesReceived:        atomic.LoadInt64(&c.clientMetrics.FramesReceived),
		Disconnects:           atomic.LoadInt64(&c.clientMetrics.Disconnects),
		Reconnects:            atomic.LoadInt64(&c.clientMetrics.Reconnects),
		NavigationsCommitted:  atomic.LoadInt64(&c.clientMetrics.NavigationsCommitted),
		NavigationsSuperseded: atomic.LoadInt64(&c.clientMetrics.NavigationsSuperseded),
		FallbackLoads:         atomic.LoadInt64(&c.clientMetrics.FallbackLoads),
		HooksMounted:          atomic.LoadInt64(&c.clientMetrics.HooksMounted),
		HooksDestroyed:        atomic.LoadInt64(&c.clientMetrics.HooksDestroyed),
		StartTime:             c.clientMetrics.StartTime,
		Uptime:                time.Since(c.startTime),
	}
}

// GetCustomCounters returns all custom counters.
func (c *Collector) GetCustomCounters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64)
	for name, counter := range c.customCounters {
		result[name] = atomic.LoadInt64(counter)
	}
	return result
}

// GetReplySuccessRate returns the percentage of pushes that resolved ok.
func (c *Collector) GetReplySuccessRate() float64 {
	ok := atomic.LoadInt64(&c.clientMetrics.RepliesOK)
	failed := atomic.LoadInt64(&c.clientMetrics.RepliesError) +
		atomic.LoadInt64(&c.clientMetrics.RepliesTimeout)

	total := ok + failed
	if total == 0 {
		return 100.0
	}
	return float64(ok) / float64(total) * 100.0
}

// GetAveragePushLatency returns the mean push round trip over all replies.
func (c *Collector) GetAveragePushLatency() time.Duration {
	total := atomic.LoadInt64(&c.clientMetrics.PushLatencyTotal)
	count := atomic.LoadInt64(&c.clientMetrics.RepliesOK) +
		atomic.LoadInt64(&c.clientMetrics.RepliesError) +
		atomic.LoadInt64(&c.clientMetrics.RepliesTimeout)
	if count == 0 {
		return 0
	}
	return time.Duration(total / count)
}

// GetUploadFailureRate returns the percentage of uploads that failed.
func (c *Collector) GetUploadFailureRate() float64 {
	started := atomic.LoadInt64(&c.clientMetrics.UploadsStarted)
	failed := atomic.LoadInt64(&c.clientMetrics.UploadsFailed)
	if started == 0 {
		return 0.0
	}
	return float64(failed) / float64(started) * 100.0
}

// Reset resets all metrics to zero.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	c.clientMetrics = &ClientMetrics{StartTime: now}
	c.customCounters = make(map[string]*int64)
	c.startTime = now
}
