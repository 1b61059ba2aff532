package channels

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Metrics tracks per-channel message counts, error rates, connection
// events, and latency distributions.
type Metrics struct {
	messagesSent     atomic.Uint64
	messagesReceived atomic.Uint64
	messagesFailed   atomic.Uint64

	errorsByCode map[ErrorCode]*atomic.Uint64
	errorsMu     sync.RWMutex

	sendLatency    *LatencyHistogram
	receiveLatency *LatencyHistogram

	connectionsOpened atomic.Uint64
	connectionsClosed atomic.Uint64
	reconnectAttempts atomic.Uint64

	channelType models.ChannelType
	startTime   time.Time
}

// NewMetrics creates a metrics collector for one channel.
func NewMetrics(channelType models.ChannelType) *Metrics {
	return &Metrics{
		errorsByCode:   make(map[ErrorCode]*atomic.Uint64),
		sendLatency:    NewLatencyHistogram(),
		receiveLatency: NewLatencyHistogram(),
		channelType:    channelType,
		startTime:      time.Now(),
	}
}

func (m *Metrics) RecordMessageSent()     { m.messagesSent.Add(1) }
func (m *Metrics) RecordMessageReceived() { m.messagesReceived.Add(1) }
func (m *Metrics) RecordMessageFailed()   { m.messagesFailed.Add(1) }

// RecordError increments the counter for an error code.
func (m *Metrics) RecordError(code ErrorCode) {
	m.errorsMu.Lock()
	counter, ok := m.errorsByCode[code]
	if !ok {
		counter = &atomic.Uint64{}
		m.errorsByCode[code] = counter
	}
	m.errorsMu.Unlock()
	counter.Add(1)
}

// RecordSendLatency records the duration of one outbound delivery.
func (m *Metrics) RecordSendLatency(d time.Duration) { m.sendLatency.Record(d) }

// RecordReceiveLatency records inbound processing duration.
func (m *Metrics) RecordReceiveLatency(d time.Duration) { m.receiveLatency.Record(d) }

func (m *Metrics) RecordConnectionOpened() { m.connectionsOpened.Add(1) }
func (m *Metrics) RecordConnectionClosed() { m.connectionsClosed.Add(1) }
func (m *Metrics) RecordReconnectAttempt() { m.reconnectAttempts.Add(1) }

// Snapshot returns a point-in-time view of all counters and latencies.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.errorsMu.RLock()
	errs := make(map[ErrorCode]uint64, len(m.errorsByCode))
	for code, counter := range m.errorsByCode {
		errs[code] = counter.Load()
	}
	m.errorsMu.RUnlock()

	return MetricsSnapshot{
		ChannelType:       m.channelType,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		MessagesFailed:    m.messagesFailed.Load(),
		ErrorsByCode:      errs,
		SendLatency:       m.sendLatency.Snapshot(),
		ReceiveLatency:    m.receiveLatency.Snapshot(),
		ConnectionsOpened: m.connectionsOpened.Load(),
		ConnectionsClosed: m.connectionsClosed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		Uptime:            time.Since(m.startTime),
	}
}

// MetricsSnapshot is a point-in-time snapshot of channel metrics.
type MetricsSnapshot struct {
	ChannelType       models.ChannelType
	MessagesSent      uint64
	MessagesReceived  uint64
	MessagesFailed    uint64
	ErrorsByCode      map[ErrorCode]uint64
	SendLatency       LatencySnapshot
	ReceiveLatency    LatencySnapshot
	ConnectionsOpened uint64
	ConnectionsClosed uint64
	ReconnectAttempts uint64
	Uptime            time.Duration
}

const latencySampleWindow = 1000

// LatencyHistogram keeps the most recent samples in a ring buffer and
// computes percentiles on demand.
type LatencyHistogram struct {
	mu      sync.RWMutex
	samples []time.Duration
	head    int
	count   int
}

// NewLatencyHistogram creates a histogram over the last 1000 samples.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{samples: make([]time.Duration, latencySampleWindow)}
}

// Record adds one sample, evicting the oldest when the window is full.
func (h *LatencyHistogram) Record(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples[h.head] = d
	h.head = (h.head + 1) % len(h.samples)
	if h.count < len(h.samples) {
		h.count++
	}
}

// Snapshot computes min/max/mean and P50/P95/P99 over the window.
func (h *LatencyHistogram) Snapshot() LatencySnapshot {
	h.mu.RLock()
	sorted := make([]time.Duration, h.count)
	for i := 0; i < h.count; i++ {
		sorted[i] = h.samples[(h.head-h.count+i+len(h.samples))%len(h.samples)]
	}
	h.mu.RUnlock()

	if len(sorted) == 0 {
		return LatencySnapshot{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	return LatencySnapshot{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
	}
}

// LatencySnapshot summarizes a latency distribution.
type LatencySnapshot struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}
