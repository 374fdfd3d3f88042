// Package monitor implements the C8 Monitor: request/traffic counters and
// per-API histograms, with a periodic binary snapshot flushed to the meta
// table for the admin surface's GET /status route. Grounded in
// ZgwMonitor (zgw_monitor.cc): AddApiRequest, AddQueryNum, AddRequest,
// UpdateUpPartTime, and its persisted MetaValue layout.
package monitor

import (
	"sync"
	"sync/atomic"
)

// StatusClass buckets an API response for the ok/4xx/5xx histogram.
type StatusClass int

const (
	StatusOK StatusClass = iota
	Status4xx
	Status5xx
)

// apiCounters holds the ok/4xx/5xx tallies for one API name. The three
// counters are lock-free; only inserting a new API name into the parent
// map requires the Monitor's mutex.
type apiCounters struct {
	ok  atomic.Uint64
	c4x atomic.Uint64
	c5x atomic.Uint64
}

// Monitor accumulates request/traffic counters for the lifetime of one
// server process. All map-valued counters share a single mutex (§8); the
// running mean in UpdateUpPartTime is guarded by the same mutex rather than
// a second lock, resolving the spec's flagged data race (§14).
type Monitor struct {
	mu sync.Mutex

	requestCount atomic.Uint64

	apiRequests map[string]*apiCounters
	queryNum    map[string]uint64
	traffic     map[string]uint64

	uploadPartCount   uint64
	uploadPartTimeSum int64 // microseconds
}

// New creates an empty Monitor.
func New() *Monitor {
	return &Monitor{
		apiRequests: make(map[string]*apiCounters),
		queryNum:    make(map[string]uint64),
		traffic:     make(map[string]uint64),
	}
}

// AddRequest increments the total request counter.
func (m *Monitor) AddRequest() {
	m.requestCount.Add(1)
}

// AddAPIRequest records one call to api, classified by its response status.
func (m *Monitor) AddAPIRequest(api string, status StatusClass) {
	m.mu.Lock()
	c, ok := m.apiRequests[api]
	if !ok {
		c = &apiCounters{}
		m.apiRequests[api] = c
	}
	m.mu.Unlock()

	switch status {
	case StatusOK:
		c.ok.Add(1)
	case Status4xx:
		c.c4x.Add(1)
	case Status5xx:
		c.c5x.Add(1)
	}
}

// AddQueryNum increments bucket's query-count counter by n.
func (m *Monitor) AddQueryNum(bucket string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryNum[bucket] += n
}

// AddTraffic increments key's byte-traffic counter by n. Callers pass a
// bucket name; Snapshot.Encode sums every key into cluster_traffic.
func (m *Monitor) AddTraffic(key string, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traffic[key] += n
}

// UpdateUpPartTime folds one multipart-upload-part duration (in
// microseconds) into the running mean reported by Snapshot.
func (m *Monitor) UpdateUpPartTime(us int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadPartCount++
	m.uploadPartTimeSum += us
}

// Reset zeroes every counter, backing the admin OPTIONS /reset_status
// route.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestCount.Store(0)
	m.apiRequests = make(map[string]*apiCounters)
	m.queryNum = make(map[string]uint64)
	m.traffic = make(map[string]uint64)
	m.uploadPartCount = 0
	m.uploadPartTimeSum = 0
}

// APIStat is one API name's ok/4xx/5xx tally in a Snapshot.
type APIStat struct {
	API string `json:"api"`
	OK  uint64 `json:"ok"`
	C4x uint64 `json:"4xx"`
	C5x uint64 `json:"5xx"`
}

// Snapshot is a point-in-time copy of every counter, suitable for JSON
// serving (admin GET /status) or binary encoding (periodic flush, §12).
type Snapshot struct {
	RequestCount    uint64           `json:"request_count"`
	QueryNum        map[string]uint64 `json:"query_num"`
	Traffic         map[string]uint64 `json:"traffic"`
	APIStats        []APIStat        `json:"api_stats"`
	UploadPartMeanUs int64           `json:"upload_part_mean_us"`
}

// Snapshot materializes the current counter state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		RequestCount: m.requestCount.Load(),
		QueryNum:     make(map[string]uint64, len(m.queryNum)),
		Traffic:      make(map[string]uint64, len(m.traffic)),
	}
	for k, v := range m.queryNum {
		snap.QueryNum[k] = v
	}
	for k, v := range m.traffic {
		snap.Traffic[k] = v
	}
	for api, c := range m.apiRequests {
		snap.APIStats = append(snap.APIStats, APIStat{
			API: api,
			OK:  c.ok.Load(),
			C4x: c.c4x.Load(),
			C5x: c.c5x.Load(),
		})
	}
	if m.uploadPartCount > 0 {
		snap.UploadPartMeanUs = m.uploadPartTimeSum / int64(m.uploadPartCount)
	}
	return snap
}
