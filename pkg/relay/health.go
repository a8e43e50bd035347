package relay

import (
	"sync"
	"time"
)

// Health is the per-relay health record kept by the supervisor.
type Health struct {
	mu        sync.Mutex
	URL       string
	Connected bool
	Permanent bool // permanently failed, loop exited
	LastSeen  time.Time
	Received  int64
	Sent      int64
	Errors    int64
	LastError string
	Failures  int // consecutive failed reconnects
}

// HealthSnapshot is the JSON form served by the status surface.
type HealthSnapshot struct {
	URL       string `json:"url"`
	Connected bool   `json:"connected"`
	Permanent bool   `json:"permanentlyFailed"`
	LastSeen  int64  `json:"lastSeen,omitempty"` // unix ms
	Received  int64  `json:"received"`
	Sent      int64  `json:"sent"`
	Errors    int64  `json:"errors"`
	LastError string `json:"lastError,omitempty"`
	Failures  int    `json:"consecutiveFailures"`
}

func (h *Health) snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := HealthSnapshot{
		URL:       h.URL,
		Connected: h.Connected,
		Permanent: h.Permanent,
		Received:  h.Received,
		Sent:      h.Sent,
		Errors:    h.Errors,
		LastError: h.LastError,
		Failures:  h.Failures,
	}
	if !h.LastSeen.IsZero() {
		s.LastSeen = h.LastSeen.UnixMilli()
	}
	return s
}

func (h *Health) connected(c bool) {
	h.mu.Lock()
	h.Connected = c
	h.mu.Unlock()
}

func (h *Health) sawEvent() {
	h.mu.Lock()
	h.LastSeen = time.Now()
	h.Received++
	h.Failures = 0
	h.mu.Unlock()
}

func (h *Health) sent() {
	h.mu.Lock()
	h.Sent++
	h.mu.Unlock()
}

func (h *Health) failed(err error) (failures int) {
	h.mu.Lock()
	h.Errors++
	if err != nil {
		h.LastError = err.Error()
	}
	h.Failures++
	failures = h.Failures
	h.mu.Unlock()
	return
}

func (h *Health) publishError(err error) {
	h.mu.Lock()
	h.Errors++
	if err != nil {
		h.LastError = err.Error()
	}
	h.mu.Unlock()
}

func (h *Health) permanent() {
	h.mu.Lock()
	h.Permanent = true
	h.Connected = false
	h.mu.Unlock()
}
