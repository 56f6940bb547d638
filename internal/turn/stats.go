package turn

import "time"

// Stats holds the server-wide counters. It is owned by the event loop.
type Stats struct {
	AllocationsCurrent uint64
	AllocationsTotal   uint64

	// BytesTx counts payload bytes relayed towards peers, BytesRx towards
	// clients.
	BytesTx uint64
	BytesRx uint64

	// ErrorsTx and ErrorsRx count relay failures in each direction.
	ErrorsTx uint64
	ErrorsRx uint64

	Successes uint64
	Codes     map[int]uint64

	started time.Time
}

func newStats(now time.Time) *Stats {
	return &Stats{Codes: make(map[int]uint64), started: now}
}

func (s *Stats) recordReply(code int) {
	if code == 0 {
		s.Successes++
		return
	}
	s.Codes[code]++
}

// StatsSnapshot is a copy of Stats for status output.
type StatsSnapshot struct {
	Uptime             time.Duration  `json:"uptime"`
	AllocationsCurrent uint64         `json:"allocations_current"`
	AllocationsTotal   uint64         `json:"allocations_total"`
	Reservations       int            `json:"reservations"`
	BytesTx            uint64         `json:"bytes_tx"`
	BytesRx            uint64         `json:"bytes_rx"`
	ErrorsTx           uint64         `json:"errors_tx"`
	ErrorsRx           uint64         `json:"errors_rx"`
	Successes          uint64         `json:"successes"`
	Codes              map[int]uint64 `json:"codes"`
}

// Snapshot copies the counters.
func (s *Stats) Snapshot(now time.Time) StatsSnapshot {
	codes := make(map[int]uint64, len(s.Codes))
	for code, n := range s.Codes {
		codes[code] = n
	}
	return StatsSnapshot{
		Uptime:             now.Sub(s.started),
		AllocationsCurrent: s.AllocationsCurrent,
		AllocationsTotal:   s.AllocationsTotal,
		BytesTx:            s.BytesTx,
		BytesRx:            s.BytesRx,
		ErrorsTx:           s.ErrorsTx,
		ErrorsRx:           s.ErrorsRx,
		Successes:          s.Successes,
		Codes:              codes,
	}
}
