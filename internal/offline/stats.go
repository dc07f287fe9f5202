package offline

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// statsCollector tracks min/avg/max response body sizes served to clients.
type statsCollector struct {
	responses atomic.Uint64
	fromCache atomic.Uint64
	bytes     atomic.Uint64
	minBytes  atomic.Uint64
	maxBytes  atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, bodyBytes int) {
	if bodyBytes < 0 {
		bodyBytes = 0
	}
	n := uint64(bodyBytes)

	s.responses.Add(1)
	s.bytes.Add(n)
	if source == SourceHit {
		s.fromCache.Add(1)
	}

	for {
		cur := s.minBytes.Load()
		if n >= cur || s.minBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxBytes.Load()
		if n <= cur || s.maxBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Responses uint64
	FromCache uint64
	MinBytes  uint64
	AvgBytes  uint64
	MaxBytes  uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.responses.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	minv := s.minBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		Responses: count,
		FromCache: s.fromCache.Load(),
		MinBytes:  minv,
		AvgBytes:  s.bytes.Load() / count,
		MaxBytes:  s.maxBytes.Load(),
	}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(float64(b)/kb) + "kb"
	case b < gb:
		return trimFloat(float64(b)/mb) + "mb"
	default:
		return trimFloat(float64(b)/gb) + "gb"
	}
}

func trimFloat(v float64) string {
	return strings.TrimSuffix(fmt.Sprintf("%.1f", v), ".0")
}
