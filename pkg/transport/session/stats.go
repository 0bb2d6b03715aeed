// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import "time"

// Age bucket labels reported by Stats.
const (
	BucketUnder5m = "< 5min"
	Bucket5to20m  = "5-20min"
	Bucket20mTo1h = "20min-1hr"
	Bucket1to6h   = "1-6hr"
	Bucket6to24h  = "6-24hr"
	BucketOver24h = "> 24hr"
)

// AgeBuckets lists the bucket labels in ascending order.
var AgeBuckets = []string{BucketUnder5m, Bucket5to20m, Bucket20mTo1h, Bucket1to6h, Bucket6to24h, BucketOver24h}

// Stats summarizes the live session set.
type Stats struct {
	Total int            `json:"total"`
	ByAge map[string]int `json:"byAge"`
}

// Stats returns the number of live sessions and their age distribution.
// Every bucket is present, zero or not.
func (m *Manager) Stats() Stats {
	now := m.clock.Now()
	stats := Stats{ByAge: make(map[string]int, len(AgeBuckets))}
	for _, b := range AgeBuckets {
		stats.ByAge[b] = 0
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		stats.Total++
		stats.ByAge[ageBucket(now.Sub(s.created))]++
	}
	return stats
}

func ageBucket(age time.Duration) string {
	switch {
	case age < 5*time.Minute:
		return BucketUnder5m
	case age < 20*time.Minute:
		return Bucket5to20m
	case age < time.Hour:
		return Bucket20mTo1h
	case age < 6*time.Hour:
		return Bucket1to6h
	case age < 24*time.Hour:
		return Bucket6to24h
	default:
		return BucketOver24h
	}
}
