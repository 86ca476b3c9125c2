package domain

import "time"

// MediaStats are receive-side counters of a remote stream.
type MediaStats struct {
	Packets      uint64  `json:"packets"`
	Bytes        uint64  `json:"bytes"`
	PacketsLost  int64   `json:"packetsLost"`
	FractionLost float64 `json:"fractionLost"`
	Jitter       uint32  `json:"jitter"`
}

// CallStats are process-wide call counters.
type CallStats struct {
	Placed       int64               `json:"placed"`
	Connected    int64               `json:"connected"`
	Active       int64               `json:"active"`
	Finished     map[CallState]int64 `json:"finished"`
	Errors       map[string]int64    `json:"errors"`
	AverageSetup time.Duration       `json:"averageSetup"`
}
