package stream

import "time"

// Stats counts what the pipeline has done.
type Stats struct {
	Published       uint64        `json:"published"`
	PublishFailures uint64        `json:"publish_failures"`
	EncodeFailures  uint64        `json:"encode_failures"`
	Bytes           uint64        `json:"bytes"`
	LastSize        int           `json:"last_size"`
	LastSampleTime  time.Time     `json:"last_sample_time"`
	LastDuration    time.Duration `json:"last_duration_ns"`
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
