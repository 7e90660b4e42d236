// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"github.com/go-kit/log"
	"go.uber.org/atomic"
)

// Sampler lets through one out of every freq events.
type Sampler struct {
	freq  int64
	count atomic.Int64
}

// NewSampler returns nil when freq is 0 or less, and a nil Sampler lets every event through.
func NewSampler(freq int64) *Sampler {
	if freq <= 0 {
		return nil
	}
	return &Sampler{freq: freq}
}

func (s *Sampler) Sample() bool {
	if s == nil {
		return true
	}
	count := s.count.Inc()
	return (count-1)%s.freq == 0
}

// SampledLogger drops log lines not selected by its sampler. It is used for
// failures that are expected to repeat on every request, such as an
// unreachable best-effort cache backend.
type SampledLogger struct {
	next    log.Logger
	sampler *Sampler
}

func NewSampledLogger(next log.Logger, freq int64) *SampledLogger {
	return &SampledLogger{next: next, sampler: NewSampler(freq)}
}

func (l *SampledLogger) Log(keyvals ...interface{}) error {
	if !l.sampler.Sample() {
		return nil
	}
	if l.sampler != nil {
		keyvals = append(keyvals, "sampled", l.sampler.freq)
	}
	return l.next.Log(keyvals...)
}
