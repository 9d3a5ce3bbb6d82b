package guard

import "math"

const samplingDisabled = math.MaxUint32

// Sampler holds one thread's sample counter. A Sampler must not be used by
// two goroutines at once; give each worker its own, or let the zone pick one
// from its pool.
//
// The counter counts down the eligible calls left until the next sample. On
// reaching zero a new countdown is drawn uniformly from [0, range), and a
// draw of zero samples the current call immediately.
type Sampler struct {
	counter uint32
}

// SetSamplingDisabled turns sampling off for this sampler, or back on with a
// fresh countdown.
func (s *Sampler) SetSamplingDisabled(disabled bool) {
	if disabled {
		s.counter = samplingDisabled
		return
	}
	s.counter = 0
}

// SamplingDisabled reports whether SetSamplingDisabled(true) is in effect.
func (s *Sampler) SamplingDisabled() bool {
	return s.counter == samplingDisabled
}

func (s *Sampler) next(sampleRange uint32, randN func(uint32) uint32) bool {
	switch s.counter {
	case samplingDisabled:
		return false
	case 0:
		s.counter = randN(sampleRange)
	default:
		s.counter--
	}
	return s.counter == 0
}

func (z *Zone) getSampler() *Sampler {
	return z.samplers.Get().(*Sampler)
}

func (z *Zone) putSampler(s *Sampler) {
	z.samplers.Put(s)
}

// ShouldSample decides whether an allocation of size bytes made through s goes
// to the quarantine. Oversized requests and a full quarantine never sample and
// do not advance the counter.
func (z *Zone) ShouldSample(s *Sampler, size uintptr) bool {
	if size > z.cfg.PageSize {
		return false
	}
	if z.numAllocations.Load() >= z.cfg.MaxAllocations {
		return false
	}
	return s.next(z.cfg.SampleCounterRange, z.randN)
}
