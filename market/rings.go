package market

import "time"

// FloatRing is a fixed-capacity ring of float64 samples, oldest evicted.
type FloatRing struct {
	data []float64
	idx  int
	size int
}

// NewFloatRing creates a ring with the given capacity.
func NewFloatRing(capacity int) *FloatRing {
	if capacity <= 0 {
		capacity = 16
	}
	return &FloatRing{data: make([]float64, capacity)}
}

// Push appends a sample, evicting the oldest when full.
func (r *FloatRing) Push(v float64) {
	r.data[r.idx] = v
	r.idx = (r.idx + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// Len returns the number of stored samples.
func (r *FloatRing) Len() int { return r.size }

// Avg returns the mean of stored samples, or 0 when empty.
func (r *FloatRing) Avg() float64 {
	if r.size == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.size; i++ {
		sum += r.data[i]
	}
	return sum / float64(r.size)
}

// TimeRing is a fixed-capacity ring of timestamps used for tick-density
// measurement.
type TimeRing struct {
	data []time.Time
	idx  int
	size int
}

// NewTimeRing creates a ring with the given capacity.
func NewTimeRing(capacity int) *TimeRing {
	if capacity <= 0 {
		capacity = 32
	}
	return &TimeRing{data: make([]time.Time, capacity)}
}

// Push appends a timestamp, evicting the oldest when full.
func (r *TimeRing) Push(t time.Time) {
	r.data[r.idx] = t
	r.idx = (r.idx + 1) % len(r.data)
	if r.size < len(r.data) {
		r.size++
	}
}

// Len returns the number of stored timestamps.
func (r *TimeRing) Len() int { return r.size }

// RatePerSecond returns ticks/second across the stored span, or 0 when
// fewer than two timestamps are held.
func (r *TimeRing) RatePerSecond() float64 {
	if r.size < 2 {
		return 0
	}
	newest := r.data[(r.idx-1+len(r.data))%len(r.data)]
	var oldest time.Time
	if r.size == len(r.data) {
		oldest = r.data[r.idx]
	} else {
		oldest = r.data[0]
	}
	span := newest.Sub(oldest).Seconds()
	if span <= 0 {
		return 0
	}
	return float64(r.size-1) / span
}
