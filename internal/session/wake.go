package session

import (
	"encoding/binary"
	"math"
)

// Detector decides whether inbound audio contains a wake trigger. The
// manager feeds it from the read loop only; implementations need not be safe
// for concurrent use.
type Detector interface {
	// Feed consumes one frame of audio and reports whether the wake
	// condition fired on it.
	Feed(samples []byte) bool
}

// EnergyDetector defaults.
const (
	DefaultWakeThreshold = 0.1
	DefaultWakeFrames    = 3
)

// EnergyDetector fires when the RMS amplitude of 16-bit little-endian PCM
// stays above Threshold for MinFrames consecutive frames. After firing it
// re-arms only once the signal drops below the threshold again, so sustained
// noise triggers at most once.
type EnergyDetector struct {
	Threshold float64
	MinFrames int

	run   int
	armed bool
}

func NewEnergyDetector() *EnergyDetector {
	return &EnergyDetector{
		Threshold: DefaultWakeThreshold,
		MinFrames: DefaultWakeFrames,
		armed:     true,
	}
}

func (d *EnergyDetector) Feed(samples []byte) bool {
	if rms(samples) < d.Threshold {
		d.run = 0
		d.armed = true
		return false
	}
	if !d.armed {
		return false
	}
	d.run++
	if d.run >= d.MinFrames {
		d.run = 0
		d.armed = false
		return true
	}
	return false
}

// rms computes the root-mean-square amplitude of 16-bit little-endian PCM,
// normalized to [0,1]. Odd trailing bytes are ignored.
func rms(samples []byte) float64 {
	n := len(samples) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(samples[2*i:]))
		f := float64(v) / 32768.0
		sum += f * f
	}
	return math.Sqrt(sum / float64(n))
}

var _ Detector = (*EnergyDetector)(nil)
