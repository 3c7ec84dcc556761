package session

import (
	"encoding/binary"
	"math"
	"testing"
)

// pcmFrame builds n samples of constant-amplitude 16-bit little-endian PCM.
func pcmFrame(amplitude int16, n int) []byte {
	data := make([]byte, 2*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(data[2*i:], uint16(amplitude))
	}
	return data
}

func TestRMS(t *testing.T) {
	t.Run("ConstantAmplitude", func(t *testing.T) {
		got := rms(pcmFrame(16384, 160))
		if math.Abs(got-0.5) > 1e-9 {
			t.Errorf("rms = %f, want 0.5", got)
		}
	})

	t.Run("Silence", func(t *testing.T) {
		if got := rms(pcmFrame(0, 160)); got != 0 {
			t.Errorf("rms of silence = %f, want 0", got)
		}
	})

	t.Run("Empty", func(t *testing.T) {
		if got := rms(nil); got != 0 {
			t.Errorf("rms of nil = %f, want 0", got)
		}
		if got := rms([]byte{0x01}); got != 0 {
			t.Errorf("rms of a single byte = %f, want 0", got)
		}
	})

	t.Run("NegativeAmplitude", func(t *testing.T) {
		// RMS ignores sign.
		pos := rms(pcmFrame(8192, 160))
		neg := rms(pcmFrame(-8192, 160))
		if math.Abs(pos-neg) > 1e-9 {
			t.Errorf("rms(+a) = %f, rms(-a) = %f", pos, neg)
		}
	})
}

func TestEnergyDetector_FiresAfterConsecutiveLoudFrames(t *testing.T) {
	d := NewEnergyDetector()
	loud := pcmFrame(16384, 160)

	for i := 0; i < DefaultWakeFrames-1; i++ {
		if d.Feed(loud) {
			t.Fatalf("fired on frame %d, before the run completed", i+1)
		}
	}
	if !d.Feed(loud) {
		t.Fatalf("expected fire on frame %d", DefaultWakeFrames)
	}
}

func TestEnergyDetector_QuietResetsRun(t *testing.T) {
	d := NewEnergyDetector()
	loud := pcmFrame(16384, 160)
	quiet := pcmFrame(100, 160)

	d.Feed(loud)
	d.Feed(loud)
	d.Feed(quiet)

	// The run starts over after a quiet frame.
	if d.Feed(loud) || d.Feed(loud) {
		t.Fatal("fired before a fresh run completed")
	}
	if !d.Feed(loud) {
		t.Fatal("expected fire after a full fresh run")
	}
}

func TestEnergyDetector_RearmRequiresQuiet(t *testing.T) {
	d := NewEnergyDetector()
	loud := pcmFrame(16384, 160)
	quiet := pcmFrame(100, 160)

	for i := 0; i < DefaultWakeFrames; i++ {
		d.Feed(loud)
	}

	// Sustained noise does not retrigger.
	for i := 0; i < 3*DefaultWakeFrames; i++ {
		if d.Feed(loud) {
			t.Fatal("refired without a quiet gap")
		}
	}

	d.Feed(quiet)
	for i := 0; i < DefaultWakeFrames-1; i++ {
		d.Feed(loud)
	}
	if !d.Feed(loud) {
		t.Fatal("expected refire after a quiet gap")
	}
}

func TestEnergyDetector_ThresholdTunable(t *testing.T) {
	d := NewEnergyDetector()
	d.Threshold = 0.9
	d.MinFrames = 1

	if d.Feed(pcmFrame(16384, 160)) {
		t.Error("0.5 RMS must not cross a 0.9 threshold")
	}
	if !d.Feed(pcmFrame(32000, 160)) {
		t.Error("near-full-scale audio should cross a 0.9 threshold")
	}
}
