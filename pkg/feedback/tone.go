package feedback

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
)

// Beep tone defaults.
const (
	BeepFrequency  = 2700.0 // Hz
	BeepDuration   = 150 * time.Millisecond
	BeepVolume     = 0.10
	BeepSampleRate = 48000
)

// Tone generates a mono PCM16 sine tone with short linear fades so the
// speaker does not click.
func Tone(freq float64, d time.Duration, volume float64, sampleRate int) []int16 {
	n := int(d.Seconds() * float64(sampleRate))
	fade := sampleRate / 200 // 5ms
	if fade*2 > n {
		fade = n / 2
	}
	amp := volume * math.MaxInt16

	out := make([]int16, n)
	for i := range out {
		env := 1.0
		switch {
		case i < fade:
			env = float64(i) / float64(fade)
		case i >= n-fade:
			env = float64(n-1-i) / float64(fade)
		}
		out[i] = int16(amp * env * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return out
}

// WAV wraps mono PCM16 samples in a RIFF/WAVE container.
func WAV(samples []int16, sampleRate int) []byte {
	dataLen := uint32(len(samples) * 2)
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	binary.Write(&buf, binary.LittleEndian, samples)
	return buf.Bytes()
}
