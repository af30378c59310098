package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// DefaultSampleRate is the rate used on the room wire when a client does
	// not announce one.
	DefaultSampleRate = 16000
	// SynthesisSampleRate is the rate of PCM returned by the speech endpoint.
	SynthesisSampleRate = 24000

	bytesPerSample = 2
)

// Frame is a chunk of mono PCM16LE audio.
type Frame struct {
	Data       []byte
	SampleRate int
}

// Samples returns the number of whole samples in the frame.
func (f Frame) Samples() int {
	return len(f.Data) / bytesPerSample
}

// Duration returns the playout time of the frame.
func (f Frame) Duration() time.Duration {
	return DurationOf(len(f.Data), f.SampleRate)
}

// DurationOf converts a PCM16 byte count at sampleRate into playout time.
func DurationOf(n int, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := n / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// BytesFor returns the PCM16 byte count covering d at sampleRate.
func BytesFor(d time.Duration, sampleRate int) int {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * bytesPerSample
}

// Concat joins the payloads of frames. All frames are assumed to share a
// sample rate.
func Concat(frames []Frame) []byte {
	total := 0
	for _, f := range frames {
		total += len(f.Data)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f.Data...)
	}
	return out
}

// Split cuts pcm into frames of at most frameDur each.
func Split(pcm []byte, sampleRate int, frameDur time.Duration) []Frame {
	size := BytesFor(frameDur, sampleRate)
	if size <= 0 {
		size = len(pcm)
	}
	var frames []Frame
	for len(pcm) > 0 {
		n := size
		if n > len(pcm) {
			n = len(pcm)
		}
		frames = append(frames, Frame{Data: pcm[:n:n], SampleRate: sampleRate})
		pcm = pcm[n:]
	}
	return frames
}

// RMS returns the root mean square of PCM16LE samples normalised to [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Tone generates a sine wave of freq Hz at the given amplitude (0..1).
func Tone(sampleRate int, d time.Duration, freq, amplitude float64) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := BytesFor(d, sampleRate) / bytesPerSample
	out := make([]byte, n*bytesPerSample)
	for i := 0; i < n; i++ {
		v := amplitude * math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v*32767)))
	}
	return out
}

// Silence returns d worth of zeroed PCM16 samples.
func Silence(sampleRate int, d time.Duration) []byte {
	return make([]byte, BytesFor(d, sampleRate))
}

// Resample converts mono PCM16LE from one rate to another with linear
// interpolation.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 {
		return pcm
	}
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return nil
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	outN := int(int64(n) * int64(to) / int64(from))
	out := make([]byte, outN*bytesPerSample)
	ratio := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * ratio
		j := int(pos)
		frac := pos - float64(j)
		v := sample(j)
		if j+1 < n {
			v += (sample(j+1) - v) * frac
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(math.Round(v))))
	}
	return out
}
