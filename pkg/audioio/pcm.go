// Package audioio holds PCM16 helpers shared by the transport, VAD and
// speech services: sample conversion, resampling, level metering and
// fixed-duration chunking.
package audioio

import (
	"math"
	"time"
)

// BytesToSamples converts PCM16 little-endian bytes to samples. A trailing
// odd byte is ignored.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[2*i]) | uint16(data[2*i+1])<<8)
	}
	return samples
}

// SamplesToBytes converts samples to PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[2*i] = byte(s)
		data[2*i+1] = byte(uint16(s) >> 8)
	}
	return data
}

// Resample converts mono samples between rates with linear interpolation.
// Good enough for speech; the output length is len*to/from.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 || fromRate <= 0 || toRate <= 0 {
		return samples
	}

	n := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	out := make([]int16, n)
	step := float64(fromRate) / float64(toRate)
	last := len(samples) - 1

	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + frac*(b-a))
	}
	return out
}

// ResampleBytes resamples mono PCM16 bytes.
func ResampleBytes(data []byte, fromRate, toRate int) []byte {
	if fromRate == toRate {
		return data
	}
	return SamplesToBytes(Resample(BytesToSamples(data), fromRate, toRate))
}

// StereoToMono averages interleaved stereo samples.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		mono[i] = int16((int32(samples[2*i]) + int32(samples[2*i+1])) / 2)
	}
	return mono
}

// MonoToStereo duplicates each sample into both channels.
func MonoToStereo(samples []int16) []int16 {
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[2*i], stereo[2*i+1] = s, s
	}
	return stereo
}

// RMS returns the root mean square level normalised to 0..1.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// BytesPerDuration returns the size of d of mono PCM16 audio at rate.
func BytesPerDuration(rate int, d time.Duration) int {
	return int(int64(rate)*int64(d)/int64(time.Second)) * 2
}

// Chunker splits a PCM16 stream into fixed-size chunks, carrying any
// remainder over to the next Write.
type Chunker struct {
	size int
	buf  []byte
}

// NewChunker creates a chunker emitting size-byte chunks.
func NewChunker(size int) *Chunker {
	if size <= 0 {
		size = 2
	}
	return &Chunker{size: size}
}

// Size returns the chunk size in bytes.
func (c *Chunker) Size() int { return c.size }

// Write appends data and returns every complete chunk.
func (c *Chunker) Write(data []byte) [][]byte {
	c.buf = append(c.buf, data...)
	var out [][]byte
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		out = append(out, chunk)
		c.buf = c.buf[c.size:]
	}
	return out
}

// Flush returns the remainder padded with silence, or nil when empty.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	chunk := make([]byte, c.size)
	copy(chunk, c.buf)
	c.buf = c.buf[:0]
	return chunk
}

// Reset drops buffered audio.
func (c *Chunker) Reset() { c.buf = c.buf[:0] }

// Buffered returns the number of bytes waiting for a full chunk.
func (c *Chunker) Buffered() int { return len(c.buf) }
