// Package audio converts WAV files into the 16-bit PCM frames the gateway
// forwards upstream, and wraps model audio back into WAV.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

// InputSampleRate is the rate the generation service expects for client audio.
const InputSampleRate = 16000

var ErrInvalidWAV = errors.New("invalid wav")

// Clip is mono PCM16LE audio.
type Clip struct {
	PCM        []byte
	SampleRate int
}

func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)/2) * time.Second / time.Duration(c.SampleRate)
}

// ReadWAVFile loads a PCM16 WAV file and downmixes it to mono.
func ReadWAVFile(path string) (Clip, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Clip{}, fmt.Errorf("read wav: %w", err)
	}
	return DecodeWAV(raw)
}

// DecodeWAV parses a RIFF/WAVE PCM16 stream. Multi-channel audio is averaged
// down to mono.
func DecodeWAV(data []byte) (Clip, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return Clip{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}

	var (
		haveFmt    bool
		format     uint16
		channels   uint16
		sampleRate int
		bits       uint16
		samples    []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return Clip{}, fmt.Errorf("%w: chunk %q overruns file", ErrInvalidWAV, id)
		}
		body := data[off : off+size]
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return Clip{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			format = binary.LittleEndian.Uint16(body[0:2])
			channels = binary.LittleEndian.Uint16(body[2:4])
			sampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			bits = binary.LittleEndian.Uint16(body[14:16])
			haveFmt = true
		case "data":
			samples = body
		}
		// Chunks are word aligned.
		off += size + size%2
	}

	switch {
	case !haveFmt:
		return Clip{}, fmt.Errorf("%w: fmt chunk missing", ErrInvalidWAV)
	case len(samples) == 0:
		return Clip{}, fmt.Errorf("%w: data chunk missing", ErrInvalidWAV)
	case format != 1:
		return Clip{}, fmt.Errorf("%w: audio format %d is not PCM", ErrInvalidWAV, format)
	case bits != 16:
		return Clip{}, fmt.Errorf("%w: %d bits per sample, want 16", ErrInvalidWAV, bits)
	case channels == 0:
		return Clip{}, fmt.Errorf("%w: zero channels", ErrInvalidWAV)
	case sampleRate <= 0:
		return Clip{}, fmt.Errorf("%w: sample rate %d", ErrInvalidWAV, sampleRate)
	}

	frameBytes := int(channels) * 2
	frames := len(samples) / frameBytes
	if frames == 0 {
		return Clip{}, fmt.Errorf("%w: no complete frames", ErrInvalidWAV)
	}
	if channels == 1 {
		return Clip{PCM: append([]byte(nil), samples[:frames*2]...), SampleRate: sampleRate}, nil
	}

	mono := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < int(channels); ch++ {
			at := i*frameBytes + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(samples[at : at+2])))
		}
		binary.LittleEndian.PutUint16(mono[i*2:], uint16(int16(sum/int(channels))))
	}
	return Clip{PCM: mono, SampleRate: sampleRate}, nil
}

// EncodeWAV wraps mono PCM16LE samples in a WAV container.
func EncodeWAV(c Clip) []byte {
	rate := c.SampleRate
	if rate <= 0 {
		rate = InputSampleRate
	}
	var b bytes.Buffer
	b.Grow(44 + len(c.PCM))
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(c.PCM)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, struct {
		Size       uint32
		Format     uint16
		Channels   uint16
		SampleRate uint32
		ByteRate   uint32
		BlockAlign uint16
		Bits       uint16
	}{16, 1, 1, uint32(rate), uint32(rate * 2), 2, 16})
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(c.PCM)))
	b.Write(c.PCM)
	return b.Bytes()
}

// WriteWAVFile saves c as a mono PCM16 WAV file.
func WriteWAVFile(path string, c Clip) error {
	if err := os.WriteFile(path, EncodeWAV(c), 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

// Resample converts c to rate with linear interpolation.
func Resample(c Clip, rate int) Clip {
	if rate <= 0 || c.SampleRate <= 0 || c.SampleRate == rate || len(c.PCM) < 2 {
		return c
	}
	in := len(c.PCM) / 2
	out := int(int64(in) * int64(rate) / int64(c.SampleRate))
	if out == 0 {
		return Clip{SampleRate: rate}
	}
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(c.PCM[i*2:])))
	}
	pcm := make([]byte, out*2)
	step := float64(c.SampleRate) / float64(rate)
	for i := 0; i < out; i++ {
		pos := float64(i) * step
		lo := int(pos)
		if lo >= in-1 {
			binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample(in-1))))
			continue
		}
		frac := pos - float64(lo)
		v := sample(lo)*(1-frac) + sample(lo+1)*frac
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return Clip{PCM: pcm, SampleRate: rate}
}

// Chunks splits c into frames of roughly d each, never splitting a sample.
func Chunks(c Clip, d time.Duration) [][]byte {
	if len(c.PCM) < 2 || c.SampleRate <= 0 {
		return nil
	}
	size := int(int64(c.SampleRate) * 2 * int64(d) / int64(time.Second))
	if size < 2 {
		size = 2
	}
	size -= size % 2

	usable := len(c.PCM) - len(c.PCM)%2
	out := make([][]byte, 0, usable/size+1)
	for off := 0; off < usable; off += size {
		end := min(off+size, usable)
		out = append(out, c.PCM[off:end])
	}
	return out
}
