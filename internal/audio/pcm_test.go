package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestDecodeWAVMonoRoundTrip(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	clip, err := DecodeWAV(EncodeWAV(Clip{PCM: pcm, SampleRate: 16000}))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.SampleRate != 16000 {
		t.Fatalf("SampleRate = %d, want 16000", clip.SampleRate)
	}
	if !bytes.Equal(clip.PCM, pcm) {
		t.Fatalf("pcm mismatch: got=%v want=%v", clip.PCM, pcm)
	}
}

func TestDecodeWAVStereoDownmix(t *testing.T) {
	// Frame 1: L=1000, R=-1000 => avg=0
	// Frame 2: L=3000, R=1000  => avg=2000
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	clip, err := DecodeWAV(stereoWAV(stereo, 24000))
	if err != nil {
		t.Fatalf("DecodeWAV() error = %v", err)
	}
	if clip.SampleRate != 24000 {
		t.Fatalf("SampleRate = %d, want 24000", clip.SampleRate)
	}
	if len(clip.PCM) != 4 {
		t.Fatalf("len(PCM) = %d, want 4", len(clip.PCM))
	}
	s1 := int16(binary.LittleEndian.Uint16(clip.PCM[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(clip.PCM[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix samples = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	for _, raw := range [][]byte{nil, []byte("RIFFxxxxWAVX"), []byte("RIFF\x00\x00\x00\x00WAVE")} {
		if _, err := DecodeWAV(raw); !errors.Is(err, ErrInvalidWAV) {
			t.Fatalf("DecodeWAV(%q) error = %v, want ErrInvalidWAV", raw, err)
		}
	}
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	want := Clip{PCM: []byte{1, 0, 2, 0, 3, 0, 4, 0}, SampleRate: 24000}
	if err := WriteWAVFile(path, want); err != nil {
		t.Fatalf("WriteWAVFile() error = %v", err)
	}
	got, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("ReadWAVFile() error = %v", err)
	}
	if got.SampleRate != want.SampleRate || !bytes.Equal(got.PCM, want.PCM) {
		t.Fatalf("round trip = %+v, want %+v", got, want)
	}
}

func TestResampleHalvesSampleCount(t *testing.T) {
	pcm := make([]byte, 32000*2)
	got := Resample(Clip{PCM: pcm, SampleRate: 32000}, InputSampleRate)
	if got.SampleRate != InputSampleRate {
		t.Fatalf("SampleRate = %d, want %d", got.SampleRate, InputSampleRate)
	}
	if len(got.PCM) != 16000*2 {
		t.Fatalf("len(PCM) = %d, want %d", len(got.PCM), 16000*2)
	}
	if got.Duration() != time.Second {
		t.Fatalf("Duration() = %v, want 1s", got.Duration())
	}

	same := Clip{PCM: []byte{1, 0}, SampleRate: InputSampleRate}
	if out := Resample(same, InputSampleRate); !bytes.Equal(out.PCM, same.PCM) {
		t.Fatalf("Resample() changed audio already at the target rate")
	}
}

func TestChunksNeverSplitSamples(t *testing.T) {
	// 100ms of 16kHz audio plus one stray byte.
	clip := Clip{PCM: make([]byte, 3201), SampleRate: 16000}
	chunks := Chunks(clip, 40*time.Millisecond)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	total := 0
	for i, c := range chunks {
		if len(c)%2 != 0 {
			t.Fatalf("chunk %d has odd length %d", i, len(c))
		}
		total += len(c)
	}
	if total != 3200 {
		t.Fatalf("total bytes = %d, want 3200", total)
	}
}

func stereoWAV(pcm []byte, sampleRate int) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&b, binary.LittleEndian, uint16(2)) // stereo
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
