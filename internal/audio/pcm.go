package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Resample converts mono float samples between sample rates with linear
// interpolation. Equal rates return the input unchanged.
func Resample(samples []float32, fromRate, toRate int) []float32 {
	if fromRate <= 0 || toRate <= 0 || fromRate == toRate || len(samples) == 0 {
		return samples
	}
	ratio := float64(fromRate) / float64(toRate)
	n := int(math.Floor(float64(len(samples)) / ratio))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = samples[idx] + (samples[idx+1]-samples[idx])*frac
	}
	return out
}

// FloatToPCM16 encodes float samples as signed 16-bit little-endian PCM,
// clamping to [-1, 1] first.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes signed 16-bit little-endian PCM into float samples.
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 0x8000
	}
	return out
}

// Chunk splits pcm into frames of at most size bytes, keeping sample alignment.
func Chunk(pcm []byte, size int) [][]byte {
	if size <= 0 {
		size = 4096
	}
	if size%2 != 0 {
		size--
	}
	var out [][]byte
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		out = append(out, pcm[start:end])
	}
	return out
}

// PCMDuration is the playback length of 16-bit mono PCM at sampleRate.
func PCMDuration(byteLen int64, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(byteLen) / float64(2*sampleRate)
}

// WritePCMToWAV wraps 16-bit little-endian PCM in a WAV container.
func WritePCMToWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, len(pcm)/2),
	}
	for i := range buffer.Data {
		buffer.Data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DecodeWAVMono reads a PCM WAV stream and returns it as mono 16-bit PCM at
// targetRate. Multi-channel input is downmixed by averaging.
func DecodeWAVMono(r io.ReadSeeker, targetRate int) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil || len(buf.Data) == 0 {
		return nil, ErrEmptyAudio
	}
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = int(dec.BitDepth)
	}
	if depth <= 0 || depth > 32 {
		return nil, fmt.Errorf("unsupported bit depth %d", depth)
	}
	scale := float32(math.Pow(2, float64(depth-1)))
	// 8-bit WAV samples are unsigned.
	var bias int
	if depth == 8 {
		bias = 128
	}

	frames := len(buf.Data) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[i*channels+c]-bias) / scale
		}
		mono[i] = sum / float32(channels)
	}
	return FloatToPCM16(Resample(mono, buf.Format.SampleRate, targetRate)), nil
}
