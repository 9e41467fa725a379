// Package audio defines the PCM wire format shared by the websocket
// transport and the speech providers.
//
// All audio is 16 kHz, 16-bit little-endian, mono. Inbound microphone frames
// carry an 8-byte header ahead of the PCM payload:
//
//	[0:4]  capture timestamp, uint32 little-endian, milliseconds
//	[4:8]  flags, uint32 little-endian (currently unused by the server)
//	[8:]   PCM16LE samples
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	// SampleRate is the only sample rate the server accepts or produces.
	SampleRate = 16000

	// BytesPerSample for PCM16.
	BytesPerSample = 2

	// HeaderSize is the length of the inbound frame header.
	HeaderSize = 8

	// MinFrameSize is the smallest inbound frame worth processing: the
	// header plus at least one sample. Shorter frames are dropped.
	MinFrameSize = HeaderSize + BytesPerSample
)

// Frame is a decoded inbound microphone frame.
type Frame struct {
	Timestamp uint32 // client capture time, milliseconds
	Flags     uint32
	PCM       []byte // PCM16LE payload, references the input buffer
}

// ErrFrameTooShort is returned by ParseFrame for frames below MinFrameSize.
var ErrFrameTooShort = fmt.Errorf("audio: frame shorter than %d bytes", MinFrameSize)

// ParseFrame decodes an inbound binary websocket frame. The returned PCM
// slice aliases data; callers that retain it past the next read must copy.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < MinFrameSize {
		return Frame{}, ErrFrameTooShort
	}
	return Frame{
		Timestamp: binary.LittleEndian.Uint32(data[0:4]),
		Flags:     binary.LittleEndian.Uint32(data[4:8]),
		PCM:       data[HeaderSize:],
	}, nil
}

// Samples decodes PCM16LE bytes into int16 samples. A trailing odd byte is
// ignored.
func Samples(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*BytesPerSample:]))
	}
	return out
}

// Duration returns the playback length in milliseconds of a PCM16LE payload
// at the fixed sample rate.
func Duration(pcm []byte) int {
	samples := len(pcm) / BytesPerSample
	return samples * 1000 / SampleRate
}
