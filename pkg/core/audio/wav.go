// Package audio converts raw PCM audio to and from WAV containers.
package audio

import (
	"encoding/binary"
	"fmt"
)

const (
	DefaultSampleRate  = 24000
	DefaultChannels    = 1
	DefaultSampleWidth = 2 // bytes per sample (PCM16)

	wavHeaderSize = 44
	formatPCM     = 1
)

// Format describes the PCM layout carried by a WAV container.
type Format struct {
	SampleRate  int
	Channels    int
	SampleWidth int
}

// CodecError reports a malformed WAV container.
type CodecError struct {
	Reason string
}

func (e *CodecError) Error() string {
	if e == nil {
		return ""
	}
	return "wav: " + e.Reason
}

func codecErrorf(format string, args ...any) *CodecError {
	return &CodecError{Reason: fmt.Sprintf(format, args...)}
}

// EncodeWAV wraps pcm in a minimal RIFF/WAVE header. Zero-valued arguments
// fall back to 24 kHz mono PCM16. The payload is copied unmodified.
func EncodeWAV(pcm []byte, sampleRate, channels, sampleWidth int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	if channels <= 0 {
		channels = DefaultChannels
	}
	if sampleWidth <= 0 {
		sampleWidth = DefaultSampleWidth
	}
	dataLen := len(pcm)
	byteRate := sampleRate * channels * sampleWidth
	blockAlign := channels * sampleWidth

	out := make([]byte, wavHeaderSize, wavHeaderSize+dataLen)
	copy(out[0:4], "RIFF")
	binary.LittleEndian.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	binary.LittleEndian.PutUint32(out[16:20], 16)
	binary.LittleEndian.PutUint16(out[20:22], formatPCM)
	binary.LittleEndian.PutUint16(out[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(out[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:36], uint16(sampleWidth*8))

	copy(out[36:40], "data")
	binary.LittleEndian.PutUint32(out[40:44], uint32(dataLen))

	return append(out, pcm...)
}

// EncodePCM16Mono24k is EncodeWAV with the live session's default format.
func EncodePCM16Mono24k(pcm []byte) []byte {
	return EncodeWAV(pcm, DefaultSampleRate, DefaultChannels, DefaultSampleWidth)
}

// DecodeWAV returns the PCM payload and format of a WAV container. Chunks
// other than "fmt " and "data" are skipped.
func DecodeWAV(wav []byte) ([]byte, Format, error) {
	if len(wav) < 12 {
		return nil, Format{}, codecErrorf("container too short (%d bytes)", len(wav))
	}
	if string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, Format{}, codecErrorf("missing RIFF/WAVE signature")
	}
	riffSize := int(binary.LittleEndian.Uint32(wav[4:8]))
	if riffSize+8 > len(wav) {
		return nil, Format{}, codecErrorf("riff size %d exceeds container length %d", riffSize, len(wav))
	}

	var (
		format    Format
		sawFormat bool
	)
	off := 12
	for off+8 <= len(wav) {
		id := string(wav[off : off+4])
		size := int(binary.LittleEndian.Uint32(wav[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(wav) {
			return nil, Format{}, codecErrorf("chunk %q size %d overruns container", id, size)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, Format{}, codecErrorf("fmt chunk too short (%d bytes)", size)
			}
			if tag := binary.LittleEndian.Uint16(wav[body : body+2]); tag != formatPCM {
				return nil, Format{}, codecErrorf("unsupported format tag %d", tag)
			}
			format.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			byteRate := int(binary.LittleEndian.Uint32(wav[body+8 : body+12]))
			blockAlign := int(binary.LittleEndian.Uint16(wav[body+12 : body+14]))
			bits := int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			if format.Channels <= 0 || format.SampleRate <= 0 || bits <= 0 || bits%8 != 0 {
				return nil, Format{}, codecErrorf("invalid fmt fields")
			}
			format.SampleWidth = bits / 8
			if blockAlign != format.Channels*format.SampleWidth || byteRate != format.SampleRate*blockAlign {
				return nil, Format{}, codecErrorf("inconsistent byte rate or block align")
			}
			sawFormat = true
		case "data":
			if !sawFormat {
				return nil, Format{}, codecErrorf("data chunk before fmt chunk")
			}
			pcm := make([]byte, size)
			copy(pcm, wav[body:body+size])
			return pcm, format, nil
		}
		// Chunks are word aligned.
		off = body + size + size%2
	}
	return nil, Format{}, codecErrorf("missing data chunk")
}
