package audio

import (
	"encoding/binary"
	"errors"
)

// wavHeaderSize is the length of a canonical RIFF/WAV header.
const wavHeaderSize = 44

// EncodeWAV wraps mono 16-bit little-endian PCM in a RIFF/WAV container, the
// upload format transcription APIs accept.
func EncodeWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
		blockAlign    = channels * bitsPerSample / 8
	)
	dataSize := len(pcm)
	buf := make([]byte, wavHeaderSize+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(buf[32:34], blockAlign)
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[wavHeaderSize:], pcm)
	return buf
}

// WAVInfo is the format of a decoded WAV file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DecodeWAV walks the RIFF chunks of wav and returns the sample data together
// with the format from the "fmt " chunk. The fmt chunk size may vary, so the
// data offset is located rather than assumed to be 44.
func DecodeWAV(wav []byte) ([]byte, WAVInfo, error) {
	if len(wav) < 12 || string(wav[0:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		return nil, WAVInfo{}, errors.New("audio: not a RIFF/WAVE file")
	}

	var (
		info     WAVInfo
		foundFmt bool
	)
	offset := 12
	for offset+8 <= len(wav) {
		id := string(wav[offset : offset+4])
		size := int(binary.LittleEndian.Uint32(wav[offset+4 : offset+8]))
		body := offset + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(wav) {
				return nil, WAVInfo{}, errors.New("audio: truncated fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(wav[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(wav[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(wav[body+14 : body+16]))
			foundFmt = true
		case "data":
			if !foundFmt {
				return nil, WAVInfo{}, errors.New("audio: data chunk before fmt chunk")
			}
			end := body + size
			// Streaming encoders write a placeholder size; take what is there.
			if end > len(wav) || size == 0 {
				end = len(wav)
			}
			return wav[body:end], info, nil
		}

		// Chunks are word-aligned.
		offset = body + size + size%2
	}
	return nil, WAVInfo{}, errors.New("audio: missing data chunk")
}
