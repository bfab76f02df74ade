package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"time"
)

const (
	wavHeaderSize = 44
	pcmBitDepth   = 16
)

// wavHeader is the canonical 44-byte RIFF/WAVE header for mono PCM16LE.
type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

var errShortWAV = errors.New("wav: short header")

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * pcmBitDepth / 8),
		BlockAlign:    pcmBitDepth / 8,
		BitsPerSample: pcmBitDepth,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(pcm)))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}
	buf.Write(pcm)
	return buf.Bytes(), nil
}

// SilenceWAV returns d of silent mono PCM16LE audio as a WAV file.
func SilenceWAV(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	samples := int(d.Seconds() * float64(sampleRate))
	if samples < 0 {
		samples = 0
	}
	out, _ := EncodeWAVPCM16LE(make([]byte, samples*pcmBitDepth/8), sampleRate)
	return out
}

// WAVDuration reads the playback length from a mono PCM16LE WAV header.
func WAVDuration(wav []byte) (time.Duration, error) {
	if len(wav) < wavHeaderSize {
		return 0, errShortWAV
	}
	var h wavHeader
	if err := binary.Read(bytes.NewReader(wav[:wavHeaderSize]), binary.LittleEndian, &h); err != nil {
		return 0, err
	}
	if string(h.RIFF[:]) != "RIFF" || string(h.WAVE[:]) != "WAVE" || h.ByteRate == 0 {
		return 0, errors.New("wav: not a PCM wave file")
	}
	return time.Duration(float64(h.DataSize) / float64(h.ByteRate) * float64(time.Second)), nil
}
