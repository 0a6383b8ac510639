package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	wavHeaderSize = 44
	wavPCMFormat  = 1
	wavBitDepth   = 16
)

// EncodeWAV wraps little-endian PCM16 data in a canonical 44-byte RIFF/WAVE
// header. A trailing odd byte is dropped.
func EncodeWAV(pcm []byte, f Format) []byte {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}

	ws := &writeSeeker{buf: make([]byte, 0, wavHeaderSize+len(pcm))}
	enc := wav.NewEncoder(ws, f.SampleRate, wavBitDepth, f.Channels, wavPCMFormat)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: f.Channels, SampleRate: f.SampleRate},
		Data:           samples,
		SourceBitDepth: wavBitDepth,
	}
	// The in-memory writer never fails.
	_ = enc.Write(buf)
	_ = enc.Close()
	return ws.buf
}

// DecodeWAV parses a RIFF/WAVE buffer containing 16-bit integer PCM and
// returns the sample data and its format. Chunks other than "fmt " and
// "data" are skipped. Errors wrap [ErrUnsupportedFormat].
func DecodeWAV(data []byte) ([]byte, Format, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrUnsupportedFormat)
	}
	if dec.WavAudioFormat != wavPCMFormat || dec.BitDepth != wavBitDepth {
		return nil, Format{}, fmt.Errorf("%w: format %d with %d bits per sample",
			ErrUnsupportedFormat, dec.WavAudioFormat, dec.BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	if dec.PCMChunk == nil {
		return nil, Format{}, fmt.Errorf("%w: no data chunk", ErrUnsupportedFormat)
	}

	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	f := Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}
	return pcm, f, nil
}

// writeSeeker is an in-memory io.WriteSeeker for the WAV encoder, which
// seeks back to patch chunk sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (w *writeSeeker) Write(p []byte) (int, error) {
	if end := w.pos + len(p); end > len(w.buf) {
		w.buf = append(w.buf, make([]byte, end-len(w.buf))...)
	}
	n := copy(w.buf[w.pos:], p)
	w.pos += n
	return n, nil
}

func (w *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = int64(w.pos)
	case io.SeekEnd:
		base = int64(len(w.buf))
	default:
		return 0, errors.New("audio: invalid whence")
	}
	pos := base + offset
	if pos < 0 {
		return 0, errors.New("audio: negative position")
	}
	w.pos = int(pos)
	return pos, nil
}
