package audio

import (
	"encoding/binary"

	"github.com/hraban/opus"
)

// OpusDecoder converts opus packets from the client's microphone stream into
// PCM16LE chunks for the endpointer.
type OpusDecoder struct {
	dec        *opus.Decoder
	sampleRate int
}

func NewOpusDecoder(sampleRate int) (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, err
	}
	return &OpusDecoder{dec: dec, sampleRate: sampleRate}, nil
}

// Decode decodes one opus packet and returns the PCM16LE bytes.
func (d *OpusDecoder) Decode(pkt []byte) ([]byte, error) {
	// 120ms is the longest frame opus allows.
	pcm := make([]int16, d.sampleRate*120/1000)
	n, err := d.dec.Decode(pkt, pcm)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(pcm[i]))
	}
	return out, nil
}
