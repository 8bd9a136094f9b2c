package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedFrame reports an inbound payload that cannot be decoded.
// A malformed frame is skipped; it never aborts the session.
var ErrMalformedFrame = errors.New("malformed audio frame")

// Encoding names the carrier-native audio encodings we accept.
type Encoding string

const (
	EncodingMuLaw Encoding = "mulaw" // G.711 μ-law, 8-bit
	EncodingALaw  Encoding = "alaw"  // G.711 A-law, 8-bit
	EncodingPCM16 Encoding = "pcm16" // little-endian signed 16-bit
)

// Decoder converts carrier-native payloads into linear PCM16 samples.
type Decoder struct {
	encoding   Encoding
	sampleRate int
}

// NewDecoder returns a decoder for the given encoding, or
// ErrMalformedFrame when the encoding is not recognized.
func NewDecoder(encoding Encoding, sampleRate int) (*Decoder, error) {
	switch encoding {
	case EncodingMuLaw, EncodingALaw, EncodingPCM16:
	default:
		return nil, fmt.Errorf("%w: unknown encoding %q", ErrMalformedFrame, encoding)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("%w: invalid sample rate %d", ErrMalformedFrame, sampleRate)
	}
	return &Decoder{encoding: encoding, sampleRate: sampleRate}, nil
}

// SampleRate returns the decoder's output sample rate.
func (d *Decoder) SampleRate() int { return d.sampleRate }

// Decode converts one payload into a Frame carrying the given sequence
// number.
func (d *Decoder) Decode(seq uint64, payload []byte) (Frame, error) {
	if len(payload) == 0 {
		return Frame{}, fmt.Errorf("%w: empty payload", ErrMalformedFrame)
	}
	var pcm []int16
	switch d.encoding {
	case EncodingMuLaw:
		pcm = DecodeMuLaw(payload)
	case EncodingALaw:
		pcm = DecodeALaw(payload)
	case EncodingPCM16:
		if len(payload)%2 != 0 {
			return Frame{}, fmt.Errorf("%w: odd pcm16 payload length %d", ErrMalformedFrame, len(payload))
		}
		pcm = make([]int16, len(payload)/2)
		for i := range pcm {
			pcm[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
		}
	}
	return Frame{Seq: seq, PCM: pcm, SampleRate: d.sampleRate}, nil
}

// DecodeMuLaw expands G.711 μ-law bytes into linear PCM16 samples.
func DecodeMuLaw(data []byte) []int16 {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = muLawToLinear(b)
	}
	return pcm
}

// DecodeALaw expands G.711 A-law bytes into linear PCM16 samples.
func DecodeALaw(data []byte) []int16 {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = aLawToLinear(b)
	}
	return pcm
}

// EncodeMuLaw compresses linear PCM16 samples into G.711 μ-law bytes for
// the outbound carrier leg.
func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = linearToMuLaw(s)
	}
	return out
}

func muLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + 0x84
	value <<= uint(exp)
	value -= 0x84
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func aLawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exp := (a >> 4) & 0x07
	mant := a & 0x0F
	var value int
	if exp != 0 {
		value = (int(mant)<<4 + 0x100) << (exp - 1)
	} else {
		value = int(mant)<<4 + 8
	}
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

const muLawBias = 0x84

func linearToMuLaw(s int16) byte {
	sign := byte(0)
	v := int(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > 32635 {
		v = 32635
	}
	v += muLawBias
	exp := byte(7)
	for mask := 0x4000; exp > 0 && v&mask == 0; mask >>= 1 {
		exp--
	}
	mant := byte((v >> (uint(exp) + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// EncodeWAV wraps mono PCM16 samples in a RIFF/WAVE container suitable
// for upload to a transcription engine.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	dataSize := uint32(len(pcm) * 2)
	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36)+dataSize)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	for _, s := range pcm {
		binary.Write(&buf, binary.LittleEndian, s)
	}
	return buf.Bytes()
}
