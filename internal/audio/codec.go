// Package audio converts between device float samples and the wire PCM
// format, and runs the capture and playback streams for a session.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

const pcmScale = 32767

// FloatToPCM16 clamps samples to [-1, 1] and scales them to int16.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		case math.IsNaN(float64(s)):
			s = 0
		}
		out[i] = int16(s * pcmScale)
	}
	return out
}

func PCM16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, v := range pcm {
		out[i] = float32(v) / pcmScale
	}
	return out
}

// EncodePCM16 packs samples as little-endian int16.
func EncodePCM16(pcm []int16) []byte {
	buf := make([]byte, 2*len(pcm))
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func DecodePCM16(raw []byte) ([]int16, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(raw))
	}
	out := make([]int16, len(raw)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out, nil
}

// EncodeBase64 is the audio_data wire form: base64 of little-endian int16.
func EncodeBase64(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(pcm))
}

func DecodeBase64(data string) ([]int16, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode audio_data: %w", err)
	}
	return DecodePCM16(raw)
}

// RMS is the root mean square on the int16 scale.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, v := range pcm {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
