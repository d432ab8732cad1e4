package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/braheezy/shine-mp3/pkg/mp3"
)

// DecodePCM16 конвертирует little-endian 16-bit PCM байты в float32 сэмплы.
// Нечётный хвостовой байт отбрасывается.
func DecodePCM16(data []byte) []float32 {
	n := len(data) / 2
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}

// EncodePCM16 конвертирует float32 сэмплы обратно в s16le байты
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

// EncodeMP3 кодирует моно float32 сэмплы в MP3 (shine, чистый Go).
// Используется для вложения аудио сегмента в исходящее событие.
func EncodeMP3(samples []float32, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no samples to encode")
	}

	pcm := make([]int16, len(samples))
	for i, s := range samples {
		if s > 1.0 {
			s = 1.0
		} else if s < -1.0 {
			s = -1.0
		}
		pcm[i] = int16(s * 32767)
	}

	// Shine кодирует блоками по 1152 сэмпла, добиваем хвост тишиной
	const block = 1152
	if rem := len(pcm) % block; rem != 0 {
		pcm = append(pcm, make([]int16, block-rem)...)
	}

	var buf bytes.Buffer
	enc := mp3.NewEncoder(sampleRate, 1)
	if err := enc.Write(&buf, pcm); err != nil {
		return nil, fmt.Errorf("mp3 encode: %w", err)
	}
	return buf.Bytes(), nil
}

// RMS вычисляет среднеквадратичную амплитуду сэмплов
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
