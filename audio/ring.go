// Package audio содержит sample-indexed аудио примитивы сессии:
// кольцевой буфер, PCM конвертацию и извлечение аудио сегментов.
package audio

import "sync"

// Ring фиксированный кольцевой буфер сэмплов, адресуемый монотонным
// sample index от начала сессии. Один писатель (ingestion), много читателей.
type Ring struct {
	mu       sync.RWMutex
	data     []float32
	capacity int64
	total    int64 // всего записано сэмплов с начала сессии
}

// NewRing создаёт буфер на capacity сэмплов
func NewRing(capacity int64) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		data:     make([]float32, capacity),
		capacity: capacity,
	}
}

// Append записывает сэмплы, продвигая write cursor по модулю capacity
func (r *Ring) Append(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Чанк длиннее буфера: имеет смысл только хвост
	if int64(len(samples)) > r.capacity {
		skip := int64(len(samples)) - r.capacity
		r.total += skip
		samples = samples[skip:]
	}

	pos := r.total % r.capacity
	n := copy(r.data[pos:], samples)
	if n < len(samples) {
		copy(r.data, samples[n:])
	}
	r.total += int64(len(samples))
}

// Total возвращает общее количество сэмплов с начала сессии
func (r *Ring) Total() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Oldest возвращает самый старый ещё доступный sample index
func (r *Ring) Oldest() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.oldestLocked()
}

func (r *Ring) oldestLocked() int64 {
	oldest := r.total - r.capacity
	if oldest < 0 {
		oldest = 0
	}
	return oldest
}

// Slice возвращает копию диапазона [start, end), клампнутую к retention.
// Запрос за пределами retention не ошибка: возвращается лучший доступный
// диапазон и фактические границы. Окно целиком старше retention сдвигается
// вперёд к старейшим сэмплам с сохранением длины. Пустой результат -
// (nil, 0, 0).
func (r *Ring) Slice(start, end int64) ([]float32, int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if end > r.total {
		end = r.total
	}
	if start >= end {
		return nil, 0, 0
	}
	oldest := r.oldestLocked()
	if end <= oldest {
		dur := end - start
		start = oldest
		end = oldest + dur
		if end > r.total {
			end = r.total
		}
	} else if start < oldest {
		start = oldest
	}

	out := make([]float32, end-start)
	pos := start % r.capacity
	n := copy(out, r.data[pos:])
	if int64(n) < end-start {
		copy(out[n:], r.data)
	}
	return out, start, end
}

// Capacity возвращает ёмкость буфера в сэмплах
func (r *Ring) Capacity() int64 {
	return r.capacity
}
