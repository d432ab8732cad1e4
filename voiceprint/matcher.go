package voiceprint

import "math"

// CosineSimilarity косинусное сходство двух векторов.
// Для L2-нормированных векторов это просто скалярное произведение,
// но нормы считаем на случай сырых эмбеддингов.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// Normalize L2-нормировка вектора (in place), возвращает его же
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}

// Match сопоставляет эмбеддинг с кандидатами. Чистая функция.
//
// Совпадение принимается если best >= Threshold и отрыв от второго >= Margin.
// Иначе nil - вызывающий создаёт новый анонимный кластер. Исключение: если
// лучший ИЗВЕСТНЫЙ кандидат не дотянул до порога меньше чем на KnownBias,
// он предпочитается новому кластеру (защита от размножения кластеров).
func Match(embedding []float32, candidates []Candidate, p MatchParams) *MatchResult {
	if len(candidates) == 0 {
		return nil
	}

	scores := make(map[string]float32, len(candidates))
	bestIdx, secondIdx := -1, -1
	for i, c := range candidates {
		sim := CosineSimilarity(embedding, c.Embedding)
		scores[c.Key] = sim
		if bestIdx == -1 || sim > scores[candidates[bestIdx].Key] {
			secondIdx = bestIdx
			bestIdx = i
		} else if secondIdx == -1 || sim > scores[candidates[secondIdx].Key] {
			secondIdx = i
		}
	}

	best := candidates[bestIdx]
	bestSim := scores[best.Key]
	margin := bestSim
	if secondIdx >= 0 {
		margin = bestSim - scores[candidates[secondIdx].Key]
	}

	if bestSim >= p.Threshold && margin >= p.Margin {
		return &MatchResult{
			Key:        best.Key,
			Known:      best.Known,
			Similarity: bestSim,
			Margin:     margin,
			Scores:     scores,
		}
	}

	// Bias: известный профиль в пределах зазора лучше нового Unknown_N
	if best.Known && bestSim >= p.Threshold-p.KnownBias && margin >= p.Margin {
		return &MatchResult{
			Key:        best.Key,
			Known:      true,
			Similarity: bestSim,
			Margin:     margin,
			Scores:     scores,
		}
	}

	return nil
}
