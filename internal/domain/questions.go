package domain

import "math/rand"

// SampleQuestions picks count distinct questions from pool in random order.
// The caller owns rnd; *rand.Rand is not safe for concurrent use.
func SampleQuestions(rnd *rand.Rand, pool []Question, count int) ([]Question, error) {
	if count <= 0 {
		return nil, ErrInvalidSettings
	}
	if len(pool) < count {
		return nil, ErrNotEnoughQuestions
	}

	idx := rnd.Perm(len(pool))[:count]
	out := make([]Question, 0, count)
	for _, i := range idx {
		out = append(out, pool[i])
	}
	return out, nil
}
