package app

import (
	"math/rand"

	"github.com/google/uuid"

	"trivia-live-service/internal/domain"
)

const DefaultOptionsPerQuestion = 4

// buildOptions returns the answer plus up to n-1 distractors in random order, each with a
// fresh opaque token. Every call draws an independent distractor subset and permutation.
func buildOptions(rnd *rand.Rand, q domain.Question, n int) []domain.Option {
	if n < 2 {
		n = DefaultOptionsPerQuestion
	}

	distractors := q.Distractors
	if len(distractors) > n-1 {
		picked := make([]string, 0, n-1)
		for _, i := range rnd.Perm(len(distractors))[:n-1] {
			picked = append(picked, distractors[i])
		}
		distractors = picked
	}

	opts := make([]domain.Option, 0, len(distractors)+1)
	opts = append(opts, domain.Option{ID: uuid.NewString(), Text: q.Answer})
	for _, d := range distractors {
		opts = append(opts, domain.Option{ID: uuid.NewString(), Text: d})
	}
	rnd.Shuffle(len(opts), func(i, j int) { opts[i], opts[j] = opts[j], opts[i] })
	return opts
}

func optionIDs(opts []domain.Option) []string {
	ids := make([]string, len(opts))
	for i, o := range opts {
		ids[i] = o.ID
	}
	return ids
}

func optionText(opts []domain.Option, id string) (string, bool) {
	for _, o := range opts {
		if o.ID == id {
			return o.Text, true
		}
	}
	return "", false
}
