package vision

import (
	"context"
	"math"

	"github.com/bridge-voice-lab/internal/logging"
	"github.com/bridge-voice-lab/internal/store"
)

// DefaultSimilarityThreshold is the minimum cosine similarity for a face to
// count as a known user.
const DefaultSimilarityThreshold = 0.4

// UserSource lists the enrolled users whose embeddings are candidates for a
// match.
type UserSource interface {
	AllUsers(ctx context.Context) ([]*store.User, error)
}

// Recognizer matches an embedding against every enrolled user in-process.
type Recognizer struct {
	users     UserSource
	threshold float64
}

func NewRecognizer(users UserSource, threshold float64) *Recognizer {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	return &Recognizer{users: users, threshold: threshold}
}

// Recognize returns the best-matching user at or above the threshold, or nil
// when nobody matches. On an exact similarity tie the lowest user id wins so
// repeated frames of the same face resolve to the same user.
func (r *Recognizer) Recognize(ctx context.Context, embedding []float64) (*store.User, float64, error) {
	if len(embedding) == 0 {
		return nil, 0, nil
	}
	users, err := r.users.AllUsers(ctx)
	if err != nil {
		return nil, 0, err
	}

	var best *store.User
	bestSim := -1.0
	for _, u := range users {
		if len(u.FaceEmbedding) == 0 {
			continue
		}
		sim := CosineSimilarity(embedding, u.FaceEmbedding)
		if sim > bestSim || (sim == bestSim && best != nil && u.ID < best.ID) {
			best = u
			bestSim = sim
		}
	}
	if best == nil || bestSim < r.threshold {
		return nil, bestSim, nil
	}
	logging.Debugw("recognizer: matched", "user_id", best.ID, "username", best.Username, "similarity", bestSim)
	return best, bestSim, nil
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// either vector is degenerate or the lengths differ.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
