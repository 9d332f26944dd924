// Package ranker orders a partition's feed candidates by relevance.
//
// Candidates outside the viewer's radius (or with no location at all) are
// discarded; the survivors get a bounded score combining viewer interest,
// engagement, rating, and recency. Scores are recomputed on every call and
// never persisted.
package ranker

import (
	"math"
	"sort"
	"time"

	"github.com/gigtown/localsync/internal/record"
)

// earthRadiusKm is the mean Earth radius used by the haversine formula.
const earthRadiusKm = 6371.0

// InterestSignal is the viewer's stance toward a candidate.
type InterestSignal int

const (
	InterestUnset InterestSignal = iota
	InterestTrue
	InterestFalse
)

// LatLng is a geographic point in degrees.
type LatLng struct {
	Latitude  float64
	Longitude float64
}

// FeedCandidate is one feed item considered for ranking.
type FeedCandidate struct {
	ID            string
	CreatedAt     time.Time // zero means unknown
	LikeCount     int
	CommentCount  int
	RatingAverage float64
	RatingCount   int

	// Location is nil when the item carries no coordinates; such items
	// never pass the geo filter.
	Location *LatLng

	// InterestSignal comes from the viewer's interest map, not from the
	// item itself.
	InterestSignal InterestSignal
}

// Ranked pairs a candidate with its computed score and distance.
type Ranked struct {
	Candidate  FeedCandidate
	Score      float64
	DistanceKm float64
}

// Weights holds the scoring weights. All components are summed and the
// result clamped to [-1, 1].
type Weights struct {
	// Interested and Disinterested are the contributions of an explicit
	// interest signal.
	Interested    float64
	Disinterested float64

	// Likes and Comments cap the engagement contribution; likes saturate
	// at LikeCap, comments at CommentCap.
	Likes      float64
	LikeCap    int
	Comments   float64
	CommentCap int

	// Rating is the maximum rating contribution, reached at a 5.0 average.
	Rating float64

	// Recency is the maximum recency contribution, reached under an hour.
	Recency float64
}

// DefaultWeights returns the production scoring weights.
func DefaultWeights() Weights {
	return Weights{
		Interested:    0.40,
		Disinterested: -0.20,
		Likes:         0.15,
		LikeCap:       100,
		Comments:      0.10,
		CommentCap:    50,
		Rating:        0.20,
		Recency:       0.15,
	}
}

// Ranker scores and orders feed candidates.
type Ranker struct {
	weights Weights
}

// New creates a ranker with the given weights.
func New(weights Weights) *Ranker {
	return &Ranker{weights: weights}
}

// Rank filters candidates by distance from the viewer and returns them
// sorted by score descending, ties broken by creation time descending.
// The result is a plain slice; callers may re-iterate it freely.
func (r *Ranker) Rank(candidates []FeedCandidate, viewer LatLng, radiusKm float64, now time.Time) []Ranked {
	out := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if c.Location == nil {
			continue
		}
		dist := Haversine(viewer, *c.Location)
		if dist > radiusKm {
			continue
		}
		out = append(out, Ranked{
			Candidate:  c,
			Score:      r.Score(c, now),
			DistanceKm: dist,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Candidate.CreatedAt.After(out[j].Candidate.CreatedAt)
	})
	return out
}

// Score computes one candidate's relevance, clamped to [-1, 1].
func (r *Ranker) Score(c FeedCandidate, now time.Time) float64 {
	w := r.weights
	score := 0.0

	switch c.InterestSignal {
	case InterestTrue:
		score += w.Interested
	case InterestFalse:
		score += w.Disinterested
	}

	likes := math.Min(float64(c.LikeCount), float64(w.LikeCap))
	comments := math.Min(float64(c.CommentCount), float64(w.CommentCap))
	if w.LikeCap > 0 {
		score += w.Likes * likes / float64(w.LikeCap)
	}
	if w.CommentCap > 0 {
		score += w.Comments * comments / float64(w.CommentCap)
	}

	if c.RatingCount > 0 {
		score += w.Rating * clamp(c.RatingAverage/5, 0, 1)
	}

	score += w.Recency * recencyFactor(c.CreatedAt, now)

	return clamp(score, -1, 1)
}

// recencyFactor decays from 1.0 under an hour to 0.5 at a day, then drops
// to 0.3. An unknown creation time scores a flat 0.5.
func recencyFactor(createdAt, now time.Time) float64 {
	if createdAt.IsZero() {
		return 0.5
	}
	age := now.Sub(createdAt)
	switch {
	case age < time.Hour:
		return 1.0
	case age < 24*time.Hour:
		frac := float64(age-time.Hour) / float64(23*time.Hour)
		return 1.0 - 0.5*frac
	default:
		return 0.3
	}
}

// Haversine returns the great-circle distance between two points in
// kilometers.
func Haversine(p1, p2 LatLng) float64 {
	lat1 := radians(p1.Latitude)
	lat2 := radians(p2.Latitude)
	dLat := radians(p2.Latitude - p1.Latitude)
	dLon := radians(p2.Longitude - p1.Longitude)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CandidateFromRecord maps a cached feed record onto a ranking candidate.
// The interests map is keyed by entity id; a missing key leaves the
// interest signal unset.
func CandidateFromRecord(rec record.Record, interests map[string]bool) FeedCandidate {
	c := FeedCandidate{
		ID:        rec.EntityID,
		CreatedAt: rec.Fields.Time("created_at"),
	}
	if v, ok := rec.Fields.Float("like_count"); ok {
		c.LikeCount = int(v)
	}
	if v, ok := rec.Fields.Float("comment_count"); ok {
		c.CommentCount = int(v)
	}
	if v, ok := rec.Fields.Float("rating_average"); ok {
		c.RatingAverage = v
	}
	if v, ok := rec.Fields.Float("rating_count"); ok {
		c.RatingCount = int(v)
	}
	lat, okLat := rec.Fields.Float("latitude")
	lng, okLng := rec.Fields.Float("longitude")
	if okLat && okLng {
		c.Location = &LatLng{Latitude: lat, Longitude: lng}
	}
	if interested, ok := interests[rec.EntityID]; ok {
		if interested {
			c.InterestSignal = InterestTrue
		} else {
			c.InterestSignal = InterestFalse
		}
	}
	return c
}
