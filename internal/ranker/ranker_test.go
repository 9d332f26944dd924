package ranker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gigtown/localsync/internal/record"
)

var (
	saoPaulo = LatLng{Latitude: -23.5505, Longitude: -46.6333}
	rio      = LatLng{Latitude: -22.9068, Longitude: -43.1729}
)

func TestHaversineSamePointIsZero(t *testing.T) {
	assert.Zero(t, Haversine(saoPaulo, saoPaulo))
}

func TestHaversineSymmetric(t *testing.T) {
	assert.InDelta(t, Haversine(saoPaulo, rio), Haversine(rio, saoPaulo), 1e-9)
}

func TestHaversineKnownDistance(t *testing.T) {
	// São Paulo to Rio de Janeiro is roughly 360 km great-circle.
	assert.InDelta(t, 360, Haversine(saoPaulo, rio), 10)
}

func TestScoreWellEngagedRecentItem(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()

	c := FeedCandidate{
		ID:             "post-1",
		CreatedAt:      now.Add(-30 * time.Minute),
		LikeCount:      50,
		CommentCount:   10,
		RatingAverage:  4.5,
		RatingCount:    20,
		InterestSignal: InterestTrue,
	}

	// 0.40 + (0.15*0.5 + 0.10*0.2) + 0.20*0.9 + 0.15*1.0
	assert.InDelta(t, 0.825, r.Score(c, now), 1e-9)
}

func TestScoreStaysBounded(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()

	extremes := []FeedCandidate{
		{InterestSignal: InterestTrue, LikeCount: 1 << 30, CommentCount: 1 << 30, RatingAverage: 100, RatingCount: 1, CreatedAt: now},
		{InterestSignal: InterestFalse, RatingAverage: -50, RatingCount: 1, CreatedAt: now.Add(-1000 * time.Hour)},
		{},
		{InterestSignal: InterestFalse, LikeCount: -5, CommentCount: -5},
	}
	for _, c := range extremes {
		score := r.Score(c, now)
		assert.GreaterOrEqual(t, score, -1.0)
		assert.LessOrEqual(t, score, 1.0)
	}
}

func TestScoreInterestSignal(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()
	base := FeedCandidate{CreatedAt: now}

	unset := r.Score(base, now)

	interested := base
	interested.InterestSignal = InterestTrue
	assert.InDelta(t, unset+0.40, r.Score(interested, now), 1e-9)

	disinterested := base
	disinterested.InterestSignal = InterestFalse
	assert.InDelta(t, unset-0.20, r.Score(disinterested, now), 1e-9)
}

func TestScoreEngagementSaturates(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()

	atCap := FeedCandidate{LikeCount: 100, CommentCount: 50, CreatedAt: now}
	overCap := FeedCandidate{LikeCount: 100000, CommentCount: 50000, CreatedAt: now}
	assert.InDelta(t, r.Score(atCap, now), r.Score(overCap, now), 1e-9)
}

func TestScoreRatingNeedsVotes(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()

	unrated := FeedCandidate{RatingAverage: 5, RatingCount: 0, CreatedAt: now}
	rated := FeedCandidate{RatingAverage: 5, RatingCount: 1, CreatedAt: now}
	assert.InDelta(t, r.Score(unrated, now)+0.20, r.Score(rated, now), 1e-9)
}

func TestRecencyFactor(t *testing.T) {
	now := time.Now()

	assert.Equal(t, 1.0, recencyFactor(now.Add(-10*time.Minute), now))
	assert.Equal(t, 0.3, recencyFactor(now.Add(-48*time.Hour), now))
	assert.Equal(t, 0.5, recencyFactor(time.Time{}, now))

	// Midpoint of the 1h-24h window decays halfway between 1.0 and 0.5.
	mid := now.Add(-(time.Hour + 23*time.Hour/2))
	assert.InDelta(t, 0.75, recencyFactor(mid, now), 1e-9)

	// Just inside a day still beats the beyond-a-day floor.
	assert.Greater(t, recencyFactor(now.Add(-23*time.Hour), now), 0.5)
}

func TestRankFiltersByDistance(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()

	nearby := saoPaulo
	nearby.Latitude += 0.02 // about 2 km north

	candidates := []FeedCandidate{
		{ID: "near", Location: &nearby, CreatedAt: now},
		{ID: "far", Location: &rio, CreatedAt: now},
		{ID: "nowhere", Location: nil, CreatedAt: now},
	}

	ranked := r.Rank(candidates, saoPaulo, 10, now)
	require.Len(t, ranked, 1)
	assert.Equal(t, "near", ranked[0].Candidate.ID)
	assert.InDelta(t, 2.2, ranked[0].DistanceKm, 0.5)
}

func TestRankOrdersByScoreThenRecency(t *testing.T) {
	r := New(DefaultWeights())
	now := time.Now()
	loc := saoPaulo

	candidates := []FeedCandidate{
		{ID: "old-boring", Location: &loc, CreatedAt: now.Add(-48 * time.Hour)},
		{ID: "hot", Location: &loc, CreatedAt: now, InterestSignal: InterestTrue},
		{ID: "fresh", Location: &loc, CreatedAt: now},
		{ID: "fresher", Location: &loc, CreatedAt: now.Add(time.Minute)},
	}

	ranked := r.Rank(candidates, saoPaulo, 10, now)
	require.Len(t, ranked, 4)
	assert.Equal(t, "hot", ranked[0].Candidate.ID)
	// fresh and fresher tie on score; the newer one comes first.
	assert.Equal(t, "fresher", ranked[1].Candidate.ID)
	assert.Equal(t, "fresh", ranked[2].Candidate.ID)
	assert.Equal(t, "old-boring", ranked[3].Candidate.ID)
}

func TestCandidateFromRecord(t *testing.T) {
	created := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	rec := record.Record{
		EntityType: record.EntityPost,
		EntityID:   "post-1",
		Fields: record.FieldMap{
			"caption":        "olá",
			"created_at":     created.Format(time.RFC3339Nano),
			"like_count":     float64(12),
			"comment_count":  float64(3),
			"rating_average": 4.2,
			"rating_count":   float64(7),
			"latitude":       saoPaulo.Latitude,
			"longitude":      saoPaulo.Longitude,
		},
	}

	c := CandidateFromRecord(rec, map[string]bool{"post-1": true})
	assert.Equal(t, "post-1", c.ID)
	assert.True(t, c.CreatedAt.Equal(created))
	assert.Equal(t, 12, c.LikeCount)
	assert.Equal(t, 3, c.CommentCount)
	assert.InDelta(t, 4.2, c.RatingAverage, 1e-9)
	assert.Equal(t, 7, c.RatingCount)
	require.NotNil(t, c.Location)
	assert.InDelta(t, saoPaulo.Latitude, c.Location.Latitude, 1e-9)
	assert.Equal(t, InterestTrue, c.InterestSignal)

	noLocation := record.Record{
		EntityType: record.EntityPost,
		EntityID:   "post-2",
		Fields:     record.FieldMap{"caption": "sem lugar"},
	}
	c = CandidateFromRecord(noLocation, nil)
	assert.Nil(t, c.Location)
	assert.Equal(t, InterestUnset, c.InterestSignal)
	assert.True(t, c.CreatedAt.IsZero())
}
