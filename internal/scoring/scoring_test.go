package scoring_test

import (
	"testing"
	"time"

	"reliefline/internal/config"
	"reliefline/internal/domain"
	"reliefline/internal/scoring"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func weights() config.Scoring {
	return config.Default().Scoring
}

func request(urgency, reqType string, age time.Duration) domain.Request {
	return domain.Request{
		Type:      reqType,
		Urgency:   urgency,
		Status:    domain.StatusPending,
		CreatedAt: now.Add(-age).Format(time.RFC3339),
	}
}

func TestScoreDeterministicAndBounded(t *testing.T) {
	w := weights()
	v := domain.Actor{Role: domain.RoleVolunteer, Skills: []string{"food"}}
	r := request(domain.UrgencyHigh, "food", 10*time.Minute)
	first := scoring.Score(w, v, r, 1.2, now)
	second := scoring.Score(w, v, r, 1.2, now)
	if first != second {
		t.Fatalf("same inputs scored %d then %d", first, second)
	}
	// Max of every term exceeds 100 before clamping.
	if first < 0 || first > 100 {
		t.Fatalf("score %d outside [0,100]", first)
	}
	if first != 100 {
		t.Fatalf("close+high+skill+fresh should clamp to 100, got %d", first)
	}
}

func TestDistanceBands(t *testing.T) {
	w := weights()
	v := domain.Actor{Role: domain.RoleVolunteer}
	r := request(domain.UrgencyLow, "water", 48*time.Hour)
	base := w.Urgency.Low
	cases := []struct {
		distance float64
		want     int
	}{
		{0, base + w.Distance.CloseBonus},
		{w.Distance.CloseKm, base + w.Distance.CloseBonus},
		{w.Distance.CloseKm + 0.01, base + w.Distance.NearBonus},
		{w.Distance.NearKm, base + w.Distance.NearBonus},
		{w.Distance.NearKm + 0.01, base},
		{500, base},
	}
	for _, c := range cases {
		if got := scoring.Score(w, v, r, c.distance, now); got != c.want {
			t.Fatalf("distance %v: got %d want %d", c.distance, got, c.want)
		}
	}
}

func TestUrgencyOrdering(t *testing.T) {
	w := weights()
	v := domain.Actor{Role: domain.RoleVolunteer}
	far := 100.0
	high := scoring.Score(w, v, request(domain.UrgencyHigh, "water", 48*time.Hour), far, now)
	medium := scoring.Score(w, v, request(domain.UrgencyMedium, "water", 48*time.Hour), far, now)
	low := scoring.Score(w, v, request(domain.UrgencyLow, "water", 48*time.Hour), far, now)
	if !(high > medium && medium > low) {
		t.Fatalf("urgency ordering broken: %d %d %d", high, medium, low)
	}
}

func TestRecencyDecay(t *testing.T) {
	w := weights()
	v := domain.Actor{Role: domain.RoleVolunteer}
	far := 100.0
	base := w.Urgency.Low
	fresh := scoring.Score(w, v, request(domain.UrgencyLow, "water", time.Hour), far, now)
	if fresh != base+w.RecencyBonus {
		t.Fatalf("fresh request: got %d want %d", fresh, base+w.RecencyBonus)
	}
	mid := scoring.Score(w, v, request(domain.UrgencyLow, "water", 13*time.Hour), far, now)
	if mid <= base || mid >= base+w.RecencyBonus {
		t.Fatalf("mid-decay score %d should sit strictly between %d and %d", mid, base, base+w.RecencyBonus)
	}
	old := scoring.Score(w, v, request(domain.UrgencyLow, "water", 30*time.Hour), far, now)
	if old != base {
		t.Fatalf("expired recency: got %d want %d", old, base)
	}
}

// Every emitted reason must imply the matching scoring term contributed.
func TestReasonsImplyNonZeroTerms(t *testing.T) {
	w := weights()
	v := domain.Actor{Role: domain.RoleVolunteer, Skills: []string{"medical"}}
	cases := []struct {
		req      domain.Request
		distance float64
	}{
		{request(domain.UrgencyHigh, "medical", 30*time.Minute), 2},
		{request(domain.UrgencyMedium, "food", 5*time.Hour), 10},
		{request(domain.UrgencyLow, "water", 40*time.Hour), 200},
	}
	for _, c := range cases {
		reasons := scoring.Reasons(w, v, c.req, c.distance, now)
		withSkill := scoring.Score(w, v, c.req, c.distance, now)
		withoutSkill := scoring.Score(w, domain.Actor{Role: domain.RoleVolunteer}, c.req, c.distance, now)
		for _, reason := range reasons {
			switch reason {
			case scoring.ReasonVeryClose:
				if c.distance > w.Distance.CloseKm {
					t.Fatalf("very-close reason at %v km", c.distance)
				}
			case scoring.ReasonNearby:
				if c.distance > w.Distance.NearKm {
					t.Fatalf("nearby reason at %v km", c.distance)
				}
			case scoring.ReasonHighPriority:
				if c.req.Urgency != domain.UrgencyHigh {
					t.Fatalf("high-priority reason for urgency %s", c.req.Urgency)
				}
			case scoring.ReasonSkillMatch:
				if withSkill <= withoutSkill {
					t.Fatalf("skill reason without skill contribution")
				}
			case scoring.ReasonRecent:
				// Compare fresh vs aged far away and without a skill match so
				// the totals stay below the cap and the recency term shows.
				aged := c.req
				aged.CreatedAt = now.Add(-48 * time.Hour).Format(time.RFC3339)
				plain := domain.Actor{Role: domain.RoleVolunteer}
				far := w.Distance.NearKm + 1
				if scoring.Score(w, plain, c.req, far, now) <= scoring.Score(w, plain, aged, far, now) {
					t.Fatalf("recent reason without recency contribution")
				}
			default:
				t.Fatalf("unknown reason %q", reason)
			}
		}
	}
}

// Scenario from the product brief: a close, urgent, skill-matched, fresh
// request must outrank a far, low-urgency, stale one.
func TestExampleScenarioRanking(t *testing.T) {
	w := weights()
	v := domain.Actor{
		Role:     domain.RoleVolunteer,
		Location: &domain.Location{Latitude: 37.77, Longitude: -122.42},
		Skills:   []string{"food"},
	}
	reqA := request(domain.UrgencyHigh, "food", 10*time.Minute)
	reqA.Location = domain.Location{Latitude: 37.78, Longitude: -122.43}
	reqB := request(domain.UrgencyLow, "medical", 20*time.Hour)
	reqB.Location = domain.Location{Latitude: 37.90, Longitude: -122.60}

	// ~1.4 km and ~21 km respectively.
	scoreA := scoring.Score(w, v, reqA, 1.4, now)
	scoreB := scoring.Score(w, v, reqB, 21, now)
	if scoreA <= scoreB {
		t.Fatalf("A (%d) should outrank B (%d)", scoreA, scoreB)
	}
	reasonsA := scoring.Reasons(w, v, reqA, 1.4, now)
	want := []string{
		scoring.ReasonVeryClose,
		scoring.ReasonHighPriority,
		scoring.ReasonSkillMatch,
		scoring.ReasonRecent,
	}
	if len(reasonsA) != len(want) {
		t.Fatalf("reasons A = %v, want %v", reasonsA, want)
	}
	for i := range want {
		if reasonsA[i] != want[i] {
			t.Fatalf("reasons A = %v, want %v", reasonsA, want)
		}
	}
	for _, r := range scoring.Reasons(w, v, reqB, 21, now) {
		if r == scoring.ReasonSkillMatch {
			t.Fatalf("B must not carry the skill-match reason")
		}
	}
}
