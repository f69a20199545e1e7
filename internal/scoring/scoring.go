// Package scoring computes match scores for (volunteer, request) pairs.
// All functions are pure: the evaluation time is passed in explicitly so
// results are reproducible for a fixed now.
package scoring

import (
	"time"

	"reliefline/internal/config"
	"reliefline/internal/domain"
)

// Reason tags surfaced alongside suggestions. They explain the score but
// never influence ranking.
const (
	ReasonVeryClose    = "Very close to you"
	ReasonNearby       = "Nearby"
	ReasonHighPriority = "High priority"
	ReasonSkillMatch   = "Matches your skills"
	ReasonRecent       = "Recent request"
)

// Score returns the match score in [0,100] for a volunteer and a request at
// the given distance. Terms are applied in fixed order: distance, urgency,
// skill overlap, recency.
func Score(w config.Scoring, volunteer domain.Actor, req domain.Request, distanceKm float64, now time.Time) int {
	score := distanceTerm(w, distanceKm)
	score += urgencyTerm(w, req.Urgency)
	score += skillTerm(w, volunteer.Skills, req.Type)
	score += recencyTerm(w, req.CreatedAt, now)
	return clamp(score, 0, 100)
}

// Reasons derives the explanation tags for a scored pair. Each reason is
// emitted only when the corresponding scoring term is non-zero, and in the
// same order the terms are applied.
func Reasons(w config.Scoring, volunteer domain.Actor, req domain.Request, distanceKm float64, now time.Time) []string {
	var reasons []string
	switch {
	case distanceKm <= w.Distance.CloseKm:
		reasons = append(reasons, ReasonVeryClose)
	case distanceKm <= w.Distance.NearKm:
		reasons = append(reasons, ReasonNearby)
	}
	if req.Urgency == domain.UrgencyHigh {
		reasons = append(reasons, ReasonHighPriority)
	}
	if skillTerm(w, volunteer.Skills, req.Type) > 0 {
		reasons = append(reasons, ReasonSkillMatch)
	}
	if age, ok := requestAge(req.CreatedAt, now); ok && age < w.FreshWindow.Std() {
		reasons = append(reasons, ReasonRecent)
	}
	return reasons
}

func distanceTerm(w config.Scoring, distanceKm float64) int {
	switch {
	case distanceKm < 0:
		return 0
	case distanceKm <= w.Distance.CloseKm:
		return w.Distance.CloseBonus
	case distanceKm <= w.Distance.NearKm:
		return w.Distance.NearBonus
	default:
		return 0
	}
}

func urgencyTerm(w config.Scoring, urgency string) int {
	switch urgency {
	case domain.UrgencyHigh:
		return w.Urgency.High
	case domain.UrgencyMedium:
		return w.Urgency.Medium
	case domain.UrgencyLow:
		return w.Urgency.Low
	default:
		return 0
	}
}

func skillTerm(w config.Scoring, skills []string, reqType string) int {
	for _, s := range skills {
		if s == reqType {
			return w.SkillBonus
		}
	}
	return 0
}

// recencyTerm grants the full bonus while the request is younger than the
// fresh window, then decays linearly to zero at the cutoff.
func recencyTerm(w config.Scoring, createdAt string, now time.Time) int {
	age, ok := requestAge(createdAt, now)
	if !ok {
		return 0
	}
	fresh := w.FreshWindow.Std()
	cutoff := w.DecayCutoff.Std()
	switch {
	case age < fresh:
		return w.RecencyBonus
	case age >= cutoff:
		return 0
	default:
		remaining := float64(cutoff-age) / float64(cutoff-fresh)
		return int(float64(w.RecencyBonus) * remaining)
	}
}

func requestAge(createdAt string, now time.Time) (time.Duration, bool) {
	created, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0, false
	}
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return age, true
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
