package server

import (
	"reliefline/internal/domain"
)

// Request payloads

type SignupRequest struct {
	Name     string           `json:"name"`
	Role     string           `json:"role" enum:"victim,volunteer"`
	Phone    string           `json:"phone,omitempty"`
	Location *domain.Location `json:"location,omitempty"`
	Skills   []string         `json:"skills,omitempty"`
}

type UpdateProfileRequest struct {
	Name     *string          `json:"name,omitempty"`
	Phone    *string          `json:"phone,omitempty"`
	Location *domain.Location `json:"location,omitempty"`
	Skills   *[]string        `json:"skills,omitempty"`
}

type CreateHelpRequest struct {
	Type        string           `json:"type" enum:"food,water,shelter,transport,medical,other"`
	Description string           `json:"description"`
	Urgency     string           `json:"urgency" enum:"low,medium,high"`
	Location    *domain.Location `json:"location,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"pending,fulfilled,cancelled"`
}

type LoginRequest struct {
	ActorID string `json:"actor_id"`
}

// Response payloads

type ActorResponse struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Role      string           `json:"role" enum:"victim,volunteer"`
	Phone     string           `json:"phone,omitempty"`
	Location  *domain.Location `json:"location,omitempty"`
	Skills    []string         `json:"skills,omitempty"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	UpdatedAt string           `json:"updated_at" format:"date-time"`
}

type SignupResponse struct {
	Actor    ActorResponse `json:"actor"`
	APIKey   string        `json:"api_key"`
	APIKeyID string        `json:"api_key_id"`
}

type LoginResponse struct {
	Token string `json:"token"`
}

type RequestResponse struct {
	ID              string          `json:"id"`
	VictimID        string          `json:"victim_id"`
	Type            string          `json:"type" enum:"food,water,shelter,transport,medical,other"`
	Description     string          `json:"description"`
	Urgency         string          `json:"urgency" enum:"low,medium,high"`
	Location        domain.Location `json:"location"`
	Status          string          `json:"status" enum:"pending,in_progress,fulfilled,cancelled"`
	VolunteerID     *string         `json:"volunteer_id,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	StatusChangedAt string          `json:"status_changed_at" format:"date-time"`
	FulfilledAt     *string         `json:"fulfilled_at,omitempty" format:"date-time"`
	DistanceKm      *float64        `json:"distance_km,omitempty"`
}

type SuggestionResponse struct {
	Request    RequestResponse `json:"request"`
	DistanceKm float64         `json:"distance_km"`
	Score      int             `json:"score" minimum:"0" maximum:"100"`
	Reasons    []string        `json:"reasons"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload,omitempty"`
}

func actorResponse(a domain.Actor) ActorResponse {
	return ActorResponse{
		ID:        a.ID,
		Name:      a.Name,
		Role:      a.Role,
		Phone:     a.Phone,
		Location:  a.Location,
		Skills:    a.Skills,
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func requestResponse(r domain.Request) RequestResponse {
	return RequestResponse{
		ID:              r.ID,
		VictimID:        r.VictimID,
		Type:            r.Type,
		Description:     r.Description,
		Urgency:         r.Urgency,
		Location:        r.Location,
		Status:          r.Status,
		VolunteerID:     r.VolunteerID,
		CreatedAt:       r.CreatedAt,
		StatusChangedAt: r.StatusChangedAt,
		FulfilledAt:     r.FulfilledAt,
		DistanceKm:      r.DistanceKm,
	}
}

func mapRequests(items []domain.Request) []RequestResponse {
	out := make([]RequestResponse, 0, len(items))
	for _, r := range items {
		out = append(out, requestResponse(r))
	}
	return out
}

func suggestionResponse(s domain.ScoredRequest) SuggestionResponse {
	reasons := s.Reasons
	if reasons == nil {
		reasons = []string{}
	}
	return SuggestionResponse{
		Request:    requestResponse(s.Request),
		DistanceKm: s.DistanceKm,
		Score:      s.Score,
		Reasons:    reasons,
	}
}

func mapSuggestions(items []domain.ScoredRequest) []SuggestionResponse {
	out := make([]SuggestionResponse, 0, len(items))
	for _, s := range items {
		out = append(out, suggestionResponse(s))
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}
