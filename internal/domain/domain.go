package domain

// Location is a WGS84 point in degrees.
type Location struct {
	Latitude  float64 `json:"latitude" minimum:"-90" maximum:"90"`
	Longitude float64 `json:"longitude" minimum:"-180" maximum:"180"`
}

type Actor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role" enum:"victim,volunteer"`
	Phone     string    `json:"phone,omitempty"`
	Location  *Location `json:"location,omitempty"`
	Skills    []string  `json:"skills,omitempty"`
	CreatedAt string    `json:"created_at" format:"date-time"`
	UpdatedAt string    `json:"updated_at" format:"date-time"`
}

type Request struct {
	ID              string   `json:"id"`
	VictimID        string   `json:"victim_id"`
	Type            string   `json:"type" enum:"food,water,shelter,transport,medical,other"`
	Description     string   `json:"description"`
	Urgency         string   `json:"urgency" enum:"low,medium,high"`
	Location        Location `json:"location"`
	Status          string   `json:"status" enum:"pending,in_progress,fulfilled,cancelled"`
	VolunteerID     *string  `json:"volunteer_id,omitempty"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	StatusChangedAt string   `json:"status_changed_at" format:"date-time"`
	FulfilledAt     *string  `json:"fulfilled_at,omitempty" format:"date-time"`
	DistanceKm      *float64 `json:"distance_km,omitempty"`
}

// ScoredRequest is a request ranked for a specific volunteer.
type ScoredRequest struct {
	Request    Request  `json:"request"`
	DistanceKm float64  `json:"distance_km"`
	Score      int      `json:"score" minimum:"0" maximum:"100"`
	Reasons    []string `json:"reasons,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor roles.
const (
	RoleVictim    = "victim"
	RoleVolunteer = "volunteer"
)

// Request lifecycle states.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusFulfilled  = "fulfilled"
	StatusCancelled  = "cancelled"
)

// Urgency levels.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// RequestTypes are the help categories; volunteer skills use the same tags.
var RequestTypes = []string{"food", "water", "shelter", "transport", "medical", "other"}

func ValidRequestType(t string) bool {
	for _, v := range RequestTypes {
		if v == t {
			return true
		}
	}
	return false
}

func ValidUrgency(u string) bool {
	return u == UrgencyLow || u == UrgencyMedium || u == UrgencyHigh
}

func ValidRole(r string) bool {
	return r == RoleVictim || r == RoleVolunteer
}

// TerminalStatus reports whether no transition may leave the given status.
func TerminalStatus(s string) bool {
	return s == StatusFulfilled || s == StatusCancelled
}
