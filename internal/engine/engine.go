package engine

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"reliefline/internal/config"
	"reliefline/internal/domain"
	"reliefline/internal/events"
	"reliefline/internal/geo"
	"reliefline/internal/repo"
	"reliefline/internal/scoring"
)

// Engine implements the matching and lifecycle core. It holds no long-lived
// entity state: every operation re-reads the store before acting, and all
// mutations guarded by concurrency go through conditional updates in the
// repo. The clock is injected so scoring stays pure and testable.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) weights() config.Scoring {
	if e.Config != nil {
		return e.Config.Scoring
	}
	return config.Default().Scoring
}

// RegisterActorOptions are parameters for signup.
type RegisterActorOptions struct {
	Name     string
	Role     string
	Phone    string
	Location *domain.Location
	Skills   []string
}

func (e Engine) RegisterActor(ctx context.Context, opts RegisterActorOptions) (domain.Actor, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return domain.Actor{}, ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !domain.ValidRole(opts.Role) {
		return domain.Actor{}, ValidationError{Field: "role", Reason: "must be victim or volunteer"}
	}
	if opts.Location != nil {
		if err := geo.Validate(*opts.Location); err != nil {
			return domain.Actor{}, ValidationError{Field: "location", Reason: err.Error()}
		}
	}
	if err := validateSkills(opts.Skills); err != nil {
		return domain.Actor{}, err
	}
	if opts.Role != domain.RoleVolunteer {
		opts.Skills = nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	a := domain.Actor{
		ID:        uuid.New().String(),
		Name:      strings.TrimSpace(opts.Name),
		Role:      opts.Role,
		Phone:     opts.Phone,
		Location:  opts.Location,
		Skills:    opts.Skills,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Repo.InsertActor(ctx, a); err != nil {
		return domain.Actor{}, storeErr("insert actor", err)
	}
	_ = e.Events.Append(ctx, "actor.registered", "actor", a.ID, a.ID, events.EventPayload{"role": a.Role})
	return a, nil
}

// ProfileUpdateOptions carries partial profile changes; nil fields are left
// untouched.
type ProfileUpdateOptions struct {
	ActorID  string
	Name     *string
	Phone    *string
	Location *domain.Location
	Skills   *[]string
}

func (e Engine) UpdateProfile(ctx context.Context, opts ProfileUpdateOptions) (domain.Actor, error) {
	a, err := e.Repo.GetActor(ctx, opts.ActorID)
	if err != nil {
		return domain.Actor{}, storeErr("get actor", err)
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.Actor{}, ValidationError{Field: "name", Reason: "must not be empty"}
		}
		a.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Phone != nil {
		a.Phone = *opts.Phone
	}
	if opts.Location != nil {
		if err := geo.Validate(*opts.Location); err != nil {
			return domain.Actor{}, ValidationError{Field: "location", Reason: err.Error()}
		}
		loc := *opts.Location
		a.Location = &loc
	}
	if opts.Skills != nil {
		if a.Role != domain.RoleVolunteer {
			return domain.Actor{}, InvalidActorError{Reason: "only volunteers carry skills"}
		}
		if err := validateSkills(*opts.Skills); err != nil {
			return domain.Actor{}, err
		}
		a.Skills = *opts.Skills
	}
	a.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateActor(ctx, a); err != nil {
		return domain.Actor{}, storeErr("update actor", err)
	}
	_ = e.Events.Append(ctx, "actor.updated", "actor", a.ID, a.ID, nil)
	return a, nil
}

func (e Engine) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	a, err := e.Repo.GetActor(ctx, id)
	if err != nil {
		return domain.Actor{}, storeErr("get actor", err)
	}
	return a, nil
}

// CreateRequestOptions are parameters for a new help request.
type CreateRequestOptions struct {
	VictimID    string
	Type        string
	Description string
	Urgency     string
	// Location defaults to the victim's profile location when nil. Once the
	// request is stored its location never changes.
	Location *domain.Location
}

func (e Engine) CreateRequest(ctx context.Context, opts CreateRequestOptions) (domain.Request, error) {
	victim, err := e.Repo.GetActor(ctx, opts.VictimID)
	if err != nil {
		return domain.Request{}, storeErr("get actor", err)
	}
	if victim.Role != domain.RoleVictim {
		return domain.Request{}, InvalidActorError{Reason: "only victims can create help requests"}
	}
	if !domain.ValidRequestType(opts.Type) {
		return domain.Request{}, ValidationError{Field: "type", Reason: "must be one of " + strings.Join(domain.RequestTypes, ", ")}
	}
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Request{}, ValidationError{Field: "description", Reason: "must not be empty"}
	}
	if !domain.ValidUrgency(opts.Urgency) {
		return domain.Request{}, ValidationError{Field: "urgency", Reason: "must be low, medium or high"}
	}
	loc := opts.Location
	if loc == nil {
		loc = victim.Location
	}
	if loc == nil {
		return domain.Request{}, ValidationError{Field: "location", Reason: "location is required"}
	}
	if err := geo.Validate(*loc); err != nil {
		return domain.Request{}, ValidationError{Field: "location", Reason: err.Error()}
	}
	now := e.now().UTC().Format(time.RFC3339)
	req := domain.Request{
		ID:              uuid.New().String(),
		VictimID:        victim.ID,
		Type:            opts.Type,
		Description:     strings.TrimSpace(opts.Description),
		Urgency:         opts.Urgency,
		Location:        *loc,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, storeErr("begin tx", err)
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, storeErr("insert request", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Request{}, storeErr("commit", err)
	}
	// The request is committed at this point; a failed audit write must not
	// surface as a failed mutation.
	_ = e.Events.Append(ctx, "request.created", "request", req.ID, victim.ID, events.EventPayload{
		"type": req.Type, "urgency": req.Urgency,
	})
	return req, nil
}

// ListFilters narrow request listings. All fields are optional.
type ListFilters struct {
	Type          string
	Urgency       string
	Status        string
	MaxDistanceKm *float64
}

// ListRequests returns requests scoped by role: victims see only their own,
// volunteers see pending requests by default, distance-annotated and
// distance-sorted when the volunteer has a location.
func (e Engine) ListRequests(ctx context.Context, actorID string, f ListFilters) ([]domain.Request, error) {
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		return nil, storeErr("get actor", err)
	}
	filters := repo.RequestFilters{Type: f.Type, Urgency: f.Urgency, Status: f.Status}
	if actor.Role == domain.RoleVictim {
		filters.VictimID = actor.ID
	} else if filters.Status == "" {
		filters.Status = domain.StatusPending
	}
	reqs, err := e.Repo.ListRequests(ctx, filters)
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	if actor.Role != domain.RoleVolunteer || actor.Location == nil {
		return reqs, nil
	}
	annotated := annotateDistances(*actor.Location, reqs)
	if f.MaxDistanceKm != nil {
		annotated = filterMaxDistance(annotated, *f.MaxDistanceKm)
	}
	sort.SliceStable(annotated, func(i, j int) bool {
		di, dj := annotated[i].DistanceKm, annotated[j].DistanceKm
		if di == nil || dj == nil {
			return dj == nil && di != nil
		}
		return *di < *dj
	})
	return annotated, nil
}

// GetRequest returns a single request. Victims may only read their own;
// volunteers get a distance annotation when located.
func (e Engine) GetRequest(ctx context.Context, requestID, actorID string) (domain.Request, error) {
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		return domain.Request{}, storeErr("get actor", err)
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, storeErr("get request", err)
	}
	if actor.Role == domain.RoleVictim && req.VictimID != actor.ID {
		return domain.Request{}, InvalidActorError{Reason: "request belongs to another victim"}
	}
	if actor.Role == domain.RoleVolunteer && actor.Location != nil {
		if d, err := geo.Distance(*actor.Location, req.Location); err == nil {
			rounded := round2(d)
			req.DistanceKm = &rounded
		}
	}
	return req, nil
}

// SuggestFilters narrow suggestions before ranking. Filtering is a pure
// subset step, so applying it before or after scoring yields the same list.
type SuggestFilters struct {
	Type          string
	Urgency       string
	MaxDistanceKm *float64
}

// Suggest ranks pending requests for a volunteer: candidates are scored with
// one consistent evaluation time, sorted by score descending with distance
// and age as tie-breakers. The engine never truncates the list.
func (e Engine) Suggest(ctx context.Context, volunteerID string, f SuggestFilters) ([]domain.ScoredRequest, error) {
	volunteer, err := e.Repo.GetActor(ctx, volunteerID)
	if err != nil {
		return nil, storeErr("get actor", err)
	}
	if volunteer.Role != domain.RoleVolunteer {
		return nil, InvalidActorError{Reason: "only volunteers get suggestions"}
	}
	if volunteer.Location == nil {
		return nil, ErrLocationRequired
	}
	pending, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
		Status:  domain.StatusPending,
		Type:    f.Type,
		Urgency: f.Urgency,
	})
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	now := e.now().UTC()
	w := e.weights()
	var suggestions []domain.ScoredRequest
	for _, req := range pending {
		d, err := geo.Distance(*volunteer.Location, req.Location)
		if err != nil {
			continue
		}
		if f.MaxDistanceKm != nil && d > *f.MaxDistanceKm {
			continue
		}
		suggestions = append(suggestions, domain.ScoredRequest{
			Request:    req,
			DistanceKm: round2(d),
			Score:      scoring.Score(w, volunteer, req, d, now),
			Reasons:    scoring.Reasons(w, volunteer, req, d, now),
		})
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		a, b := suggestions[i], suggestions[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if a.Request.CreatedAt != b.Request.CreatedAt {
			return a.Request.CreatedAt < b.Request.CreatedAt
		}
		return a.Request.ID < b.Request.ID
	})
	return suggestions, nil
}

// Claim commits a volunteer to a pending request. At most one volunteer ever
// wins a given request: the transition runs as one conditional update and
// losers observe ErrAlreadyClaimed. The engine never retries a lost claim.
func (e Engine) Claim(ctx context.Context, requestID, volunteerID string) (domain.Request, error) {
	volunteer, err := e.Repo.GetActor(ctx, volunteerID)
	if err != nil {
		return domain.Request{}, storeErr("get actor", err)
	}
	if volunteer.Role != domain.RoleVolunteer {
		return domain.Request{}, InvalidActorError{Reason: "only volunteers can claim requests"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	rows, err := e.Repo.ClaimRequest(ctx, requestID, volunteer.ID, now)
	if err != nil {
		return domain.Request{}, storeErr("claim request", err)
	}
	if rows == 0 {
		// Lost the conditional update: tell apart a missing request, a
		// terminal one, and a lost race.
		req, err := e.Repo.GetRequest(ctx, requestID)
		if err != nil {
			return domain.Request{}, storeErr("get request", err)
		}
		if req.Status == domain.StatusCancelled {
			return domain.Request{}, InvalidTransitionError{From: req.Status, To: domain.StatusInProgress}
		}
		return domain.Request{}, ErrAlreadyClaimed
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, storeErr("get request", err)
	}
	// The claim has already won the conditional update; reporting an audit
	// failure here would tell the winner they lost.
	_ = e.Events.Append(ctx, "request.claimed", "request", req.ID, volunteer.ID, nil)
	return req, nil
}

// ensureTransition is the full lifecycle table. pending -> in_progress is
// reserved for Claim; fulfilled and cancelled are terminal.
func ensureTransition(from, to string) error {
	if domain.TerminalStatus(from) {
		return InvalidTransitionError{From: from, To: to}
	}
	switch from {
	case domain.StatusPending:
		if to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusFulfilled || to == domain.StatusPending {
			return nil
		}
	}
	return InvalidTransitionError{From: from, To: to}
}

// SetStatus applies an owner-gated lifecycle transition: the owning victim
// fulfills (in_progress -> fulfilled) or cancels (pending -> cancelled), and
// the assigned volunteer or the owner releases (in_progress -> pending,
// clearing the assignment). All transitions reuse the conditional-update
// discipline so duplicate submits fail cleanly instead of double-applying.
func (e Engine) SetStatus(ctx context.Context, requestID, actorID, newStatus string) (domain.Request, error) {
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		return domain.Request{}, storeErr("get actor", err)
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, storeErr("get request", err)
	}
	if err := ensureTransition(req.Status, newStatus); err != nil {
		return domain.Request{}, err
	}

	isOwner := actor.ID == req.VictimID
	isAssigned := req.VolunteerID != nil && *req.VolunteerID == actor.ID
	var setVolunteer, fulfilledAt *string
	now := e.now().UTC().Format(time.RFC3339)
	switch newStatus {
	case domain.StatusFulfilled:
		if !isOwner {
			return domain.Request{}, InvalidActorError{Reason: "only the owning victim can mark a request fulfilled"}
		}
		fulfilledAt = &now
	case domain.StatusCancelled:
		if !isOwner {
			return domain.Request{}, InvalidActorError{Reason: "only the owning victim can cancel a request"}
		}
	case domain.StatusPending:
		if !isOwner && !isAssigned {
			return domain.Request{}, InvalidActorError{Reason: "only the assigned volunteer or the owning victim can release a request"}
		}
		empty := ""
		setVolunteer = &empty
	}

	rows, err := e.Repo.TransitionRequest(ctx, requestID, req.Status, newStatus, setVolunteer, now, fulfilledAt)
	if err != nil {
		return domain.Request{}, storeErr("update request", err)
	}
	if rows == 0 {
		current, err := e.Repo.GetRequest(ctx, requestID)
		if err != nil {
			return domain.Request{}, storeErr("get request", err)
		}
		return domain.Request{}, InvalidTransitionError{From: current.Status, To: newStatus}
	}
	updated, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, storeErr("get request", err)
	}
	_ = e.Events.Append(ctx, "request.status_changed", "request", updated.ID, actor.ID, events.EventPayload{
		"from": req.Status, "to": updated.Status,
	})
	return updated, nil
}

// MapData returns pending requests for map rendering, distance-annotated and
// distance-sorted when the caller has a location.
func (e Engine) MapData(ctx context.Context, actorID string, f ListFilters) ([]domain.Request, error) {
	actor, err := e.Repo.GetActor(ctx, actorID)
	if err != nil {
		return nil, storeErr("get actor", err)
	}
	reqs, err := e.Repo.ListRequests(ctx, repo.RequestFilters{
		Status:  domain.StatusPending,
		Type:    f.Type,
		Urgency: f.Urgency,
	})
	if err != nil {
		return nil, storeErr("list requests", err)
	}
	if actor.Location == nil {
		return reqs, nil
	}
	annotated := annotateDistances(*actor.Location, reqs)
	if f.MaxDistanceKm != nil {
		annotated = filterMaxDistance(annotated, *f.MaxDistanceKm)
	}
	sort.SliceStable(annotated, func(i, j int) bool {
		di, dj := annotated[i].DistanceKm, annotated[j].DistanceKm
		if di == nil || dj == nil {
			return dj == nil && di != nil
		}
		return *di < *dj
	})
	return annotated, nil
}

func (e Engine) ListEvents(ctx context.Context, limit int, entityKind, entityID string) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, limit, entityKind, entityID)
	if err != nil {
		return nil, storeErr("list events", err)
	}
	return evts, nil
}

func annotateDistances(from domain.Location, reqs []domain.Request) []domain.Request {
	out := make([]domain.Request, 0, len(reqs))
	for _, req := range reqs {
		if d, err := geo.Distance(from, req.Location); err == nil {
			rounded := round2(d)
			req.DistanceKm = &rounded
		}
		out = append(out, req)
	}
	return out
}

func filterMaxDistance(reqs []domain.Request, maxKm float64) []domain.Request {
	var out []domain.Request
	for _, req := range reqs {
		if req.DistanceKm != nil && *req.DistanceKm <= maxKm {
			out = append(out, req)
		}
	}
	return out
}

func validateSkills(skills []string) error {
	for _, s := range skills {
		if !domain.ValidRequestType(s) {
			return ValidationError{Field: "skills", Reason: "unknown skill tag " + s}
		}
	}
	return nil
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
