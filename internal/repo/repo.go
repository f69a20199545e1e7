package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"reliefline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const actorColumns = `id,name,role,COALESCE(phone,'') AS phone,latitude,longitude,skills_json,created_at,updated_at`

func scanActor(scan func(dest ...any) error) (domain.Actor, error) {
	var a domain.Actor
	var lat, lon sql.NullFloat64
	var skills sql.NullString
	err := scan(&a.ID, &a.Name, &a.Role, &a.Phone, &lat, &lon, &skills, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if lat.Valid && lon.Valid {
		a.Location = &domain.Location{Latitude: lat.Float64, Longitude: lon.Float64}
	}
	if skills.Valid && skills.String != "" {
		if err := json.Unmarshal([]byte(skills.String), &a.Skills); err != nil {
			return a, fmt.Errorf("decode skills for actor %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) error {
	skills, err := marshalStringSlice(a.Skills)
	if err != nil {
		return err
	}
	lat, lon := locationColumns(a.Location)
	_, err = r.DB.ExecContext(ctx, `INSERT INTO actors(id,name,role,phone,latitude,longitude,skills_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Name, a.Role, nullable(a.Phone), lat, lon, nullableStringPtr(skills), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actorColumns+` FROM actors WHERE id=?`, id)
	return scanActor(row.Scan)
}

func (r Repo) UpdateActor(ctx context.Context, a domain.Actor) error {
	skills, err := marshalStringSlice(a.Skills)
	if err != nil {
		return err
	}
	lat, lon := locationColumns(a.Location)
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET name=?, phone=?, latitude=?, longitude=?, skills_json=?, updated_at=? WHERE id=?`,
		a.Name, nullable(a.Phone), lat, lon, nullableStringPtr(skills), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const requestColumns = `id,victim_id,type,description,urgency,latitude,longitude,status,volunteer_id,created_at,status_changed_at,fulfilled_at`

func scanRequest(scan func(dest ...any) error) (domain.Request, error) {
	var req domain.Request
	var volunteerID, fulfilledAt sql.NullString
	err := scan(&req.ID, &req.VictimID, &req.Type, &req.Description, &req.Urgency,
		&req.Location.Latitude, &req.Location.Longitude, &req.Status, &volunteerID,
		&req.CreatedAt, &req.StatusChangedAt, &fulfilledAt)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	if err != nil {
		return req, err
	}
	if volunteerID.Valid {
		req.VolunteerID = &volunteerID.String
	}
	if fulfilledAt.Valid {
		req.FulfilledAt = &fulfilledAt.String
	}
	return req, nil
}

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.Request) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requests(`+requestColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		req.ID, req.VictimID, req.Type, req.Description, req.Urgency,
		req.Location.Latitude, req.Location.Longitude, req.Status, nullableStringPtr(req.VolunteerID),
		req.CreatedAt, req.StatusChangedAt, nullableStringPtr(req.FulfilledAt))
	return err
}

func (r Repo) GetRequest(ctx context.Context, id string) (domain.Request, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=?`, id)
	return scanRequest(row.Scan)
}

type RequestFilters struct {
	VictimID    string
	VolunteerID string
	Status      string
	Type        string
	Urgency     string
	Limit       int
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.Request, error) {
	var clauses []string
	var args []any
	if f.VictimID != "" {
		clauses = append(clauses, "victim_id=?")
		args = append(args, f.VictimID)
	}
	if f.VolunteerID != "" {
		clauses = append(clauses, "volunteer_id=?")
		args = append(args, f.VolunteerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Urgency != "" {
		clauses = append(clauses, "urgency=?")
		args = append(args, f.Urgency)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + requestColumns + ` FROM requests ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// ClaimRequest transitions a request from pending to in_progress for the
// given volunteer as a single conditional update. It returns the number of
// rows changed: 1 means the caller won the claim, 0 means the request either
// does not exist or is no longer pending; the caller re-reads to tell the
// two apart. This must stay one statement so concurrent claimers serialize
// at the store rather than racing a read-then-write pair.
func (r Repo) ClaimRequest(ctx context.Context, requestID, volunteerID, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE requests SET status=?, volunteer_id=?, status_changed_at=? WHERE id=? AND status=?`,
		domain.StatusInProgress, volunteerID, now, requestID, domain.StatusPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TransitionRequest applies a conditional status update guarded on the
// current status. setVolunteer controls the volunteer_id column: nil leaves
// assignment in place for fulfilled, a pointer to "" clears it on release.
func (r Repo) TransitionRequest(ctx context.Context, requestID, fromStatus, toStatus string, setVolunteer *string, now string, fulfilledAt *string) (int64, error) {
	sets := []string{"status=?", "status_changed_at=?"}
	args := []any{toStatus, now}
	if setVolunteer != nil {
		sets = append(sets, "volunteer_id=?")
		args = append(args, nullable(*setVolunteer))
	}
	if fulfilledAt != nil {
		sets = append(sets, "fulfilled_at=?")
		args = append(args, *fulfilledAt)
	}
	args = append(args, requestID, fromStatus)
	res, err := r.DB.ExecContext(ctx,
		`UPDATE requests SET `+strings.Join(sets, ", ")+` WHERE id=? AND status=?`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if limit <= 0 {
		limit = 50
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func locationColumns(l *domain.Location) (any, any) {
	if l == nil {
		return nil, nil
	}
	return l.Latitude, l.Longitude
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
