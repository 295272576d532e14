package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"missionline/internal/domain"
)

const eventColumns = `id,ts,type,COALESCE(mission_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json,COALESCE(published_at,'')`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.MissionID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload, &e.PublishedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents lists events newest first, optionally scoped to one mission.
func (r Repo) LatestEvents(ctx context.Context, limit int, missionID, evtType string) ([]domain.Event, error) {
	var (
		where []string
		args  []any
	)
	if missionID != "" {
		where = append(where, "mission_id=?")
		args = append(args, missionID)
	}
	if evtType != "" {
		where = append(where, "type=?")
		args = append(args, evtType)
	}
	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) UnpublishedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+eventColumns+` FROM events WHERE published_at IS NULL ORDER BY id LIMIT ?`), limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) MarkEventsPublished(ctx context.Context, ids []int64, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(at))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := r.DB.ExecContext(ctx, r.q(`UPDATE events SET published_at=? WHERE id IN (`+placeholders+`)`), args...)
	return err
}
