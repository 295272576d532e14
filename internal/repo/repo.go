package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"missionline/internal/db"
	"missionline/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a conditional update that matched no row because
	// the row changed since it was read.
	ErrConflict = errors.New("row changed since read")
	// ErrDuplicate reports an insert swallowed by a unique constraint.
	ErrDuplicate = errors.New("already exists")
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r Repo) q(query string) string {
	return db.Rebind(r.Dialect, query)
}

const missionColumns = `id,title,COALESCE(brief,''),COALESCE(product_link,''),reward,status,COALESCE(thread_id,''),COALESCE(kickoff_id,''),created_at,enrollment_window_end,submission_window_end,scrape_count,is_tracking,tracking_started_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var (
		m                                       domain.Mission
		status                                  string
		createdAt, enrollEnd, submitEnd, update string
		tracking                                int
		startedAt                               sql.NullString
	)
	err := row.Scan(&m.ID, &m.Title, &m.Brief, &m.ProductLink, &m.Reward, &status, &m.ThreadID, &m.KickoffID,
		&createdAt, &enrollEnd, &submitEnd, &m.ScrapeCount, &tracking, &startedAt, &update)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	m.Status = domain.MissionStatus(status)
	m.IsTracking = tracking != 0
	if m.CreatedAt, err = parseTime(createdAt); err != nil {
		return m, err
	}
	if m.EnrollmentWindowEnd, err = parseTime(enrollEnd); err != nil {
		return m, err
	}
	if m.SubmissionWindowEnd, err = parseTime(submitEnd); err != nil {
		return m, err
	}
	if m.UpdatedAt, err = parseTime(update); err != nil {
		return m, err
	}
	if m.TrackingStartedAt, err = parseNullTime(startedAt); err != nil {
		return m, err
	}
	return m, nil
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO missions(id,title,brief,product_link,reward,status,thread_id,kickoff_id,created_at,enrollment_window_end,submission_window_end,scrape_count,is_tracking,tracking_started_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		m.ID, m.Title, nullable(m.Brief), nullable(m.ProductLink), m.Reward, string(m.Status), nullable(m.ThreadID), nullable(m.KickoffID),
		formatTime(m.CreatedAt), formatTime(m.EnrollmentWindowEnd), formatTime(m.SubmissionWindowEnd),
		m.ScrapeCount, boolInt(m.IsTracking), nullableTime(m.TrackingStartedAt), formatTime(m.UpdatedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return r.getMission(ctx, r.DB, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return r.getMission(ctx, tx, id)
}

func (r Repo) getMission(ctx context.Context, qr queryer, id string) (domain.Mission, error) {
	return scanMission(qr.QueryRowContext(ctx, r.q(`SELECT `+missionColumns+` FROM missions WHERE id=?`), id))
}

func (r Repo) GetMissionByKickoff(ctx context.Context, kickoffID string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, r.q(`SELECT `+missionColumns+` FROM missions WHERE kickoff_id=?`), kickoffID))
}

type MissionFilters struct {
	Status domain.MissionStatus
	Limit  int
}

func (r Repo) ListMissions(ctx context.Context, f MissionFilters) ([]domain.Mission, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) SetMissionThread(ctx context.Context, tx *sql.Tx, id, threadID string, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET thread_id=?, updated_at=? WHERE id=?`), nullable(threadID), formatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a mission from one status to another, conditioned
// on the status the caller read.
func (r Repo) TransitionStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.MissionStatus, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET status=?, updated_at=? WHERE id=? AND status=?`),
		string(to), formatTime(now), id, string(from))
	if err != nil {
		return err
	}
	return r.conditional(ctx, tx, res, id)
}

// ActivateMission stores the generated brief and opens a mission that was
// waiting for it.
func (r Repo) ActivateMission(ctx context.Context, tx *sql.Tx, id, brief string, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET brief=?, status=?, updated_at=? WHERE id=? AND status=?`),
		nullable(brief), string(domain.StatusOpen), formatTime(now), id, string(domain.StatusPendingGeneration))
	if err != nil {
		return err
	}
	return r.conditional(ctx, tx, res, id)
}

// AdvanceTracking claims one tracking cycle: it increments the counter and
// sets the flag only if (scrape_count, is_tracking) still equal seen.
// tracking_started_at is written once.
func (r Repo) AdvanceTracking(ctx context.Context, tx *sql.Tx, id string, seen domain.TrackingState, stillTracking bool, now time.Time) (domain.TrackingState, error) {
	next := domain.TrackingState{ScrapeCount: seen.ScrapeCount + 1, IsTracking: stillTracking}
	ts := formatTime(now)
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET scrape_count=?, is_tracking=?, tracking_started_at=COALESCE(tracking_started_at, ?), updated_at=? WHERE id=? AND scrape_count=? AND is_tracking=?`),
		next.ScrapeCount, boolInt(next.IsTracking), ts, ts, id, seen.ScrapeCount, boolInt(seen.IsTracking))
	if err != nil {
		return seen, err
	}
	if err := r.conditional(ctx, tx, res, id); err != nil {
		return seen, err
	}
	return next, nil
}

// SetTracking flips the tracking flag, conditioned on the state the caller read.
func (r Repo) SetTracking(ctx context.Context, tx *sql.Tx, id string, seen domain.TrackingState, tracking bool, now time.Time) error {
	res, err := tx.ExecContext(ctx, r.q(`UPDATE missions SET is_tracking=?, updated_at=? WHERE id=? AND scrape_count=? AND is_tracking=?`),
		boolInt(tracking), formatTime(now), id, seen.ScrapeCount, boolInt(seen.IsTracking))
	if err != nil {
		return err
	}
	return r.conditional(ctx, tx, res, id)
}

// conditional turns a zero-row conditional update into ErrNotFound or
// ErrConflict depending on whether the row exists at all.
func (r Repo) conditional(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = tx.QueryRowContext(ctx, r.q(`SELECT 1 FROM missions WHERE id=?`), id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

func (r Repo) UpsertContributor(ctx context.Context, tx *sql.Tx, c domain.Contributor) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO contributors(id,username,active,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username`),
		c.ID, c.Username, boolInt(c.Active), formatTime(c.CreatedAt))
	return err
}

// SyncContributor upserts a contributor and overwrites its active flag.
func (r Repo) SyncContributor(ctx context.Context, tx *sql.Tx, c domain.Contributor) error {
	_, err := tx.ExecContext(ctx, r.q(`INSERT INTO contributors(id,username,active,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET username=excluded.username, active=excluded.active`),
		c.ID, c.Username, boolInt(c.Active), formatTime(c.CreatedAt))
	return err
}

func (r Repo) GetContributor(ctx context.Context, id string) (domain.Contributor, error) {
	var (
		c         domain.Contributor
		active    int
		createdAt string
	)
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT id,username,active,created_at FROM contributors WHERE id=?`), id).
		Scan(&c.ID, &c.Username, &active, &createdAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Active = active != 0
	c.CreatedAt, err = parseTime(createdAt)
	return c, err
}

func (r Repo) ParticipantExists(ctx context.Context, missionID, contributorID string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM participants WHERE mission_id=? AND contributor_id=?`, missionID, contributorID)
}

// InsertParticipant returns ErrDuplicate when the pair is already enrolled.
func (r Repo) InsertParticipant(ctx context.Context, tx *sql.Tx, p domain.Participant) error {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO participants(mission_id,contributor_id,joined_at) VALUES (?,?,?)
ON CONFLICT(mission_id,contributor_id) DO NOTHING`),
		p.MissionID, p.ContributorID, formatTime(p.JoinedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r Repo) ListParticipants(ctx context.Context, missionID string) ([]domain.Participant, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT mission_id,contributor_id,joined_at FROM participants WHERE mission_id=? ORDER BY joined_at, contributor_id`), missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Participant
	for rows.Next() {
		var (
			p      domain.Participant
			joined string
		)
		if err := rows.Scan(&p.MissionID, &p.ContributorID, &joined); err != nil {
			return nil, err
		}
		if p.JoinedAt, err = parseTime(joined); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout keeps every stored timestamp the same width so text ordering
// matches chronological ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
