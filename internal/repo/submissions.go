package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"missionline/internal/domain"
)

const submissionColumns = `id,mission_id,contributor_id,COALESCE(tiktok_link,''),COALESCE(instagram_link,''),COALESCE(reflection,''),status,
tiktok_views,tiktok_likes,tiktok_shares,tiktok_comments,tiktok_metrics_at,
instagram_views,instagram_likes,instagram_shares,instagram_comments,instagram_metrics_at,created_at`

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var (
		s          domain.Submission
		ttAt, igAt sql.NullString
		createdAt  string
		errParse   error
	)
	tt, ig := &s.TikTokMetrics, &s.InstagramMetrics
	err := row.Scan(&s.ID, &s.MissionID, &s.ContributorID, &s.TikTokLink, &s.InstagramLink, &s.Reflection, &s.Status,
		&tt.Views, &tt.Likes, &tt.Shares, &tt.Comments, &ttAt,
		&ig.Views, &ig.Likes, &ig.Shares, &ig.Comments, &igAt, &createdAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if tt.CapturedAt, errParse = parseNullTime(ttAt); errParse != nil {
		return s, errParse
	}
	if ig.CapturedAt, errParse = parseNullTime(igAt); errParse != nil {
		return s, errParse
	}
	s.CreatedAt, errParse = parseTime(createdAt)
	return s, errParse
}

func (r Repo) SubmissionExists(ctx context.Context, missionID, contributorID string) (bool, error) {
	return r.exists(ctx, `SELECT 1 FROM submissions WHERE mission_id=? AND contributor_id=?`, missionID, contributorID)
}

// InsertSubmission returns ErrDuplicate when the contributor already
// submitted for the mission.
func (r Repo) InsertSubmission(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	res, err := tx.ExecContext(ctx, r.q(`INSERT INTO submissions(id,mission_id,contributor_id,tiktok_link,instagram_link,reflection,status,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(mission_id,contributor_id) DO NOTHING`),
		s.ID, s.MissionID, s.ContributorID, nullable(s.TikTokLink), nullable(s.InstagramLink), nullable(s.Reflection), s.Status, formatTime(s.CreatedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return scanSubmission(r.DB.QueryRowContext(ctx, r.q(`SELECT `+submissionColumns+` FROM submissions WHERE id=?`), id))
}

func (r Repo) ListSubmissions(ctx context.Context, missionID string) ([]domain.Submission, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+submissionColumns+` FROM submissions WHERE mission_id=? ORDER BY created_at, id`), missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSubmissionMetrics overwrites one platform's totals. Scrapes report
// cumulative values, so replaying a notification is harmless.
func (r Repo) UpdateSubmissionMetrics(ctx context.Context, tx *sql.Tx, submissionID string, p domain.Platform, m domain.Metrics, at time.Time) error {
	var prefix string
	switch p {
	case domain.PlatformTikTok:
		prefix = "tiktok"
	case domain.PlatformInstagram:
		prefix = "instagram"
	default:
		return fmt.Errorf("unknown platform %q", p)
	}
	query := fmt.Sprintf(`UPDATE submissions SET %[1]s_views=?, %[1]s_likes=?, %[1]s_shares=?, %[1]s_comments=?, %[1]s_metrics_at=? WHERE id=?`, prefix)
	res, err := tx.ExecContext(ctx, r.q(query), m.Views, m.Likes, m.Shares, m.Comments, formatTime(at), submissionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
