package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"missionline/internal/config"
	"missionline/internal/db"
	"missionline/internal/domain"
	"missionline/internal/engine"
	"missionline/internal/migrate"
	"missionline/internal/ports"
	"missionline/internal/repo"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []ports.DelayedTask
	err   error
}

func (f *fakeScheduler) Schedule(_ context.Context, task ports.DelayedTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeScheduler) withKeyPrefix(prefix string) []ports.DelayedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ports.DelayedTask
	for _, task := range f.tasks {
		if strings.HasPrefix(task.IdempotencyKey, prefix) {
			out = append(out, task)
		}
	}
	return out
}

type fakeScraper struct {
	mu   sync.Mutex
	jobs []ports.ScrapeJob
	err  error
}

func (f *fakeScraper) Launch(_ context.Context, job ports.ScrapeJob) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return fmt.Sprintf("run-%s-%d", job.Platform, job.Cycle), nil
}

func (f *fakeScraper) launched() []ports.ScrapeJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.ScrapeJob(nil), f.jobs...)
}

type fakeDatasets struct {
	mu    sync.Mutex
	sets  map[string][]domain.ScrapeResultItem
	calls int
}

func (f *fakeDatasets) Items(_ context.Context, _ domain.Platform, id string) ([]domain.ScrapeResultItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	items, ok := f.sets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s not found", id)
	}
	return items, nil
}

type fakeAnnouncer struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (f *fakeAnnouncer) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
	return f.err
}

func (f *fakeAnnouncer) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAnnouncer) OpenThread(_ context.Context, m domain.Mission) (string, error) {
	if err := f.record("open"); err != nil {
		return "", err
	}
	return "thread-" + m.ID, nil
}

func (f *fakeAnnouncer) DisableAffordances(_ context.Context, _ string, scope ports.Affordances) error {
	if scope == ports.AffordancesAll {
		return f.record("disable_all")
	}
	return f.record("disable_enrollment")
}

func (f *fakeAnnouncer) Announce(_ context.Context, _ string, notice ports.Notice, _ domain.Mission) error {
	return f.record("announce_" + string(notice))
}

func (f *fakeAnnouncer) Relabel(_ context.Context, _ string, status domain.MissionStatus) error {
	return f.record("relabel_" + string(status))
}

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Clock     *clock
	Scheduler *fakeScheduler
	Scraper   *fakeScraper
	Datasets  *fakeDatasets
	Announcer *fakeAnnouncer
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) testEnv {
	t.Helper()
	store, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := migrate.Migrate(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Service.PublicURL = "https://missions.example.com"
	cfg.Secrets.Webhook = "s3cret"
	for _, fn := range mutate {
		fn(cfg)
	}
	env := testEnv{
		Ctx:       context.Background(),
		Clock:     &clock{t: t0},
		Scheduler: &fakeScheduler{},
		Scraper:   &fakeScraper{},
		Datasets:  &fakeDatasets{sets: map[string][]domain.ScrapeResultItem{}},
		Announcer: &fakeAnnouncer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(store, cfg)
	eng.Now = env.Clock.Now
	eng.Logger = logger
	eng.Tasks = engine.NewTaskGroup(logger)
	eng.Scheduler = env.Scheduler
	eng.Scraper = env.Scraper
	eng.Datasets = env.Datasets
	eng.Announcer = env.Announcer
	env.Engine = eng
	return env
}

func (env testEnv) createMission(t *testing.T) domain.Mission {
	t.Helper()
	created, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Launch video", Reward: 50, ActorID: "admin"})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	return created.Mission
}

func (env testEnv) enroll(t *testing.T, missionID, contributorID string) engine.Outcome {
	t.Helper()
	out, err := env.Engine.AttemptEnroll(env.Ctx, engine.EnrollRequest{
		MissionID:     missionID,
		ContributorID: contributorID,
		Username:      contributorID,
		Roles:         []string{"publisher"},
	})
	if err != nil {
		t.Fatalf("enroll %s: %v", contributorID, err)
	}
	return out
}

func (env testEnv) submit(t *testing.T, missionID, contributorID, tiktok, instagram string) engine.RecordResult {
	t.Helper()
	res, err := env.Engine.RecordSubmission(env.Ctx, engine.SubmissionInput{
		MissionID:     missionID,
		ContributorID: contributorID,
		Links:         map[domain.Platform]string{domain.PlatformTikTok: tiktok, domain.PlatformInstagram: instagram},
		Reflection:    "went well",
	})
	if err != nil {
		t.Fatalf("record submission: %v", err)
	}
	env.Engine.Tasks.Wait()
	return res
}

func TestEnrollmentWindowScenario(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	if !m.EnrollmentWindowEnd.Before(m.SubmissionWindowEnd) {
		t.Fatalf("enrollment window must end before submission window: %+v", m)
	}

	env.Clock.Set(t0.Add(time.Hour))
	if out := env.enroll(t, m.ID, "alice"); out != engine.OutcomeEnrolled {
		t.Fatalf("first enroll: %s", out)
	}
	if out := env.enroll(t, m.ID, "alice"); out != engine.OutcomeAlreadyEnrolled {
		t.Fatalf("second enroll: %s", out)
	}
	env.Clock.Set(t0.Add(25 * time.Hour))
	if out := env.enroll(t, m.ID, "bob"); out != engine.OutcomeWindowClosed {
		t.Fatalf("late enroll: %s", out)
	}
	if out := env.enroll(t, "missing", "bob"); out != engine.OutcomeMissionNotFound {
		t.Fatalf("unknown mission: %s", out)
	}
	out, err := env.Engine.AttemptEnroll(env.Ctx, engine.EnrollRequest{MissionID: m.ID, ContributorID: "carol", Roles: []string{"viewer"}})
	if err != nil || out != engine.OutcomeNotAuthorized {
		t.Fatalf("ineligible role: %s %v", out, err)
	}
	participants, err := env.Engine.Repo.ListParticipants(env.Ctx, m.ID)
	if err != nil || len(participants) != 1 {
		t.Fatalf("expected one participant, got %d (%v)", len(participants), err)
	}
}

func TestConcurrentEnrollAdmitsOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[engine.Outcome]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := env.Engine.AttemptEnroll(env.Ctx, engine.EnrollRequest{MissionID: m.ID, ContributorID: "alice", Roles: []string{"Publisher"}})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes["error"]++
				return
			}
			outcomes[out]++
		}()
	}
	wg.Wait()
	if outcomes[engine.OutcomeEnrolled] != 1 || outcomes[engine.OutcomeAlreadyEnrolled] != n-1 {
		t.Fatalf("unexpected outcomes %v", outcomes)
	}
}

func TestCreateMissionSchedulesPhases(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	if m.ThreadID != "thread-"+m.ID {
		t.Fatalf("thread not recorded: %q", m.ThreadID)
	}
	tasks := env.Scheduler.withKeyPrefix("phase-" + m.ID)
	if len(tasks) != 2 {
		t.Fatalf("expected two phase tasks, got %d", len(tasks))
	}
	want := map[string]string{
		"phase-" + m.ID + "-enrollment_closed": "24h",
		"phase-" + m.ID + "-submission_closed": "48h",
	}
	for _, task := range tasks {
		if want[task.IdempotencyKey] != task.Delay {
			t.Fatalf("task %s delay %s", task.IdempotencyKey, task.Delay)
		}
		if task.URL != "https://missions.example.com/api/expire-enrollment" {
			t.Fatalf("unexpected callback url %s", task.URL)
		}
		body, ok := task.Body.(ports.PhaseCallback)
		if !ok || body.OrderID != m.ID || body.ThreadID != m.ThreadID {
			t.Fatalf("unexpected body %#v", task.Body)
		}
	}
}

func TestCreateMissionSurvivesAnnouncerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Announcer.err = errors.New("discord down")
	created, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Launch video"})
	if err != nil {
		t.Fatalf("create mission: %v", err)
	}
	if len(created.Warnings) != 1 || created.Mission.ThreadID != "" {
		t.Fatalf("expected one warning and no thread: %+v", created)
	}
	if _, err := env.Engine.GetMission(env.Ctx, created.Mission.ID); err != nil {
		t.Fatalf("mission should be stored: %v", err)
	}
}

func TestActivatePendingMission(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Title: "Launch video", KickoffID: "kick-1"})
	if err != nil {
		t.Fatal(err)
	}
	if created.Mission.Status != domain.StatusPendingGeneration || env.Announcer.count("open") != 0 {
		t.Fatalf("pending mission should not be broadcast: %+v", created.Mission)
	}
	m, err := env.Engine.ActivateMission(env.Ctx, "kick-1", "Film the unboxing.")
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if m.Status != domain.StatusOpen || m.Brief != "Film the unboxing." || m.ThreadID == "" {
		t.Fatalf("unexpected activated mission %+v", m)
	}
	if _, err := env.Engine.ActivateMission(env.Ctx, "kick-1", "other"); err != nil {
		t.Fatalf("repeat activation: %v", err)
	}
	if env.Announcer.count("open") != 1 {
		t.Fatalf("thread opened %d times", env.Announcer.count("open"))
	}
	if _, err := env.Engine.ActivateMission(env.Ctx, "kick-unknown", "x"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnrollmentClosedIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	req := engine.PhaseRequest{MissionID: m.ID, ThreadID: m.ThreadID, Phase: domain.PhaseEnrollmentClosed}
	res, err := env.Engine.HandlePhase(env.Ctx, req)
	if err != nil || !res.Applied || res.Status != domain.StatusInProgress {
		t.Fatalf("first delivery: %+v %v", res, err)
	}
	res, err = env.Engine.HandlePhase(env.Ctx, req)
	if err != nil || res.Applied || res.Status != domain.StatusInProgress {
		t.Fatalf("second delivery: %+v %v", res, err)
	}
	if n := env.Announcer.count("announce_enrollment_closed"); n != 1 {
		t.Fatalf("announcement posted %d times", n)
	}
	if n := env.Announcer.count("disable_enrollment"); n != 1 {
		t.Fatalf("affordances disabled %d times", n)
	}
}

func TestSubmissionClosedCompletesFromOpen(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	res, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, Phase: domain.PhaseSubmissionClosed})
	if err != nil || !res.Applied || res.Status != domain.StatusCompleted {
		t.Fatalf("submission closed: %+v %v", res, err)
	}
	// A late enrollment close must not move a completed mission backwards.
	res, err = env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, Phase: domain.PhaseEnrollmentClosed})
	if err != nil || res.Applied || res.Status != domain.StatusCompleted {
		t.Fatalf("late enrollment close: %+v %v", res, err)
	}
	res, err = env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, Phase: domain.PhaseSubmissionClosed})
	if err != nil || res.Applied || res.Status != domain.StatusCompleted {
		t.Fatalf("repeat submission close: %+v %v", res, err)
	}
	if n := env.Announcer.count("relabel_COMPLETED"); n != 2 {
		t.Fatalf("expected relabel on every delivery, got %d", n)
	}
}

// overtakingAnnouncer delivers SUBMISSION_CLOSED while the enrollment
// close is still being announced.
type overtakingAnnouncer struct {
	*fakeAnnouncer
	engine   engine.Engine
	labels   []domain.MissionStatus
	overtook bool
}

func (a *overtakingAnnouncer) Announce(ctx context.Context, thread string, notice ports.Notice, m domain.Mission) error {
	if notice == ports.NoticeEnrollmentClosed && !a.overtook {
		a.overtook = true
		if _, err := a.engine.HandlePhase(ctx, engine.PhaseRequest{MissionID: m.ID, Phase: domain.PhaseSubmissionClosed}); err != nil {
			return err
		}
	}
	return a.fakeAnnouncer.Announce(ctx, thread, notice, m)
}

func (a *overtakingAnnouncer) Relabel(ctx context.Context, thread string, status domain.MissionStatus) error {
	a.labels = append(a.labels, status)
	return a.fakeAnnouncer.Relabel(ctx, thread, status)
}

func TestPhaseOvertakenDuringAnnouncementKeepsFinalLabel(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	ann := &overtakingAnnouncer{fakeAnnouncer: env.Announcer}
	env.Engine.Announcer = ann
	ann.engine = env.Engine

	res, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, ThreadID: m.ThreadID, Phase: domain.PhaseEnrollmentClosed})
	if err != nil || !res.Applied {
		t.Fatalf("enrollment closed: %+v %v", res, err)
	}
	got, err := env.Engine.Repo.GetMission(env.Ctx, m.ID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if len(ann.labels) == 0 || ann.labels[len(ann.labels)-1] != domain.StatusCompleted {
		t.Fatalf("final label = %v, want COMPLETED last", ann.labels)
	}
	for _, l := range ann.labels {
		if l == domain.StatusInProgress {
			t.Fatalf("thread relabelled IN_PROGRESS after completion: %v", ann.labels)
		}
	}
}

func TestStaleEnrollmentCloseLeavesThreadAlone(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	if _, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, ThreadID: m.ThreadID, Phase: domain.PhaseSubmissionClosed}); err != nil {
		t.Fatalf("submission closed: %v", err)
	}
	res, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, ThreadID: m.ThreadID, Phase: domain.PhaseEnrollmentClosed})
	if err != nil || res.Applied || res.Status != domain.StatusCompleted {
		t.Fatalf("stale enrollment close: %+v %v", res, err)
	}
	if n := env.Announcer.count("announce_enrollment_closed"); n != 0 {
		t.Fatalf("stale close announced %d times", n)
	}
	if n := env.Announcer.count("relabel_IN_PROGRESS"); n != 0 {
		t.Fatalf("stale close relabelled %d times", n)
	}
}

func TestPhaseAnnouncerFailureStillTransitions(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.Announcer.err = errors.New("rate limited")
	res, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: m.ID, Phase: domain.PhaseEnrollmentClosed})
	var ext *engine.ExternalServiceError
	if !errors.As(err, &ext) || ext.Service != "announcer" {
		t.Fatalf("expected announcer error, got %v", err)
	}
	if !res.Applied {
		t.Fatalf("transition should be applied")
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.Status != domain.StatusInProgress {
		t.Fatalf("status %s", got.Status)
	}
}

func TestHandlePhaseValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: "m1", Phase: "LATER"})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "phase" {
		t.Fatalf("expected phase validation error, got %v", err)
	}
	_, err = env.Engine.HandlePhase(env.Ctx, engine.PhaseRequest{MissionID: "missing", Phase: domain.PhaseEnrollmentClosed})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitGate(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	check := func(contributor string, want engine.Outcome) {
		t.Helper()
		got, err := env.Engine.AttemptSubmit(env.Ctx, m.ID, contributor)
		if err != nil || got != want {
			t.Fatalf("AttemptSubmit(%s) = %s %v, want %s", contributor, got, err, want)
		}
	}
	check("alice", engine.OutcomeNotEnrolled)
	env.enroll(t, m.ID, "alice")
	env.enroll(t, m.ID, "bob")
	// Submissions stay open after enrollment closes.
	env.Clock.Set(t0.Add(30 * time.Hour))
	check("alice", engine.OutcomePromptForSubmission)
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111", "https://www.instagram.com/reel/AbC_1/")
	check("alice", engine.OutcomeAlreadySubmitted)
	env.Clock.Set(t0.Add(49 * time.Hour))
	check("bob", engine.OutcomeWindowClosed)
	got, err := env.Engine.AttemptSubmit(env.Ctx, "missing", "bob")
	if err != nil || got != engine.OutcomeMissionNotFound {
		t.Fatalf("missing mission: %s %v", got, err)
	}
}

func TestRecordSubmissionValidatesLinks(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	res := env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111", "https://example.com/p/abc")
	if res.Outcome != engine.OutcomeInvalidLinkFormat || res.Platform != domain.PlatformInstagram {
		t.Fatalf("unexpected result %+v", res)
	}
	// Domains are matched as written.
	res = env.submit(t, m.ID, "alice", "https://WWW.TIKTOK.COM/@alice/video/111", "https://www.instagram.com/p/abc/")
	if res.Outcome != engine.OutcomeInvalidLinkFormat || res.Platform != domain.PlatformTikTok {
		t.Fatalf("upper-case domain should be rejected, got %+v", res)
	}
	// The domain check is a substring match and accepts it anywhere.
	res = env.submit(t, m.ID, "alice", "https://short.link/x?to=tiktok.com", "https://www.instagram.com/p/abc/")
	if res.Outcome != engine.OutcomeStored {
		t.Fatalf("loose link should be stored, got %+v", res)
	}
	res = env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111", "https://www.instagram.com/p/abc/")
	if res.Outcome != engine.OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %+v", res)
	}
}

func TestFirstSubmissionStartsTracking(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	res := env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/7312345678901234567", "https://www.instagram.com/reel/CxYz123/")
	if res.Outcome != engine.OutcomeStored {
		t.Fatalf("record: %+v", res)
	}
	jobs := env.Scraper.launched()
	if len(jobs) != 2 {
		t.Fatalf("expected one job per platform, got %d", len(jobs))
	}
	for _, job := range jobs {
		if job.IdempotencyKey != fmt.Sprintf("scrape-%s-%s-1", m.ID, job.Platform) {
			t.Fatalf("unexpected idempotency key %s", job.IdempotencyKey)
		}
		if !strings.Contains(job.CallbackURL, "platform="+string(job.Platform)) || !strings.Contains(job.CallbackURL, "secret=s3cret") {
			t.Fatalf("callback url missing metadata: %s", job.CallbackURL)
		}
		if len(job.Links) != 1 {
			t.Fatalf("expected one link, got %v", job.Links)
		}
	}
	next := env.Scheduler.withKeyPrefix("track-")
	if len(next) != 1 || next[0].Delay != "3h" || next[0].IdempotencyKey != "track-"+m.ID+"-1" {
		t.Fatalf("unexpected follow-up %+v", next)
	}
	body := next[0].Body.(ports.TrackCallback)
	if body.ExpectedCount == nil || *body.ExpectedCount != 1 {
		t.Fatalf("follow-up should carry expected count 1: %+v", body)
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 1 || !got.IsTracking || got.TrackingStartedAt == nil {
		t.Fatalf("unexpected tracking state %+v", got)
	}

	// A second submission does not start another cycle.
	env.enroll(t, m.ID, "bob")
	env.submit(t, m.ID, "bob", "https://www.tiktok.com/@bob/video/999", "https://www.instagram.com/p/Bob1/")
	if len(env.Scraper.launched()) != 2 {
		t.Fatalf("maybe start ran twice")
	}
}

func TestConcurrentMaybeStartLaunchesOnce(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	// Stored directly so no start has run yet.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = env.Engine.Repo.InsertSubmission(env.Ctx, tx, domain.Submission{
		ID:            "sub-1",
		MissionID:     m.ID,
		ContributorID: "alice",
		TikTokLink:    "https://www.tiktok.com/@alice/video/1",
		InstagramLink: "https://www.instagram.com/p/alice1/",
		Status:        domain.SubmissionPendingReview,
		CreatedAt:     t0,
	})
	if err != nil {
		tx.Rollback()
		t.Fatalf("insert submission: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	const n = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		started int
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := env.Engine.MaybeStart(env.Ctx, m.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
			}
			if ok {
				started++
			}
		}()
	}
	wg.Wait()
	if len(errs) > 0 {
		t.Fatalf("maybe start errors: %v", errs)
	}
	if started != 1 {
		t.Fatalf("started %d times, want 1", started)
	}
	perPlatform := map[domain.Platform]int{}
	for _, job := range env.Scraper.launched() {
		perPlatform[job.Platform]++
	}
	for _, p := range domain.Platforms {
		if perPlatform[p] != 1 {
			t.Fatalf("launches per platform %v", perPlatform)
		}
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 1 || !got.IsTracking {
		t.Fatalf("unexpected tracking state %+v", got)
	}
}

func TestRunCycleRespectsBound(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.TestMode = true })
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/1", "https://www.instagram.com/p/A1/")
	if next := env.Scheduler.withKeyPrefix("track-"); len(next) != 1 || next[0].Delay != "1m" {
		t.Fatalf("test mode delay: %+v", next)
	}
	one := 1
	res, err := env.Engine.RunCycle(env.Ctx, m.ID, &one)
	if err != nil || res.Outcome != engine.CycleLaunched || res.Count != 2 || res.NextDelay != "" {
		t.Fatalf("final cycle: %+v %v", res, err)
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 2 || got.IsTracking {
		t.Fatalf("terminal cycle should clear tracking: %+v", got.Tracking())
	}
	for i := 0; i < 3; i++ {
		res, err = env.Engine.RunCycle(env.Ctx, m.ID, nil)
		if err != nil || res.Outcome != engine.CycleExhausted {
			t.Fatalf("after bound: %+v %v", res, err)
		}
	}
	after, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if after.Tracking() != got.Tracking() || !after.UpdatedAt.Equal(got.UpdatedAt) {
		t.Fatalf("exhausted cycle changed state: %+v", after)
	}
	if len(env.Scraper.launched()) != 4 {
		t.Fatalf("expected 4 jobs over 2 cycles, got %d", len(env.Scraper.launched()))
	}
}

func TestRunCycleStaleCallbackIsSuperseded(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/1", "https://www.instagram.com/p/A1/")
	zero := 0
	res, err := env.Engine.RunCycle(env.Ctx, m.ID, &zero)
	if err != nil || res.Outcome != engine.CycleSuperseded || res.Count != 1 {
		t.Fatalf("stale delivery: %+v %v", res, err)
	}
	started, err := env.Engine.MaybeStart(env.Ctx, m.ID)
	if err != nil || started {
		t.Fatalf("maybe start after tracking began: %v %v", started, err)
	}
}

func TestRunCycleWithoutLinks(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	res, err := env.Engine.RunCycle(env.Ctx, m.ID, nil)
	if err != nil || res.Outcome != engine.CycleNoLinks {
		t.Fatalf("no links: %+v %v", res, err)
	}
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 0 || got.IsTracking {
		t.Fatalf("no-link cycle changed state: %+v", got.Tracking())
	}
	if _, err := env.Engine.RunCycle(env.Ctx, "missing", nil); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLaunchFailureKeepsSpentCycle(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.Scraper.err = errors.New("apify 503")
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/1", "https://www.instagram.com/p/A1/")
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 1 || !got.IsTracking {
		t.Fatalf("counter should stay committed: %+v", got.Tracking())
	}
	if len(env.Scheduler.withKeyPrefix("track-")) != 1 {
		t.Fatalf("reschedule should still happen after a launch failure")
	}
	one := 1
	_, err := env.Engine.RunCycle(env.Ctx, m.ID, &one)
	var ext *engine.ExternalServiceError
	if !errors.As(err, &ext) || ext.Service != "scraper" {
		t.Fatalf("expected scraper error, got %v", err)
	}
}

func TestRescheduleFailureClearsTracking(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.Scheduler.err = errors.New("qstash 500")
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/1", "https://www.instagram.com/p/A1/")
	got, _ := env.Engine.GetMission(env.Ctx, m.ID)
	if got.ScrapeCount != 1 || got.IsTracking {
		t.Fatalf("expected spent cycle with tracking cleared: %+v", got.Tracking())
	}
	one := 1
	_, err := env.Engine.RunCycle(env.Ctx, m.ID, &one)
	var ext *engine.ExternalServiceError
	if !errors.As(err, &ext) || ext.Service != "scheduler" {
		t.Fatalf("expected scheduler error, got %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		cycle int
		test  bool
		want  string
	}{
		{1, false, "3h"},
		{3, false, "3h"},
		{4, false, "6h"},
		{7, false, "6h"},
		{8, false, "12h"},
		{9, false, "12h"},
		{1, true, "1m"},
		{8, true, "1m"},
	}
	for _, tc := range cases {
		if got := engine.BackoffDelay(tc.cycle, tc.test); got != tc.want {
			t.Fatalf("BackoffDelay(%d, %v) = %s, want %s", tc.cycle, tc.test, got, tc.want)
		}
	}
}

func TestFormatDelay(t *testing.T) {
	cases := map[time.Duration]string{
		24 * time.Hour:   "24h",
		2 * time.Minute:  "2m",
		90 * time.Minute: "90m",
		45 * time.Second: "45s",
	}
	for d, want := range cases {
		if got := engine.FormatDelay(d); got != want {
			t.Fatalf("FormatDelay(%s) = %s, want %s", d, got, want)
		}
	}
}

func TestSyncContributorTracksEligibleRole(t *testing.T) {
	env := newTestEnv(t)

	c, err := env.Engine.SyncContributor(env.Ctx, "u1", "alice", []string{"Member", "Publisher"})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !c.Active || c.Username != "alice" {
		t.Fatalf("expected active alice, got %+v", c)
	}

	c, err = env.Engine.SyncContributor(env.Ctx, "u1", "", []string{"Member"})
	if err != nil {
		t.Fatalf("resync: %v", err)
	}
	if c.Active {
		t.Fatalf("expected inactive after losing the role")
	}

	if _, err := env.Engine.SyncContributor(env.Ctx, " ", "x", nil); err == nil {
		t.Fatalf("expected validation error for empty id")
	} else {
		var ve *engine.ValidationError
		if !errors.As(err, &ve) || ve.Field != "contributor_id" {
			t.Fatalf("unexpected error %v", err)
		}
	}
}
