package engine_test

import (
	"errors"
	"testing"

	"missionline/internal/config"
	"missionline/internal/domain"
	"missionline/internal/engine"
)

func views(n int64) *int64 { return &n }

func TestExtractPostID(t *testing.T) {
	cases := []struct {
		platform domain.Platform
		url      string
		want     string
	}{
		{domain.PlatformTikTok, "https://www.tiktok.com/@ana/video/7312345678901234567?lang=en", "7312345678901234567"},
		{domain.PlatformTikTok, "https://vm.tiktok.com/ZMabc/", ""},
		{domain.PlatformInstagram, "https://www.instagram.com/p/CxYz_12-a/", "CxYz_12-a"},
		{domain.PlatformInstagram, "https://www.instagram.com/reel/Reel9/?igsh=1", "Reel9"},
		{domain.PlatformInstagram, "https://www.instagram.com/reels/Reels8/", "Reels8"},
		{domain.PlatformInstagram, "https://www.instagram.com/ana/", ""},
	}
	for _, tc := range cases {
		if got := engine.ExtractPostID(tc.platform, tc.url); got != tc.want {
			t.Fatalf("ExtractPostID(%s, %s) = %q, want %q", tc.platform, tc.url, got, tc.want)
		}
	}
}

func TestMatchSubmission(t *testing.T) {
	subs := []domain.Submission{
		{ID: "s1", TikTokLink: "https://www.tiktok.com/@ana/video/111?is_from_webapp=1", InstagramLink: "https://www.instagram.com/reel/AAA/"},
		{ID: "s2", TikTokLink: "https://vm.tiktok.com/ZMshort/", InstagramLink: "https://instagram.com/p/BBB"},
	}
	cases := []struct {
		name     string
		platform domain.Platform
		url      string
		legacy   bool
		want     string
	}{
		{"tiktok id", domain.PlatformTikTok, "https://www.tiktok.com/@ana/video/111", false, "s1"},
		{"instagram id across hosts", domain.PlatformInstagram, "https://www.instagram.com/p/BBB/", false, "s2"},
		{"fallback strips query", domain.PlatformTikTok, "https://vm.tiktok.com/ZMshort/?x=1", false, "s2"},
		{"noise", domain.PlatformTikTok, "https://www.tiktok.com/@other/video/999", false, ""},
		{"legacy url match", domain.PlatformTikTok, "https://www.tiktok.com/@ana/video/111?lang=en", true, "s1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := engine.MatchSubmission(tc.platform, tc.url, subs, tc.legacy)
			if tc.want == "" {
				if ok {
					t.Fatalf("expected no match, got %s", got.ID)
				}
				return
			}
			if !ok || got.ID != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, got.ID, ok)
			}
		})
	}
}

func TestIngestRejectsBadSecret(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	_, err := env.Engine.IngestScrapeResult(env.Ctx, engine.ScrapeNotification{
		MissionID: m.ID, Secret: "wrong", Platform: "tiktok", EventType: engine.RunSucceeded, DatasetID: "ds1",
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestIngestIgnoresUnsuccessfulRuns(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111", "https://www.instagram.com/p/A1/")
	res, err := env.Engine.IngestScrapeResult(env.Ctx, engine.ScrapeNotification{
		MissionID: m.ID, Secret: "s3cret", Platform: "tiktok", EventType: "ACTOR.RUN.FAILED", DatasetID: "ds1",
	})
	if err != nil || !res.Ignored {
		t.Fatalf("expected ignored, got %+v %v", res, err)
	}
	if env.Datasets.calls != 0 {
		t.Fatalf("dataset should not be read")
	}
	subs, _ := env.Engine.ListSubmissions(env.Ctx, m.ID)
	if subs[0].TikTokMetrics.CapturedAt != nil {
		t.Fatalf("submission touched: %+v", subs[0].TikTokMetrics)
	}
}

func TestIngestValidation(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	cases := []struct {
		field string
		n     engine.ScrapeNotification
	}{
		{"orderId", engine.ScrapeNotification{Platform: "tiktok", DatasetID: "ds"}},
		{"resultSetId", engine.ScrapeNotification{MissionID: m.ID, Platform: "tiktok"}},
		{"platform", engine.ScrapeNotification{MissionID: m.ID, DatasetID: "ds"}},
		{"platform", engine.ScrapeNotification{MissionID: m.ID, DatasetID: "ds", Platform: "youtube"}},
	}
	for _, tc := range cases {
		tc.n.Secret = "s3cret"
		tc.n.EventType = engine.RunSucceeded
		_, err := env.Engine.IngestScrapeResult(env.Ctx, tc.n)
		var verr *engine.ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("expected validation error on %s, got %v", tc.field, err)
		}
	}
}

func TestIngestOverwritesMetrics(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	env.enroll(t, m.ID, "bob")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111", "https://www.instagram.com/reel/AliceR/")
	env.submit(t, m.ID, "bob", "https://www.tiktok.com/@bob/video/222", "https://www.instagram.com/p/BobP/")

	env.Datasets.sets["cycle2"] = []domain.ScrapeResultItem{
		{Platform: domain.PlatformTikTok, URL: "https://www.tiktok.com/@alice/video/111", Views: views(900), Likes: views(80), Shares: views(4)},
		{Platform: domain.PlatformTikTok, URL: "https://www.tiktok.com/@stranger/video/333", Views: views(5)},
	}
	env.Datasets.sets["cycle1"] = []domain.ScrapeResultItem{
		{Platform: domain.PlatformTikTok, URL: "https://www.tiktok.com/@alice/video/111", Views: views(100), Likes: views(10)},
	}
	ingest := func(dataset, platform string) engine.IngestResult {
		t.Helper()
		res, err := env.Engine.IngestScrapeResult(env.Ctx, engine.ScrapeNotification{
			MissionID: m.ID, Secret: "s3cret", Platform: platform, EventType: engine.RunSucceeded, DatasetID: dataset,
		})
		if err != nil {
			t.Fatalf("ingest %s: %v", dataset, err)
		}
		return res
	}
	res := ingest("cycle2", "tiktok")
	if res.Matched != 1 || res.Skipped != 1 {
		t.Fatalf("unexpected ingest result %+v", res)
	}
	// A late redelivery of an older cycle still replaces the values.
	ingest("cycle1", "tiktok")
	subs, _ := env.Engine.ListSubmissions(env.Ctx, m.ID)
	got := pickSubmission(subs, "alice").TikTokMetrics
	if got.Views != 100 || got.Likes != 10 || got.Shares != 0 {
		t.Fatalf("metrics should be replaced, got %+v", got)
	}

	env.Datasets.sets["ig1"] = []domain.ScrapeResultItem{
		{Platform: domain.PlatformInstagram, URL: "https://www.instagram.com/p/BobP/", Views: views(42), Comments: views(3)},
	}
	ingest("ig1", "instagram")
	bob, err := env.Engine.Repo.GetSubmission(env.Ctx, pickSubmission(subs, "bob").ID)
	if err != nil {
		t.Fatal(err)
	}
	if bob.InstagramMetrics.Views != 42 || bob.InstagramMetrics.Comments != 3 || bob.TikTokMetrics.CapturedAt != nil {
		t.Fatalf("unexpected bob metrics %+v / %+v", bob.InstagramMetrics, bob.TikTokMetrics)
	}
}

func TestIngestLegacyUntaggedCallback(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Tracking.LegacyWebhooks = true })
	m := env.createMission(t)
	env.enroll(t, m.ID, "alice")
	env.submit(t, m.ID, "alice", "https://www.tiktok.com/@alice/video/111?lang=en", "https://www.instagram.com/p/A1/")
	env.Datasets.sets["legacy"] = []domain.ScrapeResultItem{
		{Platform: domain.PlatformTikTok, URL: "https://www.tiktok.com/@alice/video/111?share=1", Views: views(7)},
	}
	res, err := env.Engine.IngestScrapeResult(env.Ctx, engine.ScrapeNotification{
		MissionID: m.ID, Secret: "s3cret", EventType: engine.RunSucceeded, DatasetID: "legacy",
	})
	if err != nil || res.Platform != domain.PlatformTikTok || res.Matched != 1 {
		t.Fatalf("legacy ingest: %+v %v", res, err)
	}
}

func TestIngestDatasetFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.createMission(t)
	_, err := env.Engine.IngestScrapeResult(env.Ctx, engine.ScrapeNotification{
		MissionID: m.ID, Secret: "s3cret", Platform: "tiktok", EventType: engine.RunSucceeded, DatasetID: "gone",
	})
	var ext *engine.ExternalServiceError
	if !errors.As(err, &ext) || ext.Op != "read_dataset" {
		t.Fatalf("expected dataset error, got %v", err)
	}
}

func pickSubmission(subs []domain.Submission, contributor string) domain.Submission {
	for _, s := range subs {
		if s.ContributorID == contributor {
			return s
		}
	}
	return domain.Submission{}
}
