package app

import (
	"testing"
	"time"

	"crosspost/internal/config"
	"crosspost/internal/model"
)

func TestScheduleEntrySpec(t *testing.T) {
	t.Parallel()

	entry := scheduleEntries[0]
	cases := []struct {
		raw  string
		want string
	}{
		{"", entry.def},
		{"  ", entry.def},
		{"off", ""},
		{"OFF", ""},
		{"@every 10s", "@every 10s"},
		{"cron:*/5 * * * *", "cron:*/5 * * * *"},
	}
	for _, tc := range cases {
		got := entry.spec(config.SchedulerConfig{Producer: tc.raw})
		if got != tc.want {
			t.Fatalf("spec(%q)=%q want %q", tc.raw, got, tc.want)
		}
	}
}

func TestMappersApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	if got := mapStorageConfig(cfg).Path; got != "crosspost.db" {
		t.Fatalf("storage path=%q", got)
	}
	if got := mapQueueConfig(cfg).Path; got != "crosspost-queue.db" {
		t.Fatalf("queue path=%q", got)
	}
	if got := retention(cfg); got != defaultRetention {
		t.Fatalf("retention=%s", got)
	}
	if got := schedulerTimeout(cfg); got != defaultSchedTimeout {
		t.Fatalf("scheduler timeout=%s", got)
	}
	if got := mapCredentialConfig(cfg).Margin; got != 5*time.Minute {
		t.Fatalf("credential margin=%s", got)
	}
	if _, ok := mapTelegramConfig(cfg); ok {
		t.Fatalf("telegram without token should be off")
	}
}

func TestMapPlatformConfigUsesProviderBlocks(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		Queue:  config.QueueConfig{Retention: "48h"},
		Status: config.StatusConfig{CollapsePartial: true},
		Providers: map[string]config.ProviderConfig{
			model.PlatformTwitter:  {APIBase: "http://tw", UploadBase: "http://up", RatePerSec: 2, Burst: 4},
			model.PlatformLinkedIn: {APIBase: "http://li", Timeout: "3s"},
		},
	}
	pc := mapPlatformConfig(cfg)
	if pc.Twitter.API.BaseURL != "http://tw" || pc.Twitter.Upload.BaseURL != "http://up" {
		t.Fatalf("twitter=%+v", pc.Twitter)
	}
	if pc.Twitter.API.RatePerSec != 2 || pc.Twitter.API.Burst != 4 {
		t.Fatalf("twitter limits=%+v", pc.Twitter.API)
	}
	if pc.LinkedIn.API.Timeout != 3*time.Second {
		t.Fatalf("linkedin timeout=%s", pc.LinkedIn.API.Timeout)
	}
	if pc.Facebook.API.BaseURL != "" {
		t.Fatalf("facebook should keep adapter default, got %q", pc.Facebook.API.BaseURL)
	}
	if got := retention(cfg); got != 48*time.Hour {
		t.Fatalf("retention=%s", got)
	}
	if !mapProducerConfig(cfg).Reduce.CollapsePartial {
		t.Fatalf("collapse_partial not mapped")
	}
}
