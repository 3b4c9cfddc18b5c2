package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shipnote/shipnote-bot/internal/config"
	"github.com/shipnote/shipnote-bot/internal/ingestion"
	"github.com/shipnote/shipnote-bot/internal/publisher"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeJobs struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeJobs) record(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeJobs) RunPublish(ctx context.Context) (publisher.Summary, error) {
	f.record("publish")
	return publisher.Summary{Posted: 1}, f.err
}

func (f *fakeJobs) RunSync(ctx context.Context) (ingestion.Result, error) {
	f.record("sync")
	return ingestion.Result{}, f.err
}

func (f *fakeJobs) RunDrafting(ctx context.Context) (int, error) {
	f.record("draft")
	return 0, f.err
}

func (f *fakeJobs) RunAnalytics(ctx context.Context) (int, error) {
	f.record("analytics")
	return 0, f.err
}

func (f *fakeJobs) SendDigest(ctx context.Context) error {
	f.record("digest")
	_, ok := ctx.Deadline()
	if !ok {
		return errors.New("no deadline")
	}
	return f.err
}

func testConfig() *config.Config {
	return &config.Config{
		TimeZone:          "UTC",
		PublishSchedule:   "0 * * * * *",
		SyncSchedule:      "0 */30 * * * *",
		DraftSchedule:     "0 0 9,17 * * *",
		AnalyticsSchedule: "0 15 * * * *",
		DigestSchedule:    "0 0 9 * * MON",
	}
}

func TestStart_RegistersJobs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *config.Config)
		entries int
		wantErr string
	}{
		{"all jobs", func(cfg *config.Config) {}, 5, ""},
		{"digest disabled", func(cfg *config.Config) { cfg.DigestSchedule = "" }, 4, ""},
		{"invalid schedule", func(cfg *config.Config) { cfg.SyncSchedule = "every now and then" }, 0, "invalid sync schedule"},
		{"missing seconds field", func(cfg *config.Config) { cfg.PublishSchedule = "* * * * *" }, 0, "invalid publish schedule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			logger, _ := test.NewNullLogger()
			svc := NewService(cfg, &fakeJobs{}, logger)

			err := svc.Start()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			defer svc.Stop()
			assert.Len(t, svc.cron.Entries(), tt.entries)
		})
	}
}

func TestWrap_RunsJobWithDeadlineAndLogsFailure(t *testing.T) {
	logger, hook := test.NewNullLogger()
	jobs := &fakeJobs{err: errors.New("teams down")}
	svc := NewService(testConfig(), jobs, logger)

	for _, j := range svc.schedule() {
		svc.wrap(j)()
	}

	assert.Equal(t, []string{"publish", "sync", "draft", "analytics", "digest"}, jobs.calls)

	failures := 0
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Scheduled job failed: teams down" {
			failures++
		}
	}
	assert.Equal(t, 5, failures)
}

func TestStop_CancelsJobContext(t *testing.T) {
	logger, _ := test.NewNullLogger()
	svc := NewService(testConfig(), &fakeJobs{}, logger)
	require.NoError(t, svc.Start())

	svc.Stop()
	select {
	case <-svc.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("job context not cancelled")
	}
}
