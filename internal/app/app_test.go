package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"svitlobot/internal/bot"
	"svitlobot/internal/config"
	"svitlobot/internal/schedule"
	"svitlobot/internal/task/engine"
	logx "svitlobot/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func TestMapEngineConfig(t *testing.T) {
	t.Parallel()

	def, err := mapEngineConfig(&config.Config{})
	require.NoError(t, err)
	assert.True(t, def.Enabled)
	assert.Equal(t, 4, def.Workers)
	assert.Equal(t, time.Minute, def.DefaultTimeout)
	assert.Equal(t, 1, def.GroupLimits[bot.AnnounceGroup])

	got, err := mapEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{
		Enabled:        boolPtr(false),
		Workers:        8,
		DefaultTimeout: "15s",
		MaxQueueDelay:  "2m",

		AnnounceConcurrency: 2,
	}})
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, 8, got.Workers)
	assert.Equal(t, 512, got.QueueSize)
	assert.Equal(t, 15*time.Second, got.DefaultTimeout)
	assert.Equal(t, 2*time.Minute, got.MaxQueueDelay)
	assert.Equal(t, 2, got.GroupLimits[bot.AnnounceGroup])

	_, err = mapEngineConfig(&config.Config{TaskEngine: &config.TaskEngineConfig{DefaultTimeout: "soon"}})
	require.Error(t, err)
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	sc, err := mapStorageConfig(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, DefaultDBPath, sc.Path)

	sc, err = mapStorageConfig(&config.Config{Storage: &config.StorageConfig{Driver: "SQLite3", Path: " x.db ", BusyTimeout: "3s"}})
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", sc.Driver)
	assert.Equal(t, "x.db", sc.Path)
	assert.Equal(t, 3*time.Second, sc.BusyTimeout)
}

func TestMapSchedulerSettings(t *testing.T) {
	t.Parallel()

	ss, err := mapSchedulerSettings(&config.Config{})
	require.NoError(t, err)
	assert.Equal(t, "Europe/Kyiv", ss.loc.String())
	assert.Equal(t, time.Second, ss.tick)
	assert.Equal(t, schedule.DefaultReminderLead, ss.lead)
	assert.Equal(t, schedule.DefaultMaintenanceSpec, ss.cron)
	assert.Equal(t, 7, ss.retainDays)

	_, err = mapSchedulerSettings(&config.Config{Scheduler: config.SchedulerConfig{Timezone: "Mars/Olympus"}})
	require.Error(t, err)
}

func TestMapBotConfigUppercasesCompanies(t *testing.T) {
	t.Parallel()
	bc := mapBotConfig(&config.Config{Bot: config.BotConfig{MaxSubscriptions: 3, Companies: []string{"dtek", " cek"}}})
	assert.Equal(t, 3, bc.MaxSubscriptions)
	assert.Equal(t, []string{"DTEK", "CEK"}, bc.Companies)
}

func TestFallbackExecutorRunsWhenEngineDisabled(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: false}, logx.Nop(), nil)
	ex := newFallbackExecutor(eng, time.Second, logx.Nop())

	var ran atomic.Bool
	require.NoError(t, ex.Enqueue(engine.Task{Name: "ping", Run: func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}}))
	assert.Eventually(t, ran.Load, 2*time.Second, 10*time.Millisecond)
}

func TestFallbackExecutorPassesEngineErrors(t *testing.T) {
	t.Parallel()
	eng := engine.New(engine.Config{Enabled: true}, logx.Nop(), nil)
	ex := newFallbackExecutor(eng, time.Second, logx.Nop())

	err := ex.Enqueue(engine.Task{Name: "nil run"})
	assert.True(t, errors.Is(err, engine.ErrInvalid))
}

func TestFallbackExecutorRunsInlineWhileEngineRestarts(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want bool
	}{
		{engine.ErrDisabled, true},
		{engine.ErrStopped, true},
		{fmt.Errorf("enqueue: %w", engine.ErrStopping), true},
		{engine.ErrQueueFull, false},
		{engine.ErrInvalid, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, runsInline(tt.err), tt.err.Error())
	}
}

func TestNewAppWiresAndStops(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	body := `{
  "telegram": {"token": "123:abc", "admin_ids": [42]},
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": "` + filepath.ToSlash(filepath.Join(dir, "bot.db")) + `"}
}`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	a, err := NewApp(cfgPath, WithOffline())
	require.NoError(t, err)
	require.NotNil(t, a.bot)
	assert.Equal(t, 0, a.jobs.Len())

	rep, err := a.rebuild.RebuildNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Scheduled)

	st := a.status()
	require.NotNil(t, st.LastRebuild)
	assert.Equal(t, rep.Generation, st.LastRebuild.Generation)
	assert.Equal(t, "Europe/Kyiv", st.Timezone)
	assert.Nil(t, st.Jobs.Next)
	assert.False(t, a.diag.Enabled())

	require.NoError(t, a.Stop(context.Background(), StopUnknown))
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	p := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(p, []byte(`{"telegram": {}}`), 0o600))
	_, err := NewApp(p, WithOffline())
	require.Error(t, err)
}
