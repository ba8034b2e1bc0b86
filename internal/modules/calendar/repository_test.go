package calendar

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aristath/exchange-sim/internal/database"
	"github.com/aristath/exchange-sim/internal/domain"
	"github.com/aristath/exchange-sim/pkg/logger"
)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "exchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	return NewRepository(db.Conn(), log)
}

func TestIsWithinWindow(t *testing.T) {
	repo := newRepo(t)

	// Monday 09:00–17:00 only.
	require.NoError(t, repo.Set(domain.WorkingHours{
		Weekday: time.Monday, OpenMinute: 9 * 60, CloseMinute: 17 * 60,
	}))

	monday := time.Date(2026, time.August, 3, 0, 0, 0, 0, time.UTC) // a Monday
	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", monday.Add(8*time.Hour + 59*time.Minute), false},
		{"at open", monday.Add(9 * time.Hour), true},
		{"mid-session", monday.Add(12 * time.Hour), true},
		{"at close", monday.Add(17 * time.Hour), true},
		{"after close", monday.Add(17*time.Hour + 1*time.Minute), false},
		{"closed weekday", monday.Add(24*time.Hour + 12*time.Hour), false}, // Tuesday noon
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.IsWithinWindow(tt.at)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSet_UpsertsWeekday(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.Set(domain.WorkingHours{Weekday: time.Friday, OpenMinute: 600, CloseMinute: 900}))
	require.NoError(t, repo.Set(domain.WorkingHours{Weekday: time.Friday, OpenMinute: 540, CloseMinute: 960}))

	all, err := repo.All()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 540, all[0].OpenMinute)
	require.Equal(t, 960, all[0].CloseMinute)
}
