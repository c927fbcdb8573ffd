package timeutil_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kingtg-userbot/internal/infra/timeutil"
)

func TestParseLocation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		offset  int
		wantErr bool
	}{
		{in: "UTC", offset: 0},
		{in: "+03:00", offset: 3 * 3600},
		{in: "UTC-0430", offset: -(4*3600 + 30*60)},
		{in: "GMT+5", offset: 5 * 3600},
		{in: "", wantErr: true},
		{in: "Mars/Olympus", wantErr: true},
		{in: "+15:00", wantErr: true},
	}
	ref := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			loc, err := timeutil.ParseLocation(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, off := ref.In(loc).Zone()
			assert.Equal(t, tt.offset, off)
		})
	}
}

func TestReadableDuration(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0s", timeutil.ReadableDuration(0))
	assert.Equal(t, "0s", timeutil.ReadableDuration(-time.Minute))
	assert.Equal(t, "5m", timeutil.ReadableDuration(5*time.Minute))
	assert.Equal(t, "3d", timeutil.ReadableDuration(72*time.Hour))
	assert.Equal(t, "1d 1h 1m 1s", timeutil.ReadableDuration(25*time.Hour+61*time.Second))
}

func TestFormatStamp(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	loc := time.FixedZone("UTC+03:00", 3*3600)
	assert.Equal(t, "2024-05-01 13:00:00", timeutil.FormatStamp(ts, loc))
	assert.Equal(t, "2024-05-01 10:00:00", timeutil.FormatStamp(ts, nil))
	assert.Equal(t, "-", timeutil.FormatStamp(time.Time{}, loc))
}
