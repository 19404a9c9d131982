package workflow

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3d", 72 * time.Hour},
		{"2h", 2 * time.Hour},
		{"45m", 45 * time.Minute},
		{"1w2d", 9 * 24 * time.Hour},
		{" 1D12H ", 36 * time.Hour},
	}
	for _, tc := range cases {
		d, err := ParseDuration(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, d.Duration, tc.in)
	}

	for _, bad := range []string{"3", "d", "3x", "2h-1m", "99999999999999999999w", "1.5h"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, bad)
		assert.True(t, IsValidation(err), bad)
	}
}

func TestDurationRendering(t *testing.T) {
	d := MustParseDuration("1W2D")
	assert.Equal(t, "1w2d", d.String())
	assert.Equal(t, "1d2h30m", Duration{Duration: 26*time.Hour + 30*time.Minute}.String())
	assert.True(t, d.Equal(MustParseDuration("9d")))
	assert.Panics(t, func() { MustParseDuration("soon") })
}

func TestDurationEncoding(t *testing.T) {
	var step struct {
		Deadline Duration `json:"deadline" yaml:"deadline"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("deadline: 3d\n"), &step))
	assert.Equal(t, 72*time.Hour, step.Deadline.Duration)

	raw, err := json.Marshal(step)
	require.NoError(t, err)
	assert.JSONEq(t, `{"deadline":"3d"}`, string(raw))

	assert.Error(t, json.Unmarshal([]byte(`{"deadline":5}`), &step))
	assert.Error(t, yaml.Unmarshal([]byte("deadline: 4y\n"), &step))
}
