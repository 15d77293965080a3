package dryrun

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autoreach/internal/model"
	logx "autoreach/pkg/logx"
)

func TestMembershipAndDirectory(t *testing.T) {
	t.Parallel()
	p := New(Config{
		Groups:  []model.Group{{ID: "g", Name: "G"}},
		Members: map[string][]string{"g": {"+1 555"}},
		Unknown: []string{"+9"},
	}, logx.Nop())
	ctx := context.Background()

	ok, err := p.CheckNumberExists(ctx, "9")
	require.NoError(t, err)
	assert.False(t, ok)

	in, err := p.IsGroupParticipant(ctx, "g", "1555")
	require.NoError(t, err)
	assert.True(t, in)

	in, err = p.IsGroupParticipant(ctx, "g", "+2")
	require.NoError(t, err)
	assert.False(t, in)

	require.NoError(t, p.AddParticipant(ctx, "g", "+2"))
	in, err = p.IsGroupParticipant(ctx, "g", "2")
	require.NoError(t, err)
	assert.True(t, in)

	groups, err := p.ListGroups(ctx)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
	assert.True(t, p.Connected())
}

func TestThrottleEvery(t *testing.T) {
	t.Parallel()
	p := New(Config{ThrottleEvery: 2}, logx.Nop())
	ctx := context.Background()

	require.NoError(t, p.SendText(ctx, "1", "a"))
	assert.False(t, p.DetectThrottling())
	require.NoError(t, p.SendMedia(ctx, "1", model.Media{MimeClass: "image"}, ""))
	assert.True(t, p.DetectThrottling())
	assert.False(t, p.DetectThrottling())
}

func TestLatencyHonoursContext(t *testing.T) {
	t.Parallel()
	p := New(Config{Latency: time.Hour}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.SendText(ctx, "1", "a"), context.Canceled)
}
