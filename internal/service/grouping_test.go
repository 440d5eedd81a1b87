package service_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portalchat/internal/domain"
	"portalchat/internal/service"
)

func msgAt(id, sender int64, at time.Time) *domain.Message {
	return &domain.Message{ID: id, Seq: id, SenderID: sender, CreatedAt: at}
}

func TestGroupMessagesRuns(t *testing.T) {
	day := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	msgs := []*domain.Message{
		msgAt(1, 1, day),
		msgAt(2, 1, day.Add(2*time.Second)),
		msgAt(3, 1, day.Add(7*time.Minute)),
		msgAt(4, 2, day.Add(7*time.Minute+time.Second)),
	}

	groups := service.GroupMessages(msgs, time.UTC, service.DefaultGroupingGap)
	require.Len(t, groups, 1)
	assert.Equal(t, "2026-05-04", groups[0].Date)

	var headers, ends []bool
	for _, g := range groups[0].Messages {
		headers = append(headers, g.ShowHeader)
		ends = append(ends, g.EndsRun)
	}
	assert.Equal(t, []bool{true, false, true, true}, headers)
	assert.Equal(t, []bool{false, true, true, true}, ends)
}

func TestGroupMessagesByLocalDate(t *testing.T) {
	late := time.Date(2026, 5, 4, 23, 30, 0, 0, time.UTC)
	msgs := []*domain.Message{
		msgAt(1, 1, late),
		msgAt(2, 1, late.Add(time.Hour)),
	}

	utc := service.GroupMessages(msgs, time.UTC, service.DefaultGroupingGap)
	require.Len(t, utc, 2)
	assert.Equal(t, "2026-05-05", utc[1].Date)
	// A new day always starts with a header.
	assert.True(t, utc[1].Messages[0].ShowHeader)

	westCoast := time.FixedZone("UTC-7", -7*60*60)
	local := service.GroupMessages(msgs, westCoast, service.DefaultGroupingGap)
	require.Len(t, local, 1)
	assert.Equal(t, "2026-05-04", local[0].Date)

	assert.Empty(t, service.GroupMessages(nil, nil, 0))
}
