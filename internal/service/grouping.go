package service

import (
	"time"

	"portalchat/internal/domain"
)

// DefaultGroupingGap separates two runs of messages from the same sender.
const DefaultGroupingGap = 5 * time.Minute

type GroupedMessage struct {
	*domain.Message
	// ShowHeader puts the sender's name and time before this message.
	ShowHeader bool `json:"show_header"`
	// EndsRun puts the sender's avatar after this message.
	EndsRun bool `json:"ends_run"`
}

type DateGroup struct {
	Date     string           `json:"date"`
	Messages []GroupedMessage `json:"messages"`
}

// GroupMessages buckets messages by calendar date in loc and marks where a
// run of messages starts and ends. A run breaks when the sender changes or
// when more than gap passes between consecutive messages. msgs must be in
// ascending order.
func GroupMessages(msgs []*domain.Message, loc *time.Location, gap time.Duration) []DateGroup {
	if loc == nil {
		loc = time.UTC
	}
	if gap <= 0 {
		gap = DefaultGroupingGap
	}

	groups := []DateGroup{}
	for _, m := range msgs {
		date := m.CreatedAt.In(loc).Format(time.DateOnly)
		if len(groups) == 0 || groups[len(groups)-1].Date != date {
			groups = append(groups, DateGroup{Date: date})
		}
		g := &groups[len(groups)-1]

		header := true
		if n := len(g.Messages); n > 0 {
			prev := g.Messages[n-1].Message
			header = breaksRun(prev, m, gap)
		}
		g.Messages = append(g.Messages, GroupedMessage{Message: m, ShowHeader: header})
	}

	for gi := range groups {
		items := groups[gi].Messages
		for i := range items {
			items[i].EndsRun = i == len(items)-1 || items[i+1].ShowHeader
		}
	}
	return groups
}

func breaksRun(prev, next *domain.Message, gap time.Duration) bool {
	return prev.SenderID != next.SenderID || next.CreatedAt.Sub(prev.CreatedAt) > gap
}
