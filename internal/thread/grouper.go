// Package thread derives the rendered view of a conversation from the
// engine's ordered message list. It holds no state of its own.
package thread

import (
	"time"

	"github.com/parleyhq/parley/internal/store"
)

// PendingLabel is the bucket for messages the server has not timestamped yet.
const PendingLabel = "Pending"

// Item is one renderable row. UnreadSeparator rows carry no message.
type Item struct {
	Message         *store.Message
	UnreadSeparator bool
}

// Section is a run of messages under one day label.
type Section struct {
	Label string
	Items []Item
}

// Sections groups an ordered message list into calendar-day sections, with
// unsynced messages collected under a trailing Pending bucket and a
// synthetic separator inserted before the first unread inbound message.
// Deleted messages stay in place as tombstones so reply-jump targets keep
// their positions.
func Sections(msgs []store.Message, selfID string, now time.Time) []Section {
	var (
		sections     []Section
		current      *Section
		separatorSet bool
	)

	appendItem := func(label string, item Item) {
		if current == nil || current.Label != label {
			sections = append(sections, Section{Label: label})
			current = &sections[len(sections)-1]
		}
		current.Items = append(current.Items, item)
	}

	for i := range msgs {
		m := &msgs[i]
		label := PendingLabel
		if m.CreatedAt > 0 {
			label = dayLabel(time.UnixMilli(m.CreatedAt), now)
		}
		if !separatorSet && m.SenderID != selfID && !m.IsRead {
			appendItem(label, Item{UnreadSeparator: true})
			separatorSet = true
		}
		appendItem(label, Item{Message: m})
	}
	return sections
}

func dayLabel(t, now time.Time) string {
	y, m, d := t.Date()
	ny, nm, nd := now.Date()
	if y == ny && m == nm && d == nd {
		return "Today"
	}
	yesterday := now.AddDate(0, 0, -1)
	yy, ym, yd := yesterday.Date()
	if y == yy && m == ym && d == yd {
		return "Yesterday"
	}
	return t.Format("January 2, 2006")
}
