package chat

import (
	"time"

	"golang.org/x/text/language"
)

// DateLayout returns the calendar date layout used for day separator
// labels under the given locale. Month-first for US-style regions,
// day-first everywhere else.
func DateLayout(tag language.Tag) string {
	region, _ := tag.Region()
	switch region.String() {
	case "US":
		return "1/2/2006"
	default:
		return "02/01/2006"
	}
}

// InsertDateHeaders builds the rendered sequence from an ascending
// message slice: one header before the first message of each distinct
// calendar day, labelled "Today", "Yesterday", or the date in layout.
// Days are compared in now's location. Messages without a parsable
// timestamp pass through without triggering a header.
//
// The function is pure and total in its inputs: headers are always
// rebuilt from scratch, so applying it again to the messages of its
// own output yields the same sequence.
func InsertDateHeaders(now time.Time, layout string, msgs []Message) []Entry {
	entries := make([]Entry, 0, len(msgs))

	loc := now.Location()
	today := now.In(loc)
	yesterday := today.AddDate(0, 0, -1)

	var lastDay string

	for i := range msgs {
		msg := &msgs[i]

		if msg.CreatedAt.IsZero() {
			entries = append(entries, Entry{Message: msg})
			continue
		}

		local := msg.CreatedAt.In(loc)

		day := local.Format(time.DateOnly)
		if day != lastDay {
			var label string
			switch day {
			case today.Format(time.DateOnly):
				label = "Today"
			case yesterday.Format(time.DateOnly):
				label = "Yesterday"
			default:
				label = local.Format(layout)
			}

			entries = append(entries, Entry{Header: &DateHeader{Label: label}})
			lastDay = day
		}

		entries = append(entries, Entry{Message: msg})
	}

	return entries
}
