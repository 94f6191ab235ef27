// Package notify defines the notification taxonomy shared by the
// scheduler, queue worker, and stores: which domain instant a
// notification hangs off, how far ahead of it the push fires, and the
// display text derived from that pair.
package notify

import (
	"fmt"
	"time"
)

// Kind identifies which domain instant a notification is anchored to.
type Kind string

const (
	KindTicketOpen   Kind = "ticket_open"   // tickets go on sale
	KindConcertStart Kind = "concert_start" // the show begins
	KindScheduled    Kind = "scheduled"     // directly-addressed one-shot
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTicketOpen, KindConcertStart, KindScheduled:
		return true
	}
	return false
}

// Type is the tagged variant identifying a notification: the kind plus
// the lead time in minutes before the anchoring instant. Scheduled
// notifications carry offset 0.
type Type struct {
	Kind          Kind `json:"kind"`
	OffsetMinutes int  `json:"offset_minutes"`
}

// String renders a stable tag such as "ticket_open-60" used in metrics
// labels and history rows.
func (t Type) String() string {
	return fmt.Sprintf("%s-%d", t.Kind, t.OffsetMinutes)
}

// Offset returns the lead time as a duration.
func (t Type) Offset() time.Duration {
	return time.Duration(t.OffsetMinutes) * time.Minute
}

type displayText struct {
	title string
	body  string // fmt string receiving the concert title
}

// One table instead of parallel switch statements per notification
// family. Unlisted offsets fall back to a generic rendering.
var displayTexts = map[Type]displayText{
	{KindTicketOpen, 10}:   {"Ticket sale starting soon", "Tickets for %s go on sale in 10 minutes"},
	{KindTicketOpen, 30}:   {"Ticket sale starting soon", "Tickets for %s go on sale in 30 minutes"},
	{KindTicketOpen, 60}:   {"Ticket sale starting soon", "Tickets for %s go on sale in 1 hour"},
	{KindTicketOpen, 1440}: {"Ticket sale tomorrow", "Tickets for %s go on sale tomorrow"},
	{KindConcertStart, 60}:   {"Concert starting soon", "%s starts in 1 hour"},
	{KindConcertStart, 180}:  {"Concert starting soon", "%s starts in 3 hours"},
	{KindConcertStart, 1440}: {"Concert tomorrow", "%s starts tomorrow"},
}

// DisplayText returns the push title and body for a notification of
// type t about the named concert.
func DisplayText(t Type, concertTitle string) (title, body string) {
	if dt, ok := displayTexts[t]; ok {
		return dt.title, fmt.Sprintf(dt.body, concertTitle)
	}
	switch t.Kind {
	case KindTicketOpen:
		return "Ticket sale starting soon", fmt.Sprintf("Tickets for %s go on sale in %s", concertTitle, humanOffset(t.Offset()))
	case KindConcertStart:
		return "Concert starting soon", fmt.Sprintf("%s starts in %s", concertTitle, humanOffset(t.Offset()))
	}
	return "Notification", concertTitle
}

func humanOffset(d time.Duration) string {
	switch {
	case d >= 24*time.Hour && d%(24*time.Hour) == 0:
		days := int(d / (24 * time.Hour))
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	case d >= time.Hour && d%time.Hour == 0:
		hours := int(d / time.Hour)
		if hours == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", hours)
	default:
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
}
