package workspace

import (
	"context"
	"fmt"
	"time"

	calendar "google.golang.org/api/calendar/v3"
)

// CalendarClient exposes the calendar operations served over MCP.
type CalendarClient struct {
	svc      *calendar.Service
	breakers *callGuard
}

// ListEvents returns upcoming events on the user's primary calendar.
func (c *CalendarClient) ListEvents(ctx context.Context, from, to time.Time, maxResults int64) ([]Event, error) {
	if maxResults <= 0 {
		maxResults = 50
	}

	var result *calendar.Events
	err := c.breakers.Do(ctx, "calendar.events.list", func(ctx context.Context) error {
		var err error
		result, err = c.svc.Events.List("primary").
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(maxResults).
			Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(result.Items))
	for _, item := range result.Items {
		events = append(events, eventFromAPI(item))
	}
	return events, nil
}

// CreateEvent creates an event on the user's primary calendar.
func (c *CalendarClient) CreateEvent(ctx context.Context, input EventInput) (*Event, error) {
	if input.Summary == "" {
		return nil, fmt.Errorf("event summary is required")
	}
	if !input.End.After(input.Start) {
		return nil, fmt.Errorf("event end must be after start")
	}

	ev := &calendar.Event{
		Summary:     input.Summary,
		Description: input.Description,
		Location:    input.Location,
		Start:       &calendar.EventDateTime{DateTime: input.Start.Format(time.RFC3339), TimeZone: input.TimeZone},
		End:         &calendar.EventDateTime{DateTime: input.End.Format(time.RFC3339), TimeZone: input.TimeZone},
	}
	for _, email := range input.Attendees {
		ev.Attendees = append(ev.Attendees, &calendar.EventAttendee{Email: email})
	}

	var created *calendar.Event
	err := c.breakers.Do(ctx, "calendar.events.insert", func(ctx context.Context) error {
		var err error
		created, err = c.svc.Events.Insert("primary", ev).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := eventFromAPI(created)
	return &out, nil
}

// DeleteEvent removes an event from the primary calendar.
func (c *CalendarClient) DeleteEvent(ctx context.Context, eventID string) error {
	if eventID == "" {
		return fmt.Errorf("event id is required")
	}
	return c.breakers.Do(ctx, "calendar.events.delete", func(ctx context.Context) error {
		return c.svc.Events.Delete("primary", eventID).Context(ctx).Do()
	})
}

func eventFromAPI(item *calendar.Event) Event {
	ev := Event{
		ID:       item.Id,
		Summary:  item.Summary,
		Location: item.Location,
		Status:   item.Status,
		MeetLink: item.HangoutLink,
	}
	if item.Organizer != nil {
		ev.Organizer = item.Organizer.Email
	}
	if item.Start != nil {
		ev.Start = parseEventTime(item.Start)
	}
	if item.End != nil {
		ev.End = parseEventTime(item.End)
	}
	return ev
}

func parseEventTime(edt *calendar.EventDateTime) time.Time {
	if edt.DateTime != "" {
		if t, err := time.Parse(time.RFC3339, edt.DateTime); err == nil {
			return t
		}
	}
	if edt.Date != "" {
		if t, err := time.Parse("2006-01-02", edt.Date); err == nil {
			return t
		}
	}
	return time.Time{}
}
