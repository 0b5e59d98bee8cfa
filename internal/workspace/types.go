package workspace

import "time"

// EventInput is the input for creating a calendar event.
type EventInput struct {
	Summary     string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	Attendees   []string
}

// Event is a simplified calendar event for listing.
type Event struct {
	ID        string
	Summary   string
	Location  string
	Start     time.Time
	End       time.Time
	Organizer string
	Status    string
	MeetLink  string
}

// File is a simplified Drive file entry.
type File struct {
	ID           string
	Name         string
	MimeType     string
	WebViewLink  string
	ModifiedTime time.Time
	Size         int64
}

// Message is a simplified Gmail message for listing.
type Message struct {
	ID      string
	Subject string
	From    string
	To      string
	Date    string
	Snippet string
}

// OutgoingMessage is the input for sending mail.
type OutgoingMessage struct {
	To      []string
	Subject string
	Body    string
}

// Form is a simplified Forms entry.
type Form struct {
	ID            string
	Title         string
	Description   string
	ResponderURI  string
	QuestionCount int
}

// FormResponse is one submitted response.
type FormResponse struct {
	ID          string
	SubmittedAt time.Time
	Answers     map[string]string
}
