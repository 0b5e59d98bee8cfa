package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	gmail "google.golang.org/api/gmail/v1"
)

// GmailClient exposes the Gmail operations served over MCP.
type GmailClient struct {
	svc      *gmail.Service
	breakers *callGuard
}

// ListMessages returns message summaries matching a Gmail search query.
func (c *GmailClient) ListMessages(ctx context.Context, query string, maxResults int64) ([]Message, error) {
	if maxResults <= 0 {
		maxResults = 25
	}

	var list *gmail.ListMessagesResponse
	err := c.breakers.Do(ctx, "gmail.messages.list", func(ctx context.Context) error {
		call := c.svc.Users.Messages.List("me").MaxResults(maxResults)
		if query != "" {
			call = call.Q(query)
		}
		var err error
		list, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(list.Messages))
	for _, ref := range list.Messages {
		var msg *gmail.Message
		err := c.breakers.Do(ctx, "gmail.messages.get", func(ctx context.Context) error {
			var err error
			msg, err = c.svc.Users.Messages.Get("me", ref.Id).
				Format("metadata").
				MetadataHeaders("Subject", "From", "To", "Date").
				Context(ctx).Do()
			return err
		})
		if err != nil {
			return nil, err
		}
		messages = append(messages, messageFromAPI(msg))
	}
	return messages, nil
}

// Send sends a plain-text message from the authenticated user.
func (c *GmailClient) Send(ctx context.Context, out OutgoingMessage) (string, error) {
	if len(out.To) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}
	if out.Subject == "" {
		return "", fmt.Errorf("subject is required")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(out.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", out.Subject)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(out.Body)

	raw := base64.URLEncoding.EncodeToString([]byte(b.String()))

	var sent *gmail.Message
	err := c.breakers.Do(ctx, "gmail.messages.send", func(ctx context.Context) error {
		var err error
		sent, err = c.svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return sent.Id, nil
}

func messageFromAPI(msg *gmail.Message) Message {
	m := Message{ID: msg.Id, Snippet: msg.Snippet}
	if msg.Payload == nil {
		return m
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "Subject":
			m.Subject = h.Value
		case "From":
			m.From = h.Value
		case "To":
			m.To = h.Value
		case "Date":
			m.Date = h.Value
		}
	}
	return m
}
