package workspace

import (
	"context"
	"fmt"
	"time"

	forms "google.golang.org/api/forms/v1"
)

// FormsClient exposes the Forms operations served over MCP.
type FormsClient struct {
	svc      *forms.Service
	breakers *callGuard
}

// Get returns a form's metadata.
func (c *FormsClient) Get(ctx context.Context, formID string) (*Form, error) {
	if formID == "" {
		return nil, fmt.Errorf("form id is required")
	}

	var form *forms.Form
	err := c.breakers.Do(ctx, "forms.get", func(ctx context.Context) error {
		var err error
		form, err = c.svc.Forms.Get(formID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := &Form{
		ID:           form.FormId,
		ResponderURI: form.ResponderUri,
	}
	if form.Info != nil {
		out.Title = form.Info.Title
		out.Description = form.Info.Description
	}
	out.QuestionCount = len(form.Items)
	return out, nil
}

// Create creates a new form with the given title.
func (c *FormsClient) Create(ctx context.Context, title string) (*Form, error) {
	if title == "" {
		return nil, fmt.Errorf("form title is required")
	}

	var form *forms.Form
	err := c.breakers.Do(ctx, "forms.create", func(ctx context.Context) error {
		var err error
		form, err = c.svc.Forms.Create(&forms.Form{
			Info: &forms.Info{Title: title},
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Form{ID: form.FormId, Title: title, ResponderURI: form.ResponderUri}, nil
}

// ListResponses returns submitted responses for a form.
func (c *FormsClient) ListResponses(ctx context.Context, formID string) ([]FormResponse, error) {
	if formID == "" {
		return nil, fmt.Errorf("form id is required")
	}

	var list *forms.ListFormResponsesResponse
	err := c.breakers.Do(ctx, "forms.responses.list", func(ctx context.Context) error {
		var err error
		list, err = c.svc.Forms.Responses.List(formID).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	responses := make([]FormResponse, 0, len(list.Responses))
	for _, r := range list.Responses {
		resp := FormResponse{
			ID:      r.ResponseId,
			Answers: make(map[string]string),
		}
		if t, err := time.Parse(time.RFC3339, r.LastSubmittedTime); err == nil {
			resp.SubmittedAt = t
		}
		for qid, answer := range r.Answers {
			if answer.TextAnswers == nil {
				continue
			}
			var values []string
			for _, ta := range answer.TextAnswers.Answers {
				values = append(values, ta.Value)
			}
			if len(values) > 0 {
				resp.Answers[qid] = values[0]
				if len(values) > 1 {
					resp.Answers[qid] = fmt.Sprintf("%v", values)
				}
			}
		}
		responses = append(responses, resp)
	}
	return responses, nil
}
