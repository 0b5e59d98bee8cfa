package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fluxtide/workspace-mcp/internal/workspace"
)

const (
	defaultListWindow  = 7 * 24 * time.Hour
	defaultMaxResults  = 25
	defaultDriveBytes  = 256 << 10
	maxToolListResults = 100
)

// buildMCPServer constructs the MCP server with all Workspace tools
// registered. Every handler resolves the caller's identity from the
// request context; the auth middleware guarantees it is present.
func (s *Server) buildMCPServer() *mcpserver.MCPServer {
	mcpSrv := mcpserver.NewMCPServer("workspace-mcp", s.cfg.Version,
		mcpserver.WithToolCapabilities(true),
	)

	s.registerCalendarTools(mcpSrv)
	s.registerDriveTools(mcpSrv)
	s.registerGmailTools(mcpSrv)
	s.registerFormsTools(mcpSrv)

	return mcpSrv
}

// clientsFromContext builds Workspace clients for the authenticated caller.
func (s *Server) clientsFromContext(ctx context.Context) (*workspace.Clients, error) {
	auth := AuthFromContext(ctx)
	if auth == nil || auth.Tokens == nil {
		return nil, fmt.Errorf("not authenticated")
	}
	return s.factory.Clients(ctx, auth.Tokens)
}

func (s *Server) registerCalendarTools(mcpSrv *mcpserver.MCPServer) {
	listEventsTool := mcp.NewTool("calendar_list_events",
		mcp.WithDescription("List events from the user's primary calendar within a time range"),
		mcp.WithString("timeMin",
			mcp.Description("Range start as RFC 3339 timestamp (default: now)"),
		),
		mcp.WithString("timeMax",
			mcp.Description("Range end as RFC 3339 timestamp (default: one week from timeMin)"),
		),
		mcp.WithString("maxResults",
			mcp.Description("Maximum number of events to return (default: 25, max: 100)"),
		),
	)

	mcpSrv.AddTool(listEventsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		from := time.Now()
		if v, ok := args["timeMin"].(string); ok && v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid timeMin: %v", err)), nil
			}
			from = parsed
		}
		to := from.Add(defaultListWindow)
		if v, ok := args["timeMax"].(string); ok && v != "" {
			parsed, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return mcp.NewToolResultError(fmt.Sprintf("invalid timeMax: %v", err)), nil
			}
			to = parsed
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		events, err := clients.Calendar.ListEvents(ctx, from, to, maxResultsArg(args))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
		}

		result, _ := json.MarshalIndent(events, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	})

	createEventTool := mcp.NewTool("calendar_create_event",
		mcp.WithDescription("Create an event on the user's primary calendar"),
		mcp.WithString("summary",
			mcp.Required(),
			mcp.Description("Event title"),
		),
		mcp.WithString("start",
			mcp.Required(),
			mcp.Description("Event start as RFC 3339 timestamp"),
		),
		mcp.WithString("end",
			mcp.Required(),
			mcp.Description("Event end as RFC 3339 timestamp"),
		),
		mcp.WithString("description",
			mcp.Description("Event description"),
		),
		mcp.WithString("location",
			mcp.Description("Event location"),
		),
		mcp.WithString("timeZone",
			mcp.Description("IANA time zone name (default: UTC)"),
		),
		mcp.WithString("attendees",
			mcp.Description("Comma-separated attendee email addresses"),
		),
	)

	mcpSrv.AddTool(createEventTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		summary, ok := args["summary"].(string)
		if !ok || summary == "" {
			return mcp.NewToolResultError("summary is required"), nil
		}
		start, err := requiredTimeArg(args, "start")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		end, err := requiredTimeArg(args, "end")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		input := workspace.EventInput{
			Summary: summary,
			Start:   start,
			End:     end,
		}
		if v, ok := args["description"].(string); ok {
			input.Description = v
		}
		if v, ok := args["location"].(string); ok {
			input.Location = v
		}
		if v, ok := args["timeZone"].(string); ok {
			input.TimeZone = v
		}
		if v, ok := args["attendees"].(string); ok && v != "" {
			input.Attendees = splitCommaList(v)
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		event, err := clients.Calendar.CreateEvent(ctx, input)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create event: %v", err)), nil
		}

		result, _ := json.MarshalIndent(event, "", "  ")
		return mcp.NewToolResultText(fmt.Sprintf("Event created successfully:\n%s", string(result))), nil
	})

	deleteEventTool := mcp.NewTool("calendar_delete_event",
		mcp.WithDescription("Delete an event from the user's primary calendar"),
		mcp.WithString("eventId",
			mcp.Required(),
			mcp.Description("The ID of the event to delete"),
		),
	)

	mcpSrv.AddTool(deleteEventTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		eventID, ok := args["eventId"].(string)
		if !ok || eventID == "" {
			return mcp.NewToolResultError("eventId is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		if err := clients.Calendar.DeleteEvent(ctx, eventID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to delete event: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Event %s deleted successfully", eventID)), nil
	})
}

func (s *Server) registerDriveTools(mcpSrv *mcpserver.MCPServer) {
	searchTool := mcp.NewTool("drive_search",
		mcp.WithDescription("Search the user's Drive files by full-text query"),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("Full-text search query"),
		),
		mcp.WithString("maxResults",
			mcp.Description("Maximum number of files to return (default: 25, max: 100)"),
		),
	)

	mcpSrv.AddTool(searchTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		query, ok := args["query"].(string)
		if !ok || query == "" {
			return mcp.NewToolResultError("query is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		files, err := clients.Drive.Search(ctx, query, maxResultsArg(args))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to search files: %v", err)), nil
		}

		result, _ := json.MarshalIndent(files, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	})

	readFileTool := mcp.NewTool("drive_read_file",
		mcp.WithDescription("Read a Drive file's content as plain text. Google Docs formats are exported, other files are downloaded as-is."),
		mcp.WithString("fileId",
			mcp.Required(),
			mcp.Description("The ID of the file to read"),
		),
	)

	mcpSrv.AddTool(readFileTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		fileID, ok := args["fileId"].(string)
		if !ok || fileID == "" {
			return mcp.NewToolResultError("fileId is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		content, err := clients.Drive.ReadText(ctx, fileID, defaultDriveBytes)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read file: %v", err)), nil
		}

		return mcp.NewToolResultText(content), nil
	})
}

func (s *Server) registerGmailTools(mcpSrv *mcpserver.MCPServer) {
	listMessagesTool := mcp.NewTool("gmail_list_messages",
		mcp.WithDescription("List Gmail messages matching a search query"),
		mcp.WithString("query",
			mcp.Description("Gmail search query (default: in:inbox)"),
		),
		mcp.WithString("maxResults",
			mcp.Description("Maximum number of messages to return (default: 25, max: 100)"),
		),
	)

	mcpSrv.AddTool(listMessagesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		query := "in:inbox"
		if v, ok := args["query"].(string); ok && v != "" {
			query = v
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		messages, err := clients.Gmail.ListMessages(ctx, query, maxResultsArg(args))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list messages: %v", err)), nil
		}

		result, _ := json.MarshalIndent(messages, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	})

	sendMessageTool := mcp.NewTool("gmail_send_message",
		mcp.WithDescription("Send an email from the user's Gmail account"),
		mcp.WithString("to",
			mcp.Required(),
			mcp.Description("Comma-separated recipient email addresses"),
		),
		mcp.WithString("subject",
			mcp.Required(),
			mcp.Description("Message subject"),
		),
		mcp.WithString("body",
			mcp.Required(),
			mcp.Description("Plain text message body"),
		),
	)

	mcpSrv.AddTool(sendMessageTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		to, ok := args["to"].(string)
		if !ok || to == "" {
			return mcp.NewToolResultError("to is required"), nil
		}
		subject, ok := args["subject"].(string)
		if !ok || subject == "" {
			return mcp.NewToolResultError("subject is required"), nil
		}
		body, ok := args["body"].(string)
		if !ok || body == "" {
			return mcp.NewToolResultError("body is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		id, err := clients.Gmail.Send(ctx, workspace.OutgoingMessage{
			To:      splitCommaList(to),
			Subject: subject,
			Body:    body,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Message sent successfully (id: %s)", id)), nil
	})
}

func (s *Server) registerFormsTools(mcpSrv *mcpserver.MCPServer) {
	getFormTool := mcp.NewTool("forms_get",
		mcp.WithDescription("Get a form's metadata and question count"),
		mcp.WithString("formId",
			mcp.Required(),
			mcp.Description("The ID of the form to retrieve"),
		),
	)

	mcpSrv.AddTool(getFormTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		formID, ok := args["formId"].(string)
		if !ok || formID == "" {
			return mcp.NewToolResultError("formId is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		form, err := clients.Forms.Get(ctx, formID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get form: %v", err)), nil
		}

		result, _ := json.MarshalIndent(form, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	})

	createFormTool := mcp.NewTool("forms_create",
		mcp.WithDescription("Create a new form with the given title"),
		mcp.WithString("title",
			mcp.Required(),
			mcp.Description("Title of the new form"),
		),
	)

	mcpSrv.AddTool(createFormTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		title, ok := args["title"].(string)
		if !ok || title == "" {
			return mcp.NewToolResultError("title is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		form, err := clients.Forms.Create(ctx, title)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create form: %v", err)), nil
		}

		result, _ := json.MarshalIndent(form, "", "  ")
		return mcp.NewToolResultText(fmt.Sprintf("Form created successfully:\n%s", string(result))), nil
	})

	listResponsesTool := mcp.NewTool("forms_list_responses",
		mcp.WithDescription("List submitted responses for a form"),
		mcp.WithString("formId",
			mcp.Required(),
			mcp.Description("The ID of the form"),
		),
	)

	mcpSrv.AddTool(listResponsesTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		formID, ok := args["formId"].(string)
		if !ok || formID == "" {
			return mcp.NewToolResultError("formId is required"), nil
		}

		clients, err := s.clientsFromContext(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		responses, err := clients.Forms.ListResponses(ctx, formID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list responses: %v", err)), nil
		}

		result, _ := json.MarshalIndent(responses, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	})
}

// maxResultsArg reads the optional maxResults argument, clamped to the
// allowed range. MCP clients send numbers as float64 or strings.
func maxResultsArg(args map[string]any) int64 {
	n := int64(defaultMaxResults)
	switch v := args["maxResults"].(type) {
	case float64:
		n = int64(v)
	case string:
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			n = parsed
		}
	}
	if n < 1 {
		n = 1
	}
	if n > maxToolListResults {
		n = maxToolListResults
	}
	return n
}

func requiredTimeArg(args map[string]any, name string) (time.Time, error) {
	v, ok := args[name].(string)
	if !ok || v == "" {
		return time.Time{}, fmt.Errorf("%s is required", name)
	}
	parsed, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s: %v", name, err)
	}
	return parsed, nil
}

func splitCommaList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
