package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	drive "google.golang.org/api/drive/v3"
	forms "google.golang.org/api/forms/v1"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/fluxtide/workspace-mcp/internal/apperrors"
	"github.com/fluxtide/workspace-mcp/internal/breaker"
	"github.com/fluxtide/workspace-mcp/internal/google"
	"github.com/fluxtide/workspace-mcp/internal/logging"
	"github.com/fluxtide/workspace-mcp/internal/session"
)

// CallRecorder receives the outcome of every upstream Workspace call.
// *instrumentation.Metrics satisfies it; a nil recorder disables recording.
type CallRecorder interface {
	RecordWorkspaceCall(ctx context.Context, operation, status string, duration time.Duration)
}

// callGuard is the shared call path of all Workspace clients: every
// upstream call runs under the per-operation breaker and its outcome and
// latency are reported to the recorder.
type callGuard struct {
	breakers *breaker.Registry
	recorder CallRecorder
}

func newCallGuard(breakers *breaker.Registry, recorder CallRecorder) *callGuard {
	return &callGuard{breakers: breakers, recorder: recorder}
}

// Do runs fn under the breaker for operation and records the call.
func (g *callGuard) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.breakers.Do(ctx, operation, fn)
	if g.recorder != nil {
		g.recorder.RecordWorkspaceCall(ctx, operation, callStatus(err), time.Since(start))
	}
	return err
}

// Get exposes the breaker for operation, for state inspection.
func (g *callGuard) Get(operation string) *breaker.Breaker {
	return g.breakers.Get(operation)
}

func callStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, apperrors.ErrCircuitOpen):
		return "rejected"
	case errors.Is(err, apperrors.ErrUpstreamTimeout):
		return "timeout"
	default:
		return "error"
	}
}

// Factory builds Workspace clients from session token material.
type Factory struct {
	provider *google.Provider
	guard    *callGuard
	logger   *slog.Logger

	// extraOpts lets tests point the services at a local server.
	extraOpts []option.ClientOption
}

// NewFactory creates a client factory. Calls on every client it produces
// pass through the given breaker registry and are recorded on recorder.
func NewFactory(provider *google.Provider, breakers *breaker.Registry, recorder CallRecorder, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		provider: provider,
		guard:    newCallGuard(breakers, recorder),
		logger:   logging.WithComponent(logger, "workspace"),
	}
}

// Clients builds the full set of capability clients for one request.
func (f *Factory) Clients(ctx context.Context, tokens *session.TokenSet) (*Clients, error) {
	opts := f.clientOptions(ctx, tokens)

	calSvc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	driveSvc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Drive service: %w", err)
	}
	gmailSvc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	formsSvc, err := forms.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Forms service: %w", err)
	}

	return &Clients{
		Calendar: &CalendarClient{svc: calSvc, breakers: f.guard},
		Drive:    &DriveClient{svc: driveSvc, breakers: f.guard},
		Gmail:    &GmailClient{svc: gmailSvc, breakers: f.guard},
		Forms:    &FormsClient{svc: formsSvc, breakers: f.guard},
	}, nil
}

func (f *Factory) clientOptions(ctx context.Context, tokens *session.TokenSet) []option.ClientOption {
	if len(f.extraOpts) > 0 {
		return f.extraOpts
	}

	client := oauth2.NewClient(ctx, f.provider.TokenSource(ctx, tokens))
	// Force HTTP/1.1: the Workspace endpoints intermittently reset HTTP/2
	// streams under load.
	if transport, ok := client.Transport.(*oauth2.Transport); ok {
		transport.Base = &http.Transport{ForceAttemptHTTP2: false}
	}
	return []option.ClientOption{option.WithHTTPClient(client)}
}

// Clients bundles the per-capability Workspace clients for one request.
type Clients struct {
	Calendar *CalendarClient
	Drive    *DriveClient
	Gmail    *GmailClient
	Forms    *FormsClient
}
