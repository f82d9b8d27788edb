// Package cli holds the orchctl operator commands. They run against the
// database directly, the same way the scheduler sweeps do.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"client-engine/internal/app"
	"client-engine/internal/logging"
	"client-engine/internal/telemetry"
)

// ErrThrottled is returned when the caller's budget for an operation is spent.
var ErrThrottled = errors.New("rate limited")

// Builder wires the services for one command invocation and returns a
// function that releases them.
type Builder func(ctx context.Context) (*app.App, func(), error)

// NewRootCommand returns the orchctl command tree.
func NewRootCommand(build Builder) *cobra.Command {
	root := &cobra.Command{
		Use:           "orchctl",
		Short:         "Operate the job queue, pipeline and notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("caller", "", "caller id for rate limiting (default orchctl:<os user>)")
	RegisterCommands(root, build)
	return root
}

// RegisterCommands adds all operator commands to root.
func RegisterCommands(root *cobra.Command, build Builder) {
	root.AddCommand(NewRecoverStaleCommand(build))
	root.AddCommand(NewDispatchCommand(build))
	root.AddCommand(NewEscalateCommand(build))
	root.AddCommand(NewRunCommand(build))
	root.AddCommand(NewRunEligibleCommand(build))
	root.AddCommand(NewJobCommand(build))
	root.AddCommand(NewEventsCommand(build))
}

// withApp runs fn with a freshly built App. A non-empty op spends one unit
// of the caller's budget for that operation first, the same budget the HTTP
// surface uses.
func withApp(cmd *cobra.Command, build Builder, op string, fn func(ctx context.Context, a *app.App) (any, error)) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, release, err := build(ctx)
	if err != nil {
		return err
	}
	defer release()

	if op != "" {
		if err := throttle(ctx, a, op, callerID(cmd)); err != nil {
			return err
		}
	}
	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func throttle(ctx context.Context, a *app.App, op, caller string) error {
	if a.Limiter == nil {
		return nil
	}
	res, err := a.Limiter.Check(ctx, op+":"+caller, a.Config.RateLimitMax, a.Config.RateLimitWindow)
	if err != nil {
		logging.OrNop(a.Log).Warn("rate limiter unavailable", zap.String("operation", op), zap.Error(err))
		return nil
	}
	if !res.OK {
		telemetry.RateLimitRejects.WithLabelValues(op).Inc()
		return fmt.Errorf("%w: %s for %s, retry in %s", ErrThrottled, op, caller, res.RetryAfter(time.Now()).Round(time.Second))
	}
	return nil
}

func callerID(cmd *cobra.Command) string {
	if f := cmd.Flag("caller"); f != nil && f.Value.String() != "" {
		return f.Value.String()
	}
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	if name == "" {
		name = "unknown"
	}
	return "orchctl:" + name
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
