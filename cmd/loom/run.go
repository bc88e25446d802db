package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/pkg/models"
)

func buildRunCmd() *cobra.Command {
	var (
		configPath   string
		sessionID    string
		providerName string
		model        string
		agent        string
		autoApprove  bool
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "run [prompt]",
		Short: "Run one agent turn and stream the output",
		Long: `Run enqueues a single assistant turn for a session and streams text
deltas, tool calls, and tool results to the terminal until the turn reaches
a terminal state. Ctrl-C aborts the running turn.`,
		Example: `  # One-shot turn in a fresh session
  loom run "summarize cmd/loom"

  # Continue a session with a specific provider and model
  loom run --session 7f3a91 --provider openai --model gpt-4o "now add tests"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(resolveConfigPath(configPath))
			if err != nil {
				return err
			}
			if autoApprove {
				cfg.Tools.AutoApprove = true
			}
			return runTurn(cmd.Context(), cfg, runOpts{
				sessionID: sessionID,
				provider:  providerName,
				model:     model,
				agent:     agent,
				prompt:    args[0],
				debug:     debug,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to continue (default: new session)")
	cmd.Flags().StringVar(&providerName, "provider", "", "LLM provider (default from config)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "Model id (default from provider config)")
	cmd.Flags().StringVar(&agent, "agent", "build", "Agent name recorded on the session")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip approval prompts for guarded tool calls")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

type runOpts struct {
	sessionID string
	provider  string
	model     string
	agent     string
	prompt    string
	debug     bool
}

func runTurn(ctx context.Context, cfg *config.Config, opts runOpts) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, promptApproval, opts.debug)
	if err != nil {
		return err
	}
	defer a.close()

	providerName := opts.provider
	if providerName == "" {
		providerName = cfg.LLM.DefaultProvider
	}
	if _, ok := a.providers[providerName]; !ok {
		return fmt.Errorf("provider %q is not configured (missing API key?)", providerName)
	}
	model := opts.model
	if model == "" {
		model = cfg.LLM.Providers[providerName].DefaultModel
	}

	req, err := prepareTurn(ctx, a, opts, providerName, model)
	if err != nil {
		return err
	}

	done := make(chan models.Event, 1)
	unsubscribe := a.bus.Subscribe(req.SessionID, func(evt models.Event) {
		printEvent(evt)
		if evt.Type == models.EventMessageCompleted || evt.Type == models.EventError {
			select {
			case done <- evt:
			default:
			}
		}
	})
	defer unsubscribe()

	a.scheduler.Enqueue(req)

	select {
	case evt := <-done:
		fmt.Println()
		if evt.Type == models.EventError {
			p := evt.Payload.(models.ErrorPayload)
			return fmt.Errorf("turn failed: %s", p.Error)
		}
		printSummary(evt.Payload.(models.MessageCompletedPayload), req.SessionID)
		return nil
	case <-ctx.Done():
		a.scheduler.AbortSession(req.SessionID, true)
		// Give the runner a moment to publish the abort event.
		select {
		case <-done:
		case <-time.After(3 * time.Second):
		}
		fmt.Fprintln(os.Stderr, "\naborted")
		return nil
	}
}

// prepareTurn persists the user turn and a pending assistant message, and
// builds the run request for the scheduler.
func prepareTurn(ctx context.Context, a *app, opts runOpts, providerName, model string) (models.RunRequest, error) {
	now := time.Now()
	sessionID := opts.sessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
		session := &models.Session{
			ID:          sessionID,
			Agent:       opts.agent,
			Title:       truncate(opts.prompt, 80),
			ProjectRoot: a.workspace.Root(),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := a.store.CreateSession(ctx, session); err != nil {
			return models.RunRequest{}, fmt.Errorf("create session: %w", err)
		}
	} else if _, err := a.store.GetSession(ctx, sessionID); err != nil {
		return models.RunRequest{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Status:    models.StatusComplete,
		CreatedAt: now,
	}
	if err := a.store.CreateMessage(ctx, userMsg); err != nil {
		return models.RunRequest{}, fmt.Errorf("create user message: %w", err)
	}
	content, err := json.Marshal(models.TextContent{Text: opts.prompt})
	if err != nil {
		return models.RunRequest{}, err
	}
	if err := a.store.CreatePart(ctx, &models.MessagePart{
		ID:        uuid.NewString(),
		MessageID: userMsg.ID,
		Type:      models.PartText,
		Content:   string(content),
		StartedAt: now,
	}); err != nil {
		return models.RunRequest{}, fmt.Errorf("create user part: %w", err)
	}

	asstMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Status:    models.StatusPending,
		Agent:     opts.agent,
		Provider:  providerName,
		Model:     model,
		CreatedAt: time.Now(),
	}
	if err := a.store.CreateMessage(ctx, asstMsg); err != nil {
		return models.RunRequest{}, fmt.Errorf("create assistant message: %w", err)
	}

	return models.RunRequest{
		SessionID:   sessionID,
		MessageID:   asstMsg.ID,
		Agent:       opts.agent,
		Provider:    providerName,
		Model:       model,
		ProjectRoot: a.workspace.Root(),
		OneShot:     opts.sessionID == "",
	}, nil
}

// promptApproval asks on the terminal whether a guarded tool call may run.
func promptApproval(ctx context.Context, sessionID, toolName, reason string, args json.RawMessage) bool {
	fmt.Fprintf(os.Stderr, "\napproval required: %s wants to run (%s)\n  args: %s\nallow? [y/N] ", toolName, reason, truncate(string(args), 200))
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func printEvent(evt models.Event) {
	switch evt.Type {
	case models.EventPartDelta:
		fmt.Print(evt.Payload.(models.PartDeltaPayload).Delta)
	case models.EventToolCall:
		p := evt.Payload.(models.ToolCallPayload)
		fmt.Fprintf(os.Stderr, "\n→ %s %s\n", p.Name, truncate(string(p.Args), 120))
	case models.EventToolDelta:
		fmt.Fprint(os.Stderr, evt.Payload.(models.ToolDeltaPayload).Delta)
	case models.EventToolResult:
		p := evt.Payload.(models.ToolResultPayload)
		if p.Name != "progress_update" {
			fmt.Fprintf(os.Stderr, "← %s %s\n", p.Name, truncate(string(p.Result), 200))
		}
	case models.EventPlanUpdated:
		p := evt.Payload.(models.PlanUpdatedPayload)
		fmt.Fprintln(os.Stderr, "\nplan:")
		for _, item := range p.Items {
			fmt.Fprintf(os.Stderr, "  [%s] %s\n", item.Status, item.Step)
		}
	}
}

func printSummary(p models.MessageCompletedPayload, sessionID string) {
	fmt.Fprintf(os.Stderr, "session %s", sessionID)
	if p.Usage != nil {
		fmt.Fprintf(os.Stderr, " · %d in / %d out tokens", p.Usage.InputTokens, p.Usage.OutputTokens)
	}
	if p.CostUSD > 0 {
		fmt.Fprintf(os.Stderr, " · $%.4f", p.CostUSD)
	}
	fmt.Fprintln(os.Stderr)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
