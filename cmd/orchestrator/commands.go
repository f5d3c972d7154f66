package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/runtime"
	"github.com/tjfontaine/polyglot-orchestrator/internal/storage"
)

func chatCmd() *cobra.Command {
	var (
		model      string
		system     string
		stream     bool
		useContext bool
		scope      []string
		toolNames  []string
		maxTokens  int
		userID     string
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send one chat request",
		Long: `Send one chat request and print the reply.

--context injects passages retrieved from ingested documents.
--tool exposes a local tool (calc, clock) to the model.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &domain.ChatRequest{
				Model:         model,
				Stream:        stream,
				UseContext:    useContext,
				DocumentScope: scope,
				UserID:        userID,
			}
			if system != "" {
				req.Messages = append(req.Messages, domain.Message{Role: domain.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, domain.Message{Role: domain.RoleUser, Content: args[0]})
			for _, name := range toolNames {
				req.Tools = append(req.Tools, domain.ToolDefinition{Name: name})
			}
			req.Params.MaxTokens = maxTokens

			return withApp(cmd.Context(), func(ctx context.Context, app *runtime.App) error {
				reply, err := app.Orchestrator().Send(ctx, req)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !reply.IsStream() {
					fmt.Fprintln(out, reply.Response.Text())
					printFooter(cmd, reply.Response.Usage, reply.Response.Sources, reply.Response.Warnings)
					return nil
				}

				defer reply.Stream.Close()
				for {
					c, ok := reply.Stream.Next(ctx)
					if !ok {
						return nil
					}
					switch c.Type {
					case domain.ChunkTypeDelta:
						fmt.Fprint(out, c.Delta)
					case domain.ChunkTypeTerminal:
						fmt.Fprintln(out)
						printFooter(cmd, *c.Usage, c.Sources, c.Warnings)
					case domain.ChunkTypeError:
						fmt.Fprintln(out)
						return c.Err
					}
				}
			})
		},
	}

	cmd.Flags().StringVarP(&model, "model", "M", "", "Model id or alias")
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "Stream the reply")
	cmd.Flags().BoolVar(&useContext, "context", false, "Augment with retrieved context")
	cmd.Flags().StringSliceVar(&scope, "scope", nil, "Restrict retrieval to these source ids")
	cmd.Flags().StringArrayVarP(&toolNames, "tool", "t", nil, "Expose a local tool (repeatable)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum completion tokens")
	cmd.Flags().StringVar(&userID, "user", "", "User id recorded with usage")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

func printFooter(cmd *cobra.Command, usage domain.Usage, sources []string, warnings []*domain.Error) {
	w := cmd.ErrOrStderr()
	estimated := ""
	if usage.Estimated {
		estimated = " (estimated)"
	}
	fmt.Fprintf(w, "tokens: %d prompt, %d completion%s\n", usage.PromptTokens, usage.CompletionTokens, estimated)
	if len(sources) > 0 {
		fmt.Fprintf(w, "sources: %s\n", strings.Join(sources, ", "))
	}
	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %s\n", warn.Message)
	}
}

func modelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List configured models and their capabilities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *runtime.App) error {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "MODEL\tPROVIDER\tWINDOW\tTOOLS\tSTREAM\t$/1K IN\t$/1K OUT\tALIASES")
				for _, m := range app.Orchestrator().AvailableModels() {
					c := m.Capabilities
					fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%t\t%.4f\t%.4f\t%s\n",
						m.ID, c.Provider, c.ContextWindow, c.SupportsTools, c.SupportsStreaming,
						c.Pricing.InputPer1K, c.Pricing.OutputPer1K, strings.Join(m.Aliases, ","))
				}
				return tw.Flush()
			})
		},
	}
}

func usageCmd() *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show recorded usage and cost",
		Long: `Show totals from the usage ledger as JSON.

With --date (YYYY-MM-DD, UTC) only that day is summarized.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var day time.Time
			if date != "" {
				var err error
				day, err = time.Parse(time.DateOnly, date)
				if err != nil {
					return fmt.Errorf("invalid --date: %w", err)
				}
			}

			return withApp(cmd.Context(), func(ctx context.Context, app *runtime.App) error {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if date != "" {
					return enc.Encode(app.Orchestrator().DailySummary(day))
				}
				return enc.Encode(app.Orchestrator().UsageOverview())
			})
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "UTC day to summarize (YYYY-MM-DD)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var sourceID string

	cmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Index documents for context augmentation",
		Long: `Index text files so that requests sent with --context can cite them.

Each file becomes one source named after its base name unless --source-id
is given (only valid with a single file). Re-ingesting a source replaces it.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID != "" && len(args) > 1 {
				return errors.New("--source-id requires exactly one file")
			}

			return withApp(cmd.Context(), func(ctx context.Context, app *runtime.App) error {
				for _, path := range args {
					data, err := os.ReadFile(path)
					if err != nil {
						return err
					}
					id := sourceID
					if id == "" {
						id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
					}
					n, err := app.Ingest(ctx, storage.Document{SourceID: id, Title: filepath.Base(path), Text: string(data)})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d passages\n", id, n)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&sourceID, "source-id", "", "Source id for a single file")
	return cmd
}

func toolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List local tools",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, app *runtime.App) error {
				for _, def := range app.Tools().Definitions() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s %s\n", def.Name, def.Description)
				}
				return nil
			})
		},
	}
}
