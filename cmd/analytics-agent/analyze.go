package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ryugou/analytics-chat-agent/internal/ai"
	"github.com/spf13/cobra"
)

func newAnalyzeCmd() *cobra.Command {
	var query, model string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Ask analytics questions in natural language",
		Long: `Resolves the fields a question mentions, generates a SELECT over the
events table, runs it and summarises the result.

Without -q an interactive prompt is started; an empty line exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			agent, err := a.Agent(ctx, model)
			if err != nil {
				return err
			}

			if query != "" {
				return askOnce(ctx, agent, query, cmd.OutOrStdout())
			}
			return repl(ctx, agent, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "run a single question and exit")
	cmd.Flags().StringVar(&model, "model", "", "override LLM_MODEL")
	return cmd
}

func newSQLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sql <query>",
		Short: "Run a read-only SELECT over the events table and print it as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup()
			if err != nil {
				return err
			}
			defer a.Close()

			agent, err := a.Agent(cmd.Context(), "")
			if err != nil {
				return err
			}
			out, err := agent.Pretty(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func askOnce(ctx context.Context, agent *ai.Agent, q string, w io.Writer) error {
	res, err := agent.Ask(ctx, q)
	if err != nil {
		return err
	}
	printResult(w, res)
	return nil
}

func printResult(w io.Writer, res *ai.AskResult) {
	if names := res.Fields.Names(); len(names) > 0 {
		fmt.Fprintf(w, "Fields: %s\n\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "SQL:\n%s\n\n", res.SQL)
	fmt.Fprintf(w, "Answer:\n%s\n\n", res.Answer)
}

func repl(ctx context.Context, agent *ai.Agent, in io.Reader, w io.Writer) error {
	fmt.Fprintln(w, "GA4 analytics agent (NL → SQL)")
	fmt.Fprintln(w, "Type your question and press Enter. Empty line to exit.")
	fmt.Fprintln(w)

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(w, "> ")
		q, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read input: %w", err)
		}
		q = strings.TrimSpace(q)
		if q == "" {
			fmt.Fprintln(w, "bye")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Short cooldown to avoid hammering the LLM if user spams enter.
		time.Sleep(200 * time.Millisecond)

		res, askErr := agent.Ask(ctx, q)
		if askErr != nil {
			fmt.Fprintln(w, "error:", askErr)
		} else {
			fmt.Fprintln(w)
			printResult(w, res)
		}
		if err == io.EOF {
			return nil
		}
	}
}
