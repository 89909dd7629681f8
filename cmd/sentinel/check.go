package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/gateway"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/interceptor"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/policy"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/protocol"
)

// checkCmd evaluates one message against a policy file without starting the
// proxy. Capabilities, rate limits and approvals are not consulted; an
// approve decision is reported as approval_required.
func (c *cli) checkCmd() *cobra.Command {
	var (
		policyFile string
		message    string
		agentID    string
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate a tool-call message against a policy offline",
		Long: `Evaluate a tool-call message against a policy file and print the encoded response.
The message is read from --message, or from stdin when --message is empty.
Exits 0 when the call is allowed and 3 when it is blocked or needs approval.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := []byte(message)
			if message == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading message: %w", err)
				}
				raw = []byte(strings.TrimSpace(string(data)))
			}
			if len(raw) == 0 {
				return errors.New("no message given (use --message or stdin)")
			}

			set, err := policy.LoadFile(policyFile)
			if err != nil {
				return err
			}
			logger := c.cliLogger()
			explain := func(tr interceptor.ToolResult) {
				rule := tr.RuleID
				if rule == "" {
					rule = "(default)"
				}
				if !policy.IsKnownTool(tr.Call.Tool) {
					fmt.Fprintf(cmd.ErrOrStderr(), "note: tool %q is not in the category table; classified as %s\n", tr.Call.Tool, tr.Category)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "category: %s\nentity: %s\nrule: %s\nreason: %s\n", tr.Category, tr.Entity, rule, tr.Reason)
			}
			ic := interceptor.New(policy.NewEngine(set, logger), logger,
				interceptor.OnAllowed(explain), interceptor.OnBlocked(explain))
			gw := gateway.New(ic, logger)

			resp, err := gw.Handle(context.Background(), gateway.Request{AgentID: agentID, Raw: raw, Transport: "cli"})
			if errors.Is(err, gateway.ErrUnrecognizedMessage) {
				fmt.Fprintln(cmd.OutOrStdout(), string(protocol.FormatUnrecognized(raw, err.Error())))
				return err
			}
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body))
			fmt.Fprintf(cmd.ErrOrStderr(), "decision: %s\n", resp.Result.Decision)
			if !resp.Result.Allowed() {
				return errNotAllowed
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&policyFile, "policy", "policy.yaml", "policy file to evaluate against")
	cmd.Flags().StringVar(&message, "message", "", "raw message (default: read stdin)")
	cmd.Flags().StringVar(&agentID, "agent", "cli", "agent id to evaluate as")
	return cmd
}
