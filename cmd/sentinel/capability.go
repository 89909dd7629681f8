package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/capability"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/config"
	"github.com/vijaygopalbalasa/AgentKernel-sub005/internal/server"
)

// capabilityCmd manages tokens directly in the configured storage. The
// memory driver is refused: grants would vanish when the command exits.
func (c *cli) capabilityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capability",
		Short: "Grant, list and revoke capability tokens",
	}
	cmd.AddCommand(c.capGrantCmd(), c.capListCmd(), c.capRevokeCmd(), c.capRevokeAllCmd())
	return cmd
}

// withStore opens the configured storage, runs fn against a capability
// store over it and closes the storage.
func (c *cli) withStore(ctx context.Context, fn func(*capability.Store) error) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if cfg.Storage.Driver == "memory" {
		return fmt.Errorf("storage.driver is memory; capability commands need sqlite or postgres")
	}
	logger := c.cliLogger()
	st, err := server.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(capability.NewStore(st.Capabilities, logger))
}

func (c *cli) capGrantCmd() *cobra.Command {
	var (
		ttl         time.Duration
		grantedBy   string
		constraints string
	)
	cmd := &cobra.Command{
		Use:   "grant <agent-id> <capability>",
		Short: "Grant a capability and print the token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := capability.ValidateCapabilityName(args[1]); err != nil {
				return err
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive")
			}
			opts := capability.GrantOptions{GrantedBy: grantedBy, TTL: ttl}
			if constraints != "" {
				if err := json.Unmarshal([]byte(constraints), &opts.Constraints); err != nil {
					return fmt.Errorf("--constraints must be a JSON object: %w", err)
				}
			}
			return c.withStore(cmd.Context(), func(s *capability.Store) error {
				tok, err := s.Grant(cmd.Context(), args[0], args[1], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, tok)
			})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	cmd.Flags().StringVar(&grantedBy, "granted-by", capability.GrantedBySystem, "recorded grantor")
	cmd.Flags().StringVar(&constraints, "constraints", "", "constraints as a JSON object")
	return cmd
}

func (c *cli) capListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List an agent's active tokens (values redacted)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s *capability.Store) error {
				tokens, err := s.List(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				for i := range tokens {
					tokens[i].Token = tokens[i].Redacted()
				}
				if tokens == nil {
					tokens = []capability.Token{}
				}
				return printJSON(cmd, tokens)
			})
		},
	}
}

func (c *cli) capRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke one token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s *capability.Store) error {
				revoked, err := s.Revoke(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !revoked {
					return fmt.Errorf("token not found or already revoked")
				}
				fmt.Fprintln(cmd.OutOrStdout(), "revoked")
				return nil
			})
		},
	}
}

func (c *cli) capRevokeAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke-all <agent-id>",
		Short: "Revoke every active token of an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStore(cmd.Context(), func(s *capability.Store) error {
				n, err := s.RevokeAll(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "revoked %d tokens\n", n)
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
