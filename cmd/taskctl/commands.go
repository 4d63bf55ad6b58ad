package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"genpipeline/internal/bootstrap"
	"genpipeline/internal/infra/credentials"
	"genpipeline/internal/sqlinline"
)

var errNoDatabase = errors.New("this command needs DATABASE_URL to point at PostgreSQL")

type cli struct {
	out   io.Writer
	open  func(ctx context.Context) (*bootstrap.Components, error)
	comps *bootstrap.Components
}

// components opens the backends once per process.
func (c *cli) components(ctx context.Context) (*bootstrap.Components, error) {
	if c.comps != nil {
		return c.comps, nil
	}
	comps, err := c.open(ctx)
	if err != nil {
		return nil, err
	}
	c.comps = comps
	return comps, nil
}

func (c *cli) close() error {
	if c.comps == nil {
		return nil
	}
	err := c.comps.Close()
	c.comps = nil
	return err
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:           "taskctl",
		Short:         "Operate the generation pipeline",
		SilenceUsage:  true,
	}
	root.SetOut(c.out)
	root.SetErr(c.out)

	root.AddCommand(
		migrateCmd(c),
		creditsCmd(c),
		tasksCmd(c),
		uploadsCmd(c),
		tokensCmd(c),
	)
	return root
}

func migrateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			if comps.SQL == nil {
				return errNoDatabase
			}
			if _, err := comps.SQL.Exec(cmd.Context(), sqlinline.QSchema); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
			fmt.Fprintln(c.out, "schema applied")
			return nil
		},
	}
}

func creditsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Inspect and grant workspace credits",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "grant <workspace-id> <amount>",
		Short: "Add credits to a workspace balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || amount <= 0 {
				return fmt.Errorf("amount must be a positive integer, got %q", args[1])
			}
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := comps.Ledger.Grant(cmd.Context(), args[0], amount)
			if err != nil {
				return err
			}
			return c.printJSON(acct)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show <workspace-id>",
		Short: "Print a workspace balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := comps.Ledger.Balance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(acct)
		},
	})
	return cmd
}

func tasksCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Operator actions on generation tasks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <task-id>",
		Short: "Resubmit a failed or cancelled task as a new task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			res, err := comps.Gateway.Resubmit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(res)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <task-id>",
		Short: "Print a task with its unredacted failure and reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := comps.Gateway.Inspect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.printJSON(detail)
		},
	})
	return cmd
}

func uploadsCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uploads",
		Short: "Maintain upload records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reap",
		Short: "Fail uploads whose prepare window has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			n, err := comps.Uploads.Reap(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "expired %d uploads\n", n)
			return nil
		},
	})
	return cmd
}

func tokensCmd(c *cli) *cobra.Command {
	var model string
	setGemini := &cobra.Command{
		Use:   "set-gemini <api-key>",
		Short: "Store the Gemini API key in integration_tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			if comps.SQL == nil {
				return errNoDatabase
			}
			store := credentials.NewStore(comps.SQL)
			if err := store.SetGeminiAPIKey(cmd.Context(), args[0], model); err != nil {
				return err
			}
			fmt.Fprintln(c.out, "gemini api key stored")
			return nil
		},
	}
	setGemini.Flags().StringVar(&model, "model", "", "model name stored alongside the key")

	del := &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored provider key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			comps, err := c.components(cmd.Context())
			if err != nil {
				return err
			}
			if comps.SQL == nil {
				return errNoDatabase
			}
			if err := credentials.NewStore(comps.SQL).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "%s api key removed\n", args[0])
			return nil
		},
	}

	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Manage provider credentials",
	}
	cmd.AddCommand(setGemini, del)
	return cmd
}
