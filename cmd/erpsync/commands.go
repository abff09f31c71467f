package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/loykin/erpsync/internal/erp"
	"github.com/loykin/erpsync/pkg/client"
	"github.com/spf13/cobra"
)

// APIFlags holds daemon connection flags shared by client commands.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
}

func (f *APIFlags) register(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.APIUrl, "api-url", "http://localhost:8080/api", "daemon URL")
	cmd.PersistentFlags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
}

func (f *APIFlags) client() (*client.Client, context.Context, context.CancelFunc) {
	c := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
	ctx, cancel := context.WithTimeout(context.Background(), f.APITimeout)
	return c, ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// createSyncCommand creates the sync subcommand.
func createSyncCommand(apiFlags *APIFlags) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "sync <domain>",
		Short: "Request a sync for a domain",
		Long: `Request a sync for one domain (customers, products, prices, orders, ddt,
invoices). The request is queued by priority; re-requesting a queued domain
only ever raises its priority.

Examples:
  erpsync sync customers
  erpsync sync prices --priority=90`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := erp.ParseDomain(args[0])
			if err != nil {
				return err
			}
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			if err := c.RequestSync(ctx, d, priority); err != nil {
				return err
			}
			fmt.Printf("sync requested: %s\n", d)
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "request priority (0 = domain default)")
	apiFlags.register(cmd)
	return cmd
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show orchestrator, pool and recent sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			st, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
	apiFlags.register(cmd)
	return cmd
}

// createFastPathCommand creates the fastpath subcommand group.
func createFastPathCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fastpath",
		Short: "Control the interactive fast path",
		Long: `Enter or exit the fast path. While active, only the fast-path domain is
scheduled so interactive agents see fresh data. Entries are reference
counted; every enter needs a matching exit.`,
	}
	enter := &cobra.Command{
		Use:   "enter",
		Short: "Enter the fast path",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			if err := c.EnterFastPath(ctx); err != nil {
				return err
			}
			fmt.Println("fast path entered")
			return nil
		},
	}
	exit := &cobra.Command{
		Use:   "exit",
		Short: "Exit the fast path",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			if err := c.ExitFastPath(ctx); err != nil {
				return err
			}
			fmt.Println("fast path exited")
			return nil
		},
	}
	cmd.AddCommand(enter, exit)
	apiFlags.register(cmd)
	return cmd
}

// createCheckpointCommand creates the checkpoint subcommand group.
func createCheckpointCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset sync checkpoints",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List all domain checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			cps, err := c.Checkpoints(ctx)
			if err != nil {
				return err
			}
			return printJSON(cps)
		},
	}
	reset := &cobra.Command{
		Use:   "reset <domain>",
		Short: "Reset a domain checkpoint so the next sync starts from page one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := erp.ParseDomain(args[0])
			if err != nil {
				return err
			}
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			if err := c.ResetCheckpoint(ctx, d); err != nil {
				return err
			}
			fmt.Printf("checkpoint reset: %s\n", d)
			return nil
		},
	}
	cmd.AddCommand(list, reset)
	apiFlags.register(cmd)
	return cmd
}

// createOrderCommand creates the order subcommand group.
func createOrderCommand(apiFlags *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Manage order jobs",
		Long: `Enqueue, inspect, retry or cancel order jobs. Orders execute one at a
time on dedicated browser sessions; failed jobs stay failed until retried
explicitly.

Examples:
  erpsync order create --file=order.json
  erpsync order status <job-id>
  erpsync order retry <job-id>
  erpsync order cancel <job-id>`,
	}

	var orderFile string
	create := &cobra.Command{
		Use:   "create",
		Short: "Enqueue an order from a JSON file",
		Long: `Enqueue an order job. The JSON file format:
{
  "user_id": "agent-7",
  "customer_code": "C001",
  "lines": [
    {"product_code": "P100", "variant": "red", "quantity": 2}
  ]
}`,
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(orderFile)
			if err != nil {
				return err
			}
			var o erp.Order
			if err := json.Unmarshal(raw, &o); err != nil {
				return fmt.Errorf("invalid order file: %w", err)
			}
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			id, err := c.EnqueueOrder(ctx, o)
			if err != nil {
				return err
			}
			fmt.Printf("order job queued: %s\n", id)
			return nil
		},
	}
	create.Flags().StringVar(&orderFile, "file", "", "path to order JSON file (required)")
	if err := create.MarkFlagRequired("file"); err != nil {
		panic(err)
	}

	status := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show one order job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			j, err := c.OrderStatus(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(j)
		},
	}

	retry := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Clone a failed or canceled job into a new attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			id, err := c.RetryOrder(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("retry queued: %s\n", id)
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job before it is dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, ctx, cancel := apiFlags.client()
			defer cancel()
			if err := c.CancelOrder(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("order job canceled: %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(create, status, retry, cancelCmd)
	apiFlags.register(cmd)
	return cmd
}
