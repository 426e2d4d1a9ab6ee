package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"payment-reconciler/config"
	"payment-reconciler/internal/app"
	"payment-reconciler/internal/models"
	"payment-reconciler/internal/service"
	"payment-reconciler/internal/worker"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	cfg     *config.Config
	redis   bool
	kafka   bool
	timeout time.Duration
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	opts := &rootOptions{cfg: cfg}

	rootCmd := &cobra.Command{
		Use:               "reconcilectl",
		Short:             "Operator CLI for the payment reconciler",
		Long:              `Run capture, refund and reconciliation operations against the payment ledger and provider.`,
		DisableAutoGenTag: true,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().BoolVar(&opts.redis, "redis", false, "Take per-order locks and honour idempotency keys through Redis")
	rootCmd.PersistentFlags().BoolVar(&opts.kafka, "kafka", false, "Publish domain events to Kafka")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "Overall command timeout")

	rootCmd.AddCommand(
		newCreateCmd(opts),
		newRefundCmd(opts),
		newQueryCmd(opts),
		newShowCmd(opts),
		newSweepCmd(opts),
	)
	return rootCmd
}

// run builds the application, runs fn and prints its result as JSON
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), o.timeout)
	defer cancel()

	a, err := app.New(ctx, o.cfg, app.Options{Redis: o.redis, Kafka: o.kafka})
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func newCreateCmd(opts *rootOptions) *cobra.Command {
	var (
		orderID  string
		amount   string
		token    string
		items    []string
		channel  string
		currency string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register an order and capture it at the provider",
		Example: `  reconcilectl create --order-id A1 --amount 1000 --token tk_123 \
    --item "Coffee=400" --item "Cake=600"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", amount, err)
			}
			orderItems, err := parseItems(orderID, items)
			if err != nil {
				return err
			}

			return opts.run(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Payments.CreatePayment(ctx, service.CreateOrderRequest{
					Order:        models.Order{OrderID: orderID, Amount: total},
					Items:        orderItems,
					OneTimeToken: token,
					Channel:      channel,
					Currency:     currency,
				})
			})
		},
	}

	cmd.Flags().StringVar(&orderID, "order-id", "", "Order identifier")
	cmd.Flags().StringVar(&amount, "amount", "", "Order amount")
	cmd.Flags().StringVar(&token, "token", "", "One-time payment token")
	cmd.Flags().StringArrayVar(&items, "item", nil, "Line item as NAME=AMOUNT, repeatable")
	cmd.Flags().StringVar(&channel, "channel", "", "Provider channel (default channel when empty)")
	cmd.Flags().StringVar(&currency, "currency", "", "Currency override")
	_ = cmd.MarkFlagRequired("order-id")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func newRefundCmd(opts *rootOptions) *cobra.Command {
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "refund ORDER_ID AMOUNT",
		Short: "Refund part or all of a captured order",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			return opts.run(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Payments.RefundPayment(ctx, service.RefundOrderRequest{
					OrderID: args[0],
					Amount:  amount,
				}, idempotencyKey)
			})
		},
	}

	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Replay the stored result for a repeated key (requires --redis)")
	return cmd
}

func newQueryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query ORDER_ID",
		Short: "Reconcile an order against the provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Payments.QueryPayment(ctx, args[0])
			})
		},
	}
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ORDER_ID",
		Short: "Print the ledger rows of an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				return a.Payments.GetPayment(ctx, args[0])
			})
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var (
		staleAfter time.Duration
		batchSize  int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Reconcile orders left pending or refunding",
		Long: `Find orders whose last provider call never got a trustworthy answer and
reconcile them. With --kafka the requests are published for the reconcile
worker; otherwise each order is queried directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, a *app.App) (interface{}, error) {
				var requests worker.SweepRequester = worker.DirectRequester{Reconciler: a.Payments}
				if a.Events != nil {
					requests = a.Events
				}

				sweeper := worker.NewSweeper(a.Store, requests, time.Minute, staleAfter, batchSize)
				n, err := sweeper.SweepOnce(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int{"requested": n}, nil
			})
		},
	}

	cmd.Flags().DurationVar(&staleAfter, "stale-after", 5*time.Minute, "Only sweep orders not updated for this long")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "Maximum orders per sweep")
	return cmd
}

// parseItems turns NAME=AMOUNT flags into order items
func parseItems(orderID string, raw []string) ([]models.OrderItem, error) {
	items := make([]models.OrderItem, 0, len(raw))
	for _, r := range raw {
		name, amount, ok := strings.Cut(r, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid item %q, want NAME=AMOUNT", r)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("invalid item amount %q: %w", r, err)
		}
		items = append(items, models.OrderItem{
			OrderID:     orderID,
			ProductName: strings.TrimSpace(name),
			Amount:      value,
		})
	}
	return items, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
