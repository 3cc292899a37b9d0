package main

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"order_orchestrator/internal/core"
	"order_orchestrator/internal/trading/order"
	"order_orchestrator/internal/trading/ratelimit"
	"order_orchestrator/internal/venue/polymarket"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func newPlaceCmd(g *globalFlags) *cobra.Command {
	var (
		tokenID  string
		side     string
		price    string
		quantity string
		account  string
	)
	cmd := &cobra.Command{
		Use:   "place",
		Short: "Place one limit order through the executor, without a strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", price, err)
			}
			q, err := decimal.NewFromString(quantity)
			if err != nil {
				return fmt.Errorf("invalid quantity %q: %w", quantity, err)
			}

			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			cfg.Strategy.TokenID = tokenID
			if account != "" {
				if err := cfg.ApplyAccount(account); err != nil {
					return err
				}
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			bundle, err := openVenue(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer bundle.close()

			limiter, err := ratelimit.NewRateLimiter(cfg.Strategy.RateLimit)
			if err != nil {
				return err
			}
			execCfg := order.DefaultConfig()
			execCfg.CallTimeout = cfg.Venue.RequestTimeout()
			exec := order.NewExecutor(bundle.venue, limiter, nil, execCfg, logger)

			res, err := exec.PlaceOrder(ctx, tokenID, p, q, core.Side(strings.ToUpper(side)))
			if err != nil {
				return err
			}
			if !res.Accepted() {
				return fmt.Errorf("order not placed (%s): %s", res.Outcome, res.Reason)
			}
			fmt.Printf("Order placed: %s\n", res.OrderID)
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&tokenID, "token-id", "", "Outcome token to trade")
	fl.StringVar(&side, "side", "BUY", "BUY or SELL")
	fl.StringVar(&price, "price", "", "Limit price")
	fl.StringVar(&quantity, "quantity", "", "Size in shares")
	fl.StringVar(&account, "account", "", "Load NAME_PRIVATE_KEY and NAME_PROXY_ADDRESS from the environment")
	_ = cmd.MarkFlagRequired("token-id")
	_ = cmd.MarkFlagRequired("price")
	_ = cmd.MarkFlagRequired("quantity")
	return cmd
}

func newBookCmd(g *globalFlags) *cobra.Command {
	var (
		tokenID string
		depth   int
	)
	cmd := &cobra.Command{
		Use:   "book",
		Short: "Print the top of the order book from the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Venue.RequestTimeout())
			defer cancel()

			client := polymarket.NewPublicClient(&cfg.Venue, logger)
			snap, err := client.GetOrderBook(ctx, tokenID)
			if err != nil {
				return err
			}
			printBook(snap, depth)
			return nil
		},
	}
	cmd.Flags().StringVar(&tokenID, "token-id", "", "Outcome token")
	cmd.Flags().IntVar(&depth, "depth", 5, "Levels per side")
	_ = cmd.MarkFlagRequired("token-id")
	return cmd
}

func printBook(snap *core.BookSnapshot, depth int) {
	bids := sortedLevels(snap.Bids, true)
	asks := sortedLevels(snap.Asks, false)

	fmt.Printf("Token %s (tick %s)\n", snap.TokenID, snap.TickSize)
	fmt.Printf("%-12s %-12s | %-12s %-12s\n", "BID SIZE", "BID", "ASK", "ASK SIZE")
	for i := 0; i < depth && (i < len(bids) || i < len(asks)); i++ {
		var bidSize, bidPx, askPx, askSize string
		if i < len(bids) {
			bidSize, bidPx = bids[i].Size.String(), bids[i].Price.String()
		}
		if i < len(asks) {
			askPx, askSize = asks[i].Price.String(), asks[i].Size.String()
		}
		fmt.Printf("%-12s %-12s | %-12s %-12s\n", bidSize, bidPx, askPx, askSize)
	}
}

func sortedLevels(levels []core.PriceLevel, desc bool) []core.PriceLevel {
	out := make([]core.PriceLevel, 0, len(levels))
	for _, l := range levels {
		if l.Size.IsPositive() {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}
