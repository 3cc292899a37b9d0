package main

import (
	"context"
	"fmt"

	"order_orchestrator/internal/config"
	"order_orchestrator/internal/core"
	"order_orchestrator/internal/mock"
	"order_orchestrator/internal/venue/polymarket"
)

// venueBundle is everything a run needs from the trading venue
type venueBundle struct {
	venue     core.IVenue
	metadata  core.IMetadataProvider
	market    core.IMarketFeed
	user      core.IUserFeed
	positions core.IPositionCache
	close     func()
}

func openVenue(ctx context.Context, cfg *config.Config, logger core.ILogger) (*venueBundle, error) {
	if cfg.App.Paper {
		return openPaperVenue(ctx, cfg, logger)
	}
	return openLiveVenue(ctx, cfg, logger)
}

func openLiveVenue(ctx context.Context, cfg *config.Config, logger core.ILogger) (*venueBundle, error) {
	client, err := polymarket.NewClient(ctx, &cfg.Venue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create venue client: %w", err)
	}

	return &venueBundle{
		venue:     client,
		metadata:  client,
		market:    polymarket.NewMarketFeed(cfg.Venue.WebsocketURL, cfg.Venue.PingInterval(), logger),
		user:      polymarket.NewUserFeed(cfg.Venue.WebsocketURL, client.Credentials(), cfg.Venue.PingInterval(), logger),
		positions: polymarket.NewPositionCache(cfg.Venue.DataAPIURL, cfg.Venue.FunderAddress, cfg.Venue.PositionCacheTTL(), logger),
		close:     func() {},
	}, nil
}

// openPaperVenue simulates the account on an in-memory venue whose book
// follows the live public market channel. Orders that cross the mirrored
// book fill immediately.
func openPaperVenue(ctx context.Context, cfg *config.Config, logger core.ILogger) (*venueBundle, error) {
	token := cfg.Strategy.TokenID
	public := polymarket.NewPublicClient(&cfg.Venue, logger)

	v := mock.NewVenue([]string{token}, logger)
	v.SetAutoMatch(true)

	if tick, err := public.GetTickSize(ctx, token); err != nil {
		logger.Warn("Could not fetch tick size, using the simulator default", "token_id", token, "error", err)
	} else {
		v.SetTickSize(token, tick)
	}

	snap, err := public.GetOrderBook(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch order book for paper trading: %w", err)
	}
	v.PushBook(token, snap.Bids, snap.Asks)

	feed := polymarket.NewMarketFeed(cfg.Venue.WebsocketURL, cfg.Venue.PingInterval(), logger)
	if err := feed.Start(ctx, []string{token}, v.Observe); err != nil {
		return nil, fmt.Errorf("failed to mirror market channel: %w", err)
	}
	logger.Info("Paper trading enabled", "token_id", token)

	return &venueBundle{
		venue:    v,
		metadata: v,
		market:   v.MarketFeed(),
		user:     v.UserFeed(),
		close: func() {
			if err := feed.Stop(); err != nil {
				logger.Warn("Failed to stop mirrored market feed", "error", err)
			}
		},
	}, nil
}
