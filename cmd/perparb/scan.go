package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/perparb/perparb/internal/aggregator"
	"github.com/perparb/perparb/internal/bus"
	"github.com/perparb/perparb/internal/cache"
	"github.com/perparb/perparb/internal/config"
	"github.com/perparb/perparb/internal/exchange"
	"github.com/perparb/perparb/internal/persistence/postgres"
	"github.com/perparb/perparb/internal/refdata"
	"github.com/perparb/perparb/internal/secrets"
	"github.com/perparb/perparb/internal/telemetry"
)

// runScan does one aggregation pass and prints the spread table. Events stay
// in-process; only the rate history writes touch shared infrastructure.
func runScan(ctx context.Context, configPath string, minSpread float64, limit int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return exitError{exitConfig, err}
	}

	db, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return exitError{exitDB, err}
	}
	defer db.Close()
	store := postgres.NewStore(db)

	var cipher *secrets.Cipher
	if cfg.EncryptionKey != "" {
		if cipher, err = secrets.NewCipher(cfg.EncryptionKey); err != nil {
			return exitError{exitConfig, err}
		}
	}
	venues := exchange.NewRegistry(cipher, nil)
	if err := seedExchanges(ctx, store, cfg.Exchanges); err != nil {
		return exitError{exitDB, err}
	}
	sources, err := primarySources(ctx, store, venues)
	if err != nil {
		return exitError{exitDB, err}
	}
	var secondary aggregator.SecondarySource
	if cfg.Aggregator.ReferenceFeedURL != "" {
		secondary = refdata.New(refdata.Config{BaseURL: cfg.Aggregator.ReferenceFeedURL})
	}

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	agg := aggregator.New(aggregator.Config{}, sources, secondary,
		store.Funding, bus.NewMemoryBus(), cache.NewMemoryCache(), metrics)

	agg.IngestPrimary(ctx)
	if secondary != nil {
		agg.IngestSecondary(ctx)
	}
	agg.Reconcile(ctx)

	spreads := agg.CalculateSpreads(ctx, decimal.NewFromFloat(minSpread), limit)
	if len(spreads) == 0 {
		fmt.Println("no spreads above threshold")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SYMBOL\tLONG\tSHORT\tSPREAD%\tAPR%")
	for _, sp := range spreads {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			sp.Symbol, sp.LongExchange, sp.ShortExchange,
			sp.SpreadPct.StringFixed(4), sp.AnnualizedAPR.StringFixed(1))
	}
	return w.Flush()
}
