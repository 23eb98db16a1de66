package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/capitalbot/internal/domain"
	"github.com/alanyoungcy/capitalbot/internal/store/postgres"
)

var (
	positionsClosed bool
	positionsSince  time.Duration
	positionsLimit  int
	positionsFormat string
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "List positions recorded in the ledger store",
	Example: `  capitalbot positions
  capitalbot positions --closed --since 24h --format json`,
	RunE: runPositions,
}

func init() {
	rootCmd.AddCommand(positionsCmd)
	positionsCmd.Flags().BoolVar(&positionsClosed, "closed", false, "list closed positions instead of open ones")
	positionsCmd.Flags().DurationVar(&positionsSince, "since", 0, "only closed positions that exited within this duration")
	positionsCmd.Flags().IntVar(&positionsLimit, "limit", 50, "maximum closed positions to list")
	positionsCmd.Flags().StringVar(&positionsFormat, "format", "table", "output format: table or json")
}

func runPositions(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: 2,
	})
	if err != nil {
		return err
	}
	defer pg.Close()
	store := postgres.NewLedgerStore(pg.Pool())

	var positions []domain.Position
	if positionsClosed {
		opts := domain.ListOpts{Limit: positionsLimit}
		if positionsSince > 0 {
			since := time.Now().UTC().Add(-positionsSince)
			opts.Since = &since
		}
		positions, err = store.ListClosed(ctx, opts)
	} else {
		positions, err = store.LoadOpen(ctx)
	}
	if err != nil {
		return err
	}
	return printPositions(cmd.OutOrStdout(), positions, positionsFormat)
}

func printPositions(w io.Writer, positions []domain.Position, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(positions)
	case "table":
	default:
		return fmt.Errorf("unknown format %q", format)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tSTATUS\tENTRY\tQTY\tEXIT\tPNL\tREASON")
	for _, p := range positions {
		pnl := p.UnrealizedPnL
		if p.RealizedPnL != nil {
			pnl = p.RealizedPnL
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.4f\t%.6f\t%s\t%s\t%s\n",
			p.ID, p.Symbol, p.Side, p.Status, p.EntryPrice, p.Quantity,
			optional(p.ExitPrice, "%.4f"), optional(pnl, "%+.2f"), p.CloseReason)
	}
	fmt.Fprintf(tw, "\n%d position(s)\n", len(positions))
	return tw.Flush()
}

func optional(v *float64, format string) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf(format, *v)
}
