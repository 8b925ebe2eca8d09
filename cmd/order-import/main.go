// Command order-import backfills pending-payment orders from a gzipped JSONL
// dump into the engine's database. Used when migrating a storefront onto the
// settlement engine: imported orders are picked up by the next scan.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/vendora/settlement/internal/domain/order"
	"github.com/vendora/settlement/internal/storage/postgres"
)

// orderLine is one JSONL record in the dump.
type orderLine struct {
	ID          string          `json:"id"`
	Items       []order.Item    `json:"items"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Customer    order.Customer  `json:"customer"`
	CreatedAt   time.Time       `json:"created_at"`
}

func main() {
	var (
		dumpFile    string
		databaseURL string
	)

	flag.StringVar(&dumpFile, "dump-file", "orders.jsonl.gz", "gzipped JSONL order dump")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, dumpFile, databaseURL); err != nil {
		slog.Error("order import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("order import completed successfully")
}

func run(ctx context.Context, dumpFile, databaseURL string) error {
	f, err := os.Open(dumpFile)
	if err != nil {
		return errors.Wrap(err, "open dump")
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrap(err, "open gzip stream")
	}
	defer func() { _ = gz.Close() }()

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}
	store := postgres.NewOrderStore(pool)

	lines := make(chan orderLine, 256)
	var (
		imported atomic.Int64
		skipped  int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lines)

		scanner := bufio.NewScanner(gz)
		scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
		lineNo := 0
		for scanner.Scan() {
			lineNo++

			var line orderLine
			if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
				slog.Warn("skipping malformed line", slog.Int("line", lineNo), slog.String("error", err.Error()))
				skipped++
				continue
			}
			if err := validate(&line); err != nil {
				slog.Warn("skipping invalid order",
					slog.Int("line", lineNo),
					slog.String("order_id", line.ID),
					slog.String("error", err.Error()),
				)
				skipped++
				continue
			}

			select {
			case lines <- line:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return errors.Wrap(scanner.Err(), "read dump")
	})

	for range runtime.NumCPU() {
		g.Go(func() error {
			for line := range lines {
				o := &order.Order{
					ID:          line.ID,
					Status:      order.StatusPendingPayment,
					Items:       line.Items,
					TotalAmount: line.TotalAmount,
					Customer:    line.Customer,
					CreatedAt:   line.CreatedAt,
				}
				if err := store.Create(gctx, o); err != nil {
					return errors.Wrapf(err, "import order %s", line.ID)
				}
				imported.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("import finished", slog.Int64("imported", imported.Load()), slog.Int("skipped", skipped))
	return nil
}

// validate enforces the order invariants before import: non-empty items,
// positive quantities, vendors on every item, and a total that matches the
// item subtotals.
func validate(line *orderLine) error {
	if line.ID == "" {
		return errors.New("missing id")
	}
	if len(line.Items) == 0 {
		return errors.New("no items")
	}

	sum := decimal.Zero
	for _, it := range line.Items {
		if it.Quantity <= 0 {
			return errors.Errorf("non-positive quantity for product %s", it.ProductID)
		}
		if it.VendorID == "" {
			return errors.Errorf("missing vendor for product %s", it.ProductID)
		}
		if it.Price.IsNegative() {
			return errors.Errorf("negative price for product %s", it.ProductID)
		}
		sum = sum.Add(it.Subtotal())
	}
	if !sum.Equal(line.TotalAmount) {
		return errors.Errorf("total %s does not match item sum %s", line.TotalAmount, sum)
	}
	if line.CreatedAt.IsZero() {
		return errors.New("missing created_at")
	}
	return nil
}
