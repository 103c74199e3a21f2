package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/backoffice/internal/app"
	"github.com/odyssey-erp/backoffice/internal/inventory"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
)

const seedCompanyID = 1

func main() {
	migrations := flag.String("migrations", "migrations", "directory with *.sql files applied before seeding; empty to skip")
	flag.Parse()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)
	ctx := context.Background()

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if *migrations != "" {
		logger.Info("applying migrations", slog.String("dir", *migrations))
		if err := applyMigrations(ctx, pool, *migrations); err != nil {
			logger.Error("apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	logger.Info("seeding products")
	products, err := seedProducts(ctx, pool)
	if err != nil {
		logger.Error("seed products", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("seeding stock")
	audit := shared.NewAuditTrail(shared.NewAuditLogger(pool), logger)
	service := inventory.NewService(inventory.NewRepository(db.NewTxManager(pool)), audit, nil, nil, logger, inventory.ServiceConfig{})
	if err := seedStock(ctx, service, products); err != nil {
		logger.Error("seed stock", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("seed complete", slog.Time("at", time.Now()))
}

// =============================================================================
// SCHEMA
// =============================================================================

func applyMigrations(ctx context.Context, pool *pgxpool.Pool, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, file := range files {
		body, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, string(body)); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(file), err)
		}
	}
	return nil
}

// =============================================================================
// MASTER DATA
// =============================================================================

func seedProducts(ctx context.Context, pool *pgxpool.Pool) (map[string]int64, error) {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	products := []struct {
		code      string
		name      string
		unit      string
		precursor bool
	}{
		{"PRD-001", "Paracetamol 500mg", "box", false},
		{"PRD-002", "Amoxicillin 250mg", "box", false},
		{"PRD-003", "Pseudoephedrine 60mg", "strip", true},
	}
	ids := make(map[string]int64, len(products))
	for _, p := range products {
		_, err := tx.Exec(ctx, `
			INSERT INTO products (company_id, code, name, unit, is_precursor)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (company_id, code) DO NOTHING`, seedCompanyID, p.code, p.name, p.unit, p.precursor)
		if err != nil {
			return nil, err
		}
		var id int64
		if err := tx.QueryRow(ctx, `SELECT id FROM products WHERE company_id = $1 AND code = $2`, seedCompanyID, p.code).Scan(&id); err != nil {
			return nil, err
		}
		ids[p.code] = id
	}
	return ids, tx.Commit(ctx)
}

// =============================================================================
// STOCK
// =============================================================================

func seedStock(ctx context.Context, service *inventory.Service, products map[string]int64) error {
	actor := shared.Actor{ID: 1, CompanyID: seedCompanyID, Name: "seed"}
	now := time.Now().UTC()
	expiry := func(months int) *time.Time {
		t := now.AddDate(0, months, 0)
		return &t
	}

	receipts := []struct {
		product string
		batch   string
		qty     int64
		cost    string
		expiry  *time.Time
	}{
		{"PRD-001", "PCM-2401", 500, "12500", expiry(18)},
		{"PRD-001", "PCM-2402", 300, "12750", expiry(1)},
		{"PRD-002", "AMX-2401", 200, "31000", expiry(12)},
		{"PRD-003", "PSE-2401", 80, "45000", expiry(9)},
	}
	for _, r := range receipts {
		productID := products[r.product]
		_, err := service.Receive(ctx, actor, inventory.ReceiveInput{
			ProductID: productID,
			NewBatch: &inventory.BatchSpec{
				ProductID:     productID,
				BatchNumber:   r.batch,
				PurchasePrice: decimal.RequireFromString(r.cost),
				ExpiryDate:    r.expiry,
			},
			Quantity:           decimal.NewFromInt(r.qty),
			UnitCost:           decimal.RequireFromString(r.cost),
			ReceivedDate:       now,
			DeliveryNoteNumber: "SEED-" + r.batch,
		})
		if err != nil {
			if errors.Is(err, shared.ErrConflict) {
				slog.Default().Warn("batch already seeded", slog.String("batch", r.batch))
				continue
			}
			return fmt.Errorf("receive %s: %w", r.batch, err)
		}
	}
	return nil
}
