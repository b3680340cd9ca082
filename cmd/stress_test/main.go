package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/sweetshop-inventory/internal/adapter/storage"
	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

func main() {
	driver := flag.String("store", "sqlite", "store backend: sqlite or memory")
	initialStock := flag.Int64("stock", 20, "initial stock of the test sweet")
	totalRequests := flag.Int("requests", 50, "concurrent purchase requests")
	flag.Parse()

	ctx := context.Background()

	store, cleanup, err := openStore(ctx, *driver)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer cleanup()

	sweet := &domain.Sweet{
		Name:     "stress-sweet-" + uuid.NewString(),
		Category: "test",
		Price:    decimal.NewFromInt(1),
		Quantity: *initialStock,
	}
	if err := store.Create(ctx, sweet); err != nil {
		log.Fatalf("failed to create sweet: %v", err)
	}

	ledger := service.NewInventoryLedger(store, zap.NewNop())
	coordinator := service.NewAdjustmentCoordinator(ledger, store, zap.NewNop())

	// Counters
	var successCount atomic.Int32
	var rejectCount atomic.Int32
	var errorCount atomic.Int32

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			_, err := coordinator.Purchase(ctx, sweet.ID, 1)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				rejectCount.Add(1)
			default:
				errorCount.Add(1)
				log.Printf("purchase failed: %v", err)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	// Results
	success := int64(successCount.Load())
	rejected := int64(rejectCount.Load())
	expected := min(*initialStock, int64(*totalRequests))

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Store:            %s\n", *driver)
	fmt.Printf("Initial Stock:    %d\n", *initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Out of stock:     %d\n", rejected)
	fmt.Printf("Errors:           %d\n", errorCount.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	failed := false
	if success == expected && errorCount.Load() == 0 {
		fmt.Printf("PASS: Exactly %d purchases succeeded\n", expected)
	} else {
		fmt.Printf("FAIL: Expected %d successes, got %d\n", expected, success)
		failed = true
	}

	rec, err := coordinator.Reconcile(ctx, sweet.ID)
	if err != nil {
		log.Fatalf("failed to reconcile: %v", err)
	}
	fmt.Printf("Final Stock:      %d\n", rec.CurrentQuantity)
	fmt.Printf("Audit Entries:    %d\n", rec.Entries)

	if rec.CurrentQuantity == *initialStock-expected && rec.Balanced() {
		fmt.Println("PASS: Stock and audit log agree")
	} else {
		fmt.Printf("FAIL: stock %d, audit sum %d\n", rec.CurrentQuantity, rec.SumOfDeltas)
		failed = true
	}

	if failed {
		os.Exit(1)
	}
}

func openStore(ctx context.Context, driver string) (port.CatalogStore, func(), error) {
	if driver == "memory" {
		return storage.NewMemoryAdapter(), func() {}, nil
	}

	dir, err := os.MkdirTemp("", "sweetshop-stress")
	if err != nil {
		return nil, nil, err
	}
	db, err := storage.OpenSQLite(ctx, filepath.Join(dir, "stress.db"))
	if err != nil {
		os.RemoveAll(dir)
		return nil, nil, err
	}
	adapter := storage.NewSQLiteAdapter(db)
	if err := adapter.Migrate(ctx); err != nil {
		db.Close()
		os.RemoveAll(dir)
		return nil, nil, err
	}
	return adapter, func() {
		db.Close()
		os.RemoveAll(dir)
	}, nil
}
