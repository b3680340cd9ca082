package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/sweetshop-inventory/internal/core/domain"
)

func getMySQLAdapter(t *testing.T) *SQLAdapter {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/sweetshop?parseTime=true"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	db, err := OpenMySQL(ctx, MySQLConfig{DSN: dsn, MaxOpenConns: 20, MaxIdleConns: 10, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := NewMySQLAdapter(db)
	if err := adapter.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	return adapter
}

// createTestSweet inserts a uniquely named sweet and removes it with its
// history when the test ends.
func createTestSweet(t *testing.T, a *SQLAdapter, quantity int64) *domain.Sweet {
	ctx := context.Background()
	s := newSweet("test-sweet-"+uuid.NewString(), quantity)
	if err := a.Create(ctx, s); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	t.Cleanup(func() {
		a.DB().ExecContext(ctx, `DELETE FROM adjustments WHERE sweet_id = ?`, s.ID)
		a.DB().ExecContext(ctx, `DELETE FROM sweets WHERE id = ?`, s.ID)
	})
	return s
}

func TestMySQLAdapter_CreateAndGet(t *testing.T) {
	a := getMySQLAdapter(t)
	ctx := context.Background()

	s := createTestSweet(t, a, 50)

	got, err := a.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Quantity != 50 {
		t.Errorf("expected quantity 50, got %d", got.Quantity)
	}
	if got.InitialQuantity != 50 {
		t.Errorf("expected initial quantity 50, got %d", got.InitialQuantity)
	}
	if !got.Price.Equal(s.Price) {
		t.Errorf("expected price %s, got %s", s.Price, got.Price)
	}
}

func TestMySQLAdapter_GetNotFound(t *testing.T) {
	a := getMySQLAdapter(t)

	_, err := a.Get(context.Background(), -1)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got: %v", err)
	}
}

func TestMySQLAdapter_ConditionalUpdate(t *testing.T) {
	a := getMySQLAdapter(t)
	ctx := context.Background()
	s := createTestSweet(t, a, 100)

	tx, err := a.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx failed: %v", err)
	}
	defer tx.Rollback()

	if _, err := tx.GetForUpdate(ctx, s.ID); err != nil {
		t.Fatalf("GetForUpdate failed: %v", err)
	}

	// Update with correct expected quantity
	ok, err := tx.ConditionalUpdateQuantity(ctx, s.ID, 100, 90, time.Now().UTC())
	if err != nil {
		t.Fatalf("ConditionalUpdateQuantity failed: %v", err)
	}
	if !ok {
		t.Fatal("expected update to apply")
	}

	// Try update with stale quantity
	ok, err = tx.ConditionalUpdateQuantity(ctx, s.ID, 100, 80, time.Now().UTC())
	if err != nil {
		t.Fatalf("ConditionalUpdateQuantity failed: %v", err)
	}
	if ok {
		t.Error("expected stale update to be rejected")
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	got, _ := a.Get(ctx, s.ID)
	if got.Quantity != 90 {
		t.Errorf("expected quantity 90, got %d", got.Quantity)
	}
}

func TestMySQLAdapter_ConcurrentAdjustments(t *testing.T) {
	a := getMySQLAdapter(t)
	ctx := context.Background()

	initialStock := 20
	totalRequests := 50
	s := createTestSweet(t, a, int64(initialStock))

	var successCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := adjust(ctx, a, s.ID, -1)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if ok {
				successCount.Add(1)
			}
		}()
	}

	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}

	got, _ := a.Get(ctx, s.ID)
	if got.Quantity != 0 {
		t.Errorf("expected stock 0, got %d", got.Quantity)
	}

	adjs, err := a.ListAdjustments(ctx, s.ID)
	if err != nil {
		t.Fatalf("ListAdjustments failed: %v", err)
	}
	if len(adjs) != initialStock {
		t.Errorf("expected %d audit entries, got %d", initialStock, len(adjs))
	}
}

func TestMySQLDialect_Conflict(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&mysql.MySQLError{Number: mysqlErrDeadlock}, true},
		{&mysql.MySQLError{Number: mysqlErrLockWaitTimeout}, true},
		{&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, false},
		{errors.New("boom"), false},
	}
	for _, tc := range cases {
		if got := mysqlDialect.conflict(tc.err); got != tc.want {
			t.Errorf("conflict(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
