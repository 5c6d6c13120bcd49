//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/config"
	"github.com/hanko-field/checkout/internal/repositories"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("checkout"),
		tcpostgres.WithUsername("checkout"),
		tcpostgres.WithPassword("checkout"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := Connect(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 25})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestLedgerRepositoryNeverOversells(t *testing.T) {
	pool := startPostgres(t)
	ledger, err := NewLedgerRepository(pool)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = ledger.SetAvailable(ctx, "p1", 5, now)
	require.NoError(t, err)
	_, err = ledger.SetAvailable(ctx, "p2", 100, now)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, repositories.LedgerReserveRequest{
				Token: fmt.Sprintf("sr_p1_%02d", i), ProductID: "p1", Quantity: 1, ExpiresAt: now.Add(time.Minute), Now: now,
			})
			code, _ := repositories.LedgerErrorCodeOf(err)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case code == repositories.LedgerErrorInsufficientStock:
				rejected++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			if _, err := ledger.Reserve(ctx, repositories.LedgerReserveRequest{
				Token: fmt.Sprintf("sr_p2_%02d", i), ProductID: "p2", Quantity: 1, ExpiresAt: now.Add(time.Hour), Now: now,
			}); err != nil {
				t.Errorf("unrelated product reserve failed: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 5, ok)
	require.Equal(t, 15, rejected)

	p1, err := ledger.GetLevel(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, domain.StockLevel{ProductID: "p1", Available: 0, Reserved: 5, UpdatedAt: p1.UpdatedAt}, p1)
	p2, err := ledger.GetLevel(ctx, "p2")
	require.NoError(t, err)
	require.Equal(t, 80, p2.Available)
	require.Equal(t, 20, p2.Reserved)

	expired, err := ledger.ListExpired(ctx, now.Add(2*time.Minute), 50)
	require.NoError(t, err)
	require.Len(t, expired, 5)
}

func TestLedgerRepositorySettlementIsIdempotent(t *testing.T) {
	pool := startPostgres(t)
	ledger, err := NewLedgerRepository(pool)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err = ledger.SetAvailable(ctx, "p1", 10, now)
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, repositories.LedgerReserveRequest{Token: "sr_a", ProductID: "p1", Quantity: 2, ExpiresAt: now.Add(time.Minute), Now: now})
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, repositories.LedgerReserveRequest{Token: "sr_b", ProductID: "p1", Quantity: 3, ExpiresAt: now.Add(time.Minute), Now: now})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		commit, err := ledger.Commit(ctx, "sr_a", now)
		require.NoError(t, err)
		require.Equal(t, i == 0, commit.Changed)
		release, err := ledger.Release(ctx, "sr_b", "checkout_expired", now)
		require.NoError(t, err)
		require.Equal(t, i == 0, release.Changed)
	}

	level, err := ledger.GetLevel(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 8, level.Available)
	require.Equal(t, 0, level.Reserved)

	_, err = ledger.Commit(ctx, "sr_b", now)
	code, _ := repositories.LedgerErrorCodeOf(err)
	require.Equal(t, repositories.LedgerErrorReservationReleased, code)

	_, err = ledger.Release(ctx, "sr_missing", "x", now)
	code, _ = repositories.LedgerErrorCodeOf(err)
	require.Equal(t, repositories.LedgerErrorReservationNotFound, code)

	for i := 0; i < 3; i++ {
		res, err := ledger.Restock(ctx, repositories.LedgerRestockRequest{Key: "cancel:ord_1:p1", ProductID: "p1", Quantity: 2, Reason: "order_cancelled", Now: now})
		require.NoError(t, err)
		require.Equal(t, 10, res.Level.Available)
	}

	reservation, err := ledger.GetReservation(ctx, "sr_b")
	require.NoError(t, err)
	require.Equal(t, domain.ReservationStatusReleased, reservation.Status)
	require.Equal(t, "checkout_expired", reservation.Reason)
	require.NotNil(t, reservation.ReleasedAt)
}
