package postgres

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/creovision/governor/pkg/ledger"
	"github.com/creovision/governor/pkg/ledger/ledgertest"
)

var testDSN string

// TestMain uses GOVERNOR_TEST_POSTGRES_DSN when set and otherwise starts a
// throwaway container. Without either, the database tests skip.
func TestMain(m *testing.M) {
	flag.Parse()

	testDSN = os.Getenv("GOVERNOR_TEST_POSTGRES_DSN")
	if testDSN != "" || testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	container, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres container unavailable, skipping: %v\n", err)
		os.Exit(m.Run())
	}

	testDSN, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()
	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(code)
}

// startPostgres runs a throwaway container. testcontainers panics when no
// Docker host can be found; that is reported as an error so the suite skips.
func startPostgres(ctx context.Context) (c *tcpostgres.PostgresContainer, err error) {
	defer func() {
		if r := recover(); r != nil {
			c, err = nil, fmt.Errorf("docker unavailable: %v", r)
		}
	}()
	return tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("governor_test"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
}

func newTestLedger(t *testing.T) ledger.Ledger {
	t.Helper()
	if testDSN == "" {
		t.Skip("no postgres available")
	}
	ctx := context.Background()
	l, err := New(ctx, testDSN, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.pool.Exec(ctx, `TRUNCATE credit_accounts, credit_transactions`); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger(t *testing.T) {
	ledgertest.Run(t, newTestLedger)
}

func TestMigrateIsIdempotent(t *testing.T) {
	if testDSN == "" {
		t.Skip("no postgres available")
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(testDSN); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
	}
}

func TestNewRejectsBadDSN(t *testing.T) {
	if _, err := New(context.Background(), "postgres://%zz", 1); err == nil {
		t.Error("expected error for malformed DSN")
	}
}

func TestStartPostgresWithoutDockerReturnsError(t *testing.T) {
	if testDSN != "" || testing.Short() {
		t.Skip("postgres reachable or short mode")
	}
	ctx := context.Background()
	c, err := startPostgres(ctx)
	if err == nil {
		_ = c.Terminate(ctx)
		t.Skip("container started on retry")
	}
	if c != nil {
		t.Errorf("container = %v, want nil on error", c)
	}
}
