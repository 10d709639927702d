//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupTestContainer(t *testing.T) (*Pool, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("Docker not available or container failed to start, skipping integration test: %v", err)
		return nil, func() {}
	}
	if container == nil {
		t.Skip("Docker not available, skipping integration test")
		return nil, func() {}
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	dbURL := fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	cfg := &config.DatabaseConfig{
		URL:          dbURL,
		MaxOpenConns: 5,
		MaxIdleConns: 2,
	}

	pool, err := Open(ctx, cfg)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("Failed to create pool: %v", err)
	}

	// Run migrations
	if err := pool.Migrate(ctx, zap.NewNop()); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		pool.Close()
		container.Terminate(ctx)
	}

	return pool, cleanup
}

func vec(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)/float32(dim)
	}
	return v
}

func TestIdentityRepository(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)

	t.Run("LoadOrderAndEmbeddings", func(t *testing.T) {
		for _, id := range []string{"s-2", "s-1"} {
			if err := store.UpsertIdentity(ctx, database.StoredIdentity{ID: id, DisplayName: "Student " + id}); err != nil {
				t.Fatalf("Failed to upsert identity: %v", err)
			}
		}
		if err := store.AddEmbeddings(ctx, "s-2", []database.StoredEmbedding{
			{Embedding: vec(128, 0.1), Model: "test"},
			{Embedding: vec(128, 0.2), Model: "test"},
		}); err != nil {
			t.Fatalf("Failed to add embeddings: %v", err)
		}
		if err := store.AddEmbeddings(ctx, "s-1", []database.StoredEmbedding{{Embedding: vec(128, 0.3)}}); err != nil {
			t.Fatalf("Failed to add embeddings: %v", err)
		}

		got, err := store.LoadActiveIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to load identities: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("Expected 2 identities, got %d", len(got))
		}
		if got[0].ID != "s-2" || got[1].ID != "s-1" {
			t.Errorf("Expected enrollment order [s-2 s-1], got [%s %s]", got[0].ID, got[1].ID)
		}
		if len(got[0].Embeddings) != 2 {
			t.Errorf("Expected 2 embeddings for s-2, got %d", len(got[0].Embeddings))
		}
		if got[0].Embeddings[0].Dim != 128 || len(got[0].Embeddings[0].Embedding) != 128 {
			t.Errorf("Expected 128 dimensions, got %d", got[0].Embeddings[0].Dim)
		}
	})

	t.Run("InactiveExcluded", func(t *testing.T) {
		if err := store.SetIdentityStatus(ctx, "s-1", database.StatusInactive); err != nil {
			t.Fatalf("Failed to deactivate: %v", err)
		}
		count, err := store.CountIdentities(ctx)
		if err != nil {
			t.Fatalf("Failed to count: %v", err)
		}
		if count != 1 {
			t.Errorf("Expected 1 active identity, got %d", count)
		}
	})

	t.Run("UnknownIdentity", func(t *testing.T) {
		err := store.AddEmbeddings(ctx, "ghost", []database.StoredEmbedding{{Embedding: vec(4, 0)}})
		if !errors.Is(err, database.ErrIdentityNotFound) {
			t.Errorf("Expected ErrIdentityNotFound, got %v", err)
		}
		err = store.SetIdentityStatus(ctx, "ghost", database.StatusActive)
		if !errors.Is(err, database.ErrIdentityNotFound) {
			t.Errorf("Expected ErrIdentityNotFound, got %v", err)
		}
	})
}

func TestSessionAndAttendance(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	ctx := context.Background()
	store := NewStore(pool)

	for _, id := range []string{"s-1", "s-2"} {
		if err := store.UpsertIdentity(ctx, database.StoredIdentity{ID: id, DisplayName: id}); err != nil {
			t.Fatalf("Failed to upsert identity: %v", err)
		}
	}
	if err := store.UpsertSession(ctx, database.Session{ID: "math-101", Name: "Math"}); err != nil {
		t.Fatalf("Failed to upsert session: %v", err)
	}

	t.Run("Cohort", func(t *testing.T) {
		if err := store.AddSessionMembers(ctx, "math-101", []string{"s-2", "s-1", "s-2"}); err != nil {
			t.Fatalf("Failed to add members: %v", err)
		}
		members, err := store.SessionCohort(ctx, "math-101")
		if err != nil {
			t.Fatalf("Failed to get cohort: %v", err)
		}
		if len(members) != 2 {
			t.Errorf("Expected 2 members, got %v", members)
		}

		_, err = store.SessionCohort(ctx, "unknown")
		if !errors.Is(err, database.ErrSessionNotFound) {
			t.Errorf("Expected ErrSessionNotFound, got %v", err)
		}
	})

	t.Run("MaxConfidenceUpsert", func(t *testing.T) {
		first, err := store.UpsertAttendance(ctx, database.AttendanceRecord{
			IdentityID: "s-1", SessionID: "math-101", Confidence: 70, Evidence: []byte(`{"distance":0.3}`),
		})
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if first.Confidence != 70 {
			t.Errorf("Expected 70, got %v", first.Confidence)
		}

		second, err := store.UpsertAttendance(ctx, database.AttendanceRecord{
			IdentityID: "s-1", SessionID: "math-101", Confidence: 90, Evidence: []byte(`{"distance":0.1}`),
		})
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if second.Confidence != 90 {
			t.Errorf("Expected 90, got %v", second.Confidence)
		}

		third, err := store.UpsertAttendance(ctx, database.AttendanceRecord{
			IdentityID: "s-1", SessionID: "math-101", Confidence: 60, Evidence: []byte(`{"distance":0.4}`),
		})
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if third.Confidence != 90 {
			t.Errorf("Expected confidence to stay at 90, got %v", third.Confidence)
		}
		if string(third.Evidence) != `{"distance": 0.1}` {
			t.Errorf("Expected evidence of the best observation, got %s", third.Evidence)
		}
		if !third.FirstSeenAt.Equal(first.FirstSeenAt) {
			t.Error("Expected first_seen_at to be preserved")
		}
		if !first.Raised || !second.Raised || third.Raised {
			t.Errorf("Expected raised=[true true false], got [%v %v %v]", first.Raised, second.Raised, third.Raised)
		}
		if !third.BestSeenAt.Equal(second.BestSeenAt) {
			t.Error("Expected best_seen_at to stay at the winning observation")
		}

		equal, err := store.UpsertAttendance(ctx, database.AttendanceRecord{
			IdentityID: "s-1", SessionID: "math-101", Confidence: 90,
		})
		if err != nil {
			t.Fatalf("Failed to upsert: %v", err)
		}
		if equal.Raised {
			t.Error("Expected an equal confidence not to count as raised")
		}

		rows, err := store.ListAttendance(ctx, "math-101")
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		if len(rows) != 1 {
			t.Errorf("Expected exactly one row, got %d", len(rows))
		}
	})

	t.Run("ConcurrentUpserts", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(c float64) {
				defer wg.Done()
				_, _ = store.UpsertAttendance(ctx, database.AttendanceRecord{
					IdentityID: "s-2", SessionID: "math-101", Confidence: c,
				})
			}(float64(50 + i))
		}
		wg.Wait()

		rows, err := store.ListAttendance(ctx, "math-101")
		if err != nil {
			t.Fatalf("Failed to list: %v", err)
		}
		for _, r := range rows {
			if r.IdentityID == "s-2" && r.Confidence != 70 {
				t.Errorf("Expected max confidence 70, got %v", r.Confidence)
			}
		}
	})
}

func TestMigrationsApplied(t *testing.T) {
	pool, cleanup := setupTestContainer(t)
	if pool == nil {
		return
	}
	defer cleanup()

	versions, err := pool.MigrationsApplied(context.Background())
	if err != nil {
		t.Fatalf("Failed to list migrations: %v", err)
	}
	if len(versions) == 0 || versions[0] != "001_init.sql" {
		t.Errorf("Expected 001_init.sql applied, got %v", versions)
	}

	// Re-running is a no-op.
	if err := pool.Migrate(context.Background(), zap.NewNop()); err != nil {
		t.Errorf("Expected idempotent migrate, got %v", err)
	}
}
