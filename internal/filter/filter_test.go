package filter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/database/mock"
	"github.com/kozaktomas/rollcall/internal/embedding"
	"github.com/kozaktomas/rollcall/internal/registry"
)

func testSnapshot() *registry.Snapshot {
	return registry.NewSnapshot([]registry.Identity{
		{ID: "a", Embeddings: []embedding.Vector{{1, 0}}},
		{ID: "b", Embeddings: []embedding.Vector{{0, 1}}},
		{ID: "c", Embeddings: []embedding.Vector{{1, 1}}},
	}, time.Now())
}

func ids(res Result) []string {
	out := make([]string, len(res.Identities))
	for i, ident := range res.Identities {
		out[i] = ident.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFilter(t *testing.T) {
	store := mock.NewMockStore()
	store.AddSession("math", "c", "a")
	store.AddSession("empty")
	store.AddSession("elsewhere", "x", "y")

	f, err := New(store, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()

	tests := []struct {
		name        string
		sessionID   string
		wantIDs     []string
		wantScoped  bool
		wantWarning string
	}{
		{"no session", "", []string{"a", "b", "c"}, false, ""},
		{"cohort keeps snapshot order", "math", []string{"a", "c"}, true, ""},
		{"unknown session degrades", "nope", []string{"a", "b", "c"}, false, WarningCohortUnavailable},
		{"empty cohort degrades", "empty", []string{"a", "b", "c"}, false, WarningCohortEmpty},
		{"disjoint cohort yields nothing", "elsewhere", []string{}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.Filter(context.Background(), testSnapshot(), tt.sessionID)
			if !equal(ids(res), tt.wantIDs) {
				t.Errorf("ids = %v, want %v", ids(res), tt.wantIDs)
			}
			if res.Scoped != tt.wantScoped {
				t.Errorf("scoped = %v, want %v", res.Scoped, tt.wantScoped)
			}
			if res.Warning != tt.wantWarning {
				t.Errorf("warning = %q, want %q", res.Warning, tt.wantWarning)
			}
		})
	}
}

func TestFilter_LookupErrorDegrades(t *testing.T) {
	store := mock.NewMockStore()
	store.AddSession("math", "a")
	store.CohortError = errors.New("connection reset")

	f, _ := New(store, Options{})
	res := f.Filter(context.Background(), testSnapshot(), "math")
	if res.Warning != WarningCohortUnavailable || len(res.Identities) != 3 {
		t.Errorf("expected full snapshot with warning, got %v %q", ids(res), res.Warning)
	}
}

func TestFilter_CachesCohorts(t *testing.T) {
	store := mock.NewMockStore()
	store.AddSession("math", "a", "b")

	f, err := New(store, Options{CacheTTL: time.Minute})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer f.Close()

	f.Filter(context.Background(), testSnapshot(), "math")
	f.cache.Wait()
	res := f.Filter(context.Background(), testSnapshot(), "math")

	if store.CohortCalls() != 1 {
		t.Errorf("expected 1 cohort lookup, got %d", store.CohortCalls())
	}
	if !equal(ids(res), []string{"a", "b"}) {
		t.Errorf("unexpected ids %v", ids(res))
	}

	f.Reset()
	f.Filter(context.Background(), testSnapshot(), "math")
	if store.CohortCalls() != 2 {
		t.Errorf("expected lookup after Reset, got %d", store.CohortCalls())
	}
}

func TestFilter_NilReader(t *testing.T) {
	f, _ := New(nil, Options{})
	res := f.Filter(context.Background(), testSnapshot(), "math")
	if res.Scoped || res.Warning != "" || len(res.Identities) != 3 {
		t.Errorf("expected unscoped full snapshot, got %+v", res)
	}
}
