package brain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nous-labs/attune/pkg/memory"
)

func openTestBrain(t *testing.T) *Brain {
	t.Helper()
	b, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestOpenCreatesSchema(t *testing.T) {
	dir := t.TempDir()
	b, err := Open(dir)
	if err != nil {
		t.Fatalf("Open(%q): %v", dir, err)
	}
	defer b.Close()

	if b.Path() != dir {
		t.Errorf("Path() = %q, want %q", b.Path(), dir)
	}
	s := b.Stats()
	if s.Profiles != 0 || s.KVEntries != 0 {
		t.Errorf("fresh brain has rows: %+v", s)
	}
}

func TestMergeProfile(t *testing.T) {
	b := openTestBrain(t)
	ctx := context.Background()

	p, err := b.MergeProfile(ctx, "u1", memory.ProfilePatch{Hobbies: []string{"hiking", "chess"}})
	if err != nil {
		t.Fatalf("MergeProfile: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("Version = %d, want 1", p.Version)
	}

	p, err = b.MergeProfile(ctx, "u1", memory.ProfilePatch{Name: memory.StringPtr("Ada"), Hobbies: []string{"Chess"}})
	if err != nil {
		t.Fatalf("MergeProfile: %v", err)
	}
	got, err := b.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if got.Name != "Ada" || len(got.Hobbies) != 2 || got.Version != 2 {
		t.Errorf("GetProfile = %+v", got)
	}
	if p.Version != got.Version {
		t.Errorf("merge returned version %d, stored %d", p.Version, got.Version)
	}
}

func TestMergeProfileUnchangedKeepsVersion(t *testing.T) {
	b := openTestBrain(t)
	ctx := context.Background()
	patch := memory.ProfilePatch{Favorites: map[string]string{"color": "teal"}}

	first, _ := b.MergeProfile(ctx, "u", patch)
	second, err := b.MergeProfile(ctx, "u", patch)
	if err != nil {
		t.Fatalf("MergeProfile: %v", err)
	}
	if first.Version != second.Version {
		t.Errorf("idempotent merge bumped version %d -> %d", first.Version, second.Version)
	}
}

func TestMergeProfileConcurrent(t *testing.T) {
	b := openTestBrain(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	hobbies := []string{"running", "painting", "cooking", "sailing"}
	for _, h := range hobbies {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			if _, err := b.MergeProfile(ctx, "u", memory.ProfilePatch{Hobbies: []string{h}}); err != nil {
				t.Errorf("MergeProfile(%s): %v", h, err)
			}
		}(h)
	}
	wg.Wait()

	got, _ := b.GetProfile(ctx, "u")
	if len(got.Hobbies) != len(hobbies) {
		t.Errorf("Hobbies = %v, want all %d merged", got.Hobbies, len(hobbies))
	}
}

func TestGetProfileMissing(t *testing.T) {
	b := openTestBrain(t)
	p, err := b.GetProfile(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetProfile: %v", err)
	}
	if !p.IsEmpty() {
		t.Errorf("expected empty profile, got %+v", p)
	}
}

func TestKVTTL(t *testing.T) {
	b := openTestBrain(t)
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	if err := b.KVSetTTL(ctx, "behavior:u", `{"depth_bias":1}`, time.Hour); err != nil {
		t.Fatalf("KVSetTTL: %v", err)
	}
	if err := b.KVSet(ctx, "forever", "x"); err != nil {
		t.Fatalf("KVSet: %v", err)
	}

	v, ok, err := b.KVGet(ctx, "behavior:u")
	if err != nil || !ok || v != `{"depth_bias":1}` {
		t.Fatalf("KVGet = %q, %v, %v", v, ok, err)
	}

	now = now.Add(2 * time.Hour)
	if _, ok, _ := b.KVGet(ctx, "behavior:u"); ok {
		t.Error("expired key still readable")
	}
	n, err := b.PurgeExpired(ctx)
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeExpired = %d, want 1", n)
	}
	if _, ok, _ := b.KVGet(ctx, "forever"); !ok {
		t.Error("non-expiring key was purged")
	}
}
