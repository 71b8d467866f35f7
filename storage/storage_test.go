package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"storymap-sync/pkg/story"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(&Config{
		LocalPath: dir,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), dir
}

func TestAggregateRoundTrip(t *testing.T) {
	s, root := newLocalStore(t)
	ctx := context.Background()

	agg := &story.Aggregate{Locations: []*story.LocationPoint{
		{ID: "L1", Name: "Library", X: 30, Y: 40, Stories: []*story.Story{{ID: "r1", CharacterID: "c1", Content: "hi", LocationID: "L1"}}},
		{ID: "L2", Name: "Gym", X: 10, Y: 90, Stories: []*story.Story{}},
	}}
	if err := s.SaveAggregate(ctx, agg); err != nil {
		t.Fatalf("SaveAggregate() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "data", "content.json")); err != nil {
		t.Fatalf("content file not written at default path: %v", err)
	}

	got, err := s.LoadAggregate(ctx)
	if err != nil {
		t.Fatalf("LoadAggregate() error = %v", err)
	}
	if len(got.Locations) != 2 || got.StoryCount() != 1 {
		t.Errorf("LoadAggregate() = %d locations, %d stories; want 2, 1", len(got.Locations), got.StoryCount())
	}
	if got.Locations[1].Stories == nil {
		t.Error("empty story list should survive as [] not null")
	}

	raw, err := s.AggregateJSON(ctx)
	if err != nil {
		t.Fatalf("AggregateJSON() error = %v", err)
	}
	for _, want := range []string{`"locations"`, `"characterId": "c1"`, `"stories": []`} {
		if !strings.Contains(string(raw), want) {
			t.Errorf("AggregateJSON() missing %s", want)
		}
	}
}

func TestSaveAggregateReplacesWithoutLeftovers(t *testing.T) {
	s, root := newLocalStore(t)
	ctx := context.Background()

	for i := range 3 {
		agg := &story.Aggregate{Locations: make([]*story.LocationPoint, i+1)}
		for j := range agg.Locations {
			agg.Locations[j] = &story.LocationPoint{ID: string(rune('A' + j)), Stories: []*story.Story{}}
		}
		if err := s.SaveAggregate(ctx, agg); err != nil {
			t.Fatalf("SaveAggregate() #%d error = %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(root, "data"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "content.json" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("data dir = %v, want only content.json", names)
	}

	got, err := s.LoadAggregate(ctx)
	if err != nil {
		t.Fatalf("LoadAggregate() error = %v", err)
	}
	if len(got.Locations) != 3 {
		t.Errorf("LoadAggregate() = %d locations, want 3", len(got.Locations))
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	dir := story.Directory{"L1": {Name: "Library", X: 30, Y: 40}}
	if err := s.SaveDirectory(ctx, dir); err != nil {
		t.Fatalf("SaveDirectory() error = %v", err)
	}
	got, err := s.LoadDirectory(ctx)
	if err != nil {
		t.Fatalf("LoadDirectory() error = %v", err)
	}
	if got["L1"] != dir["L1"] || len(got) != 1 {
		t.Errorf("LoadDirectory() = %v, want %v", got, dir)
	}
}

func TestLoadMissing(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	if _, err := s.LoadDirectory(ctx); !IsNotFound(err) {
		t.Errorf("LoadDirectory() error = %v, want not found", err)
	}
	if _, err := s.LoadAggregate(ctx); !IsNotFound(err) {
		t.Errorf("LoadAggregate() error = %v, want not found", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s, root := newLocalStore(t)
	path := filepath.Join(root, "config", "locations.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	_, err := s.LoadDirectory(context.Background())
	if err == nil || IsNotFound(err) {
		t.Errorf("LoadDirectory() error = %v, want decode error", err)
	}
}

func TestCustomKeys(t *testing.T) {
	root := t.TempDir()
	s := New(&Config{
		LocalPath:    root,
		ContentKey:   "public/stories.json",
		LocationsKey: "cache/dir.json",
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err := s.SaveDirectory(context.Background(), story.Directory{}); err != nil {
		t.Fatalf("SaveDirectory() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "cache", "dir.json")); err != nil {
		t.Errorf("custom locations key not honoured: %v", err)
	}
}

func TestUnconfigured(t *testing.T) {
	s := New(&Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err := s.SaveAggregate(context.Background(), &story.Aggregate{}); err == nil {
		t.Error("SaveAggregate() on unconfigured store should fail")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("permission denied"), false},
		{errors.New(errNotExist), true},
		{errors.New("load after retries: " + errNotExist), true},
	}
	for _, tt := range tests {
		if got := IsNotFound(tt.err); got != tt.want {
			t.Errorf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
