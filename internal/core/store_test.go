package core

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/3cpo-dev/valrun/pkg/api"
)

func TestStoreListsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, err := NewStore(filepath.Join(t.TempDir(), "nested", "history.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		sum := api.RunSummary{
			RunID:    id,
			Mode:     ModeLocal,
			Tag:      "current",
			Status:   api.RunSucceeded,
			Started:  base.Add(time.Duration(i) * time.Hour),
			Ended:    base.Add(time.Duration(i)*time.Hour + time.Minute),
			Total:    1,
			Finished: 1,
			Tasks:    []api.TaskReport{{Name: "a_py", Package: "ecl", Status: "finished", WallSeconds: 1.25}},
		}
		if err := s.RecordRun(ctx, sum); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	runs, err := s.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 || runs[0].RunID != "r3" || runs[1].RunID != "r2" {
		t.Fatalf("runs = %+v", runs)
	}
	if !runs[0].Started.Equal(base.Add(2*time.Hour)) || runs[0].Status != api.RunSucceeded {
		t.Fatalf("round trip lost data: %+v", runs[0])
	}
	res, err := s.RunResults(ctx, "r1")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if len(res) != 1 || res[0].WallSeconds != 1.25 || res[0].Package != "ecl" {
		t.Fatalf("results = %+v", res)
	}

	if err := s.RecordRun(ctx, api.RunSummary{RunID: "r1"}); err == nil {
		t.Fatalf("duplicate run id should fail")
	}
}
