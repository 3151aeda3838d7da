package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chunkanchor.ai/internal/anchor"
	"chunkanchor.ai/internal/host"
	"chunkanchor.ai/internal/residency"
)

func TestResidencyLogger_RecordsTransitions(t *testing.T) {
	dir := t.TempDir()
	rl := NewResidencyLogger(dir, zerolog.Nop())

	hour := time.Date(2024, 3, 1, 10, 59, 0, 0, time.UTC)
	rl.w.now = func() time.Time { return hour }

	store, err := anchor.Open(3, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.Add("A", "base", "world", 0, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	ctl := residency.New(host.NewWorlds("world"), store, residency.Config{ChunkRadius: 1, DefaultPolicy: anchor.PolicyPlayerOnline}, zerolog.Nop(), residency.WithObserver(rl))

	ctl.OnPresenceArrived()
	hour = hour.Add(2 * time.Minute) // next hour file
	ctl.OnPresenceDeparted()
	if err := rl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	evs, err := ReadEvents(dir)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var kinds []residency.EventKind
	for _, e := range evs {
		kinds = append(kinds, e.Kind)
	}
	want := []residency.EventKind{residency.EventPresence, residency.EventAcquired, residency.EventPresence, residency.EventReleased}
	if len(kinds) != len(want) {
		t.Fatalf("events: got %v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events: got %v want %v", kinds, want)
		}
	}
	if evs[1].Owner != "A" || evs[1].Anchor != "base" || evs[1].Regions != 9 {
		t.Fatalf("acquire event: %+v", evs[1])
	}
}

func TestJSONLZstdWriter_OnCloseReportsFinishedSegments(t *testing.T) {
	dir := t.TempDir()
	var closed []string
	w := NewJSONLZstdWriterWithOptions(dir, "residency", LoggerOptions{OnClose: func(p string) { closed = append(closed, p) }})
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	if err := w.Write(map[string]int{"n": 1}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("open segment reported early: %v", closed)
	}
	now = now.Add(time.Hour)
	if err := w.Write(map[string]int{"n": 2}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	want := []string{
		filepath.Join(dir, "residency-2024-03-01-10.jsonl.zst"),
		filepath.Join(dir, "residency-2024-03-01-11.jsonl.zst"),
	}
	if len(closed) != 2 || closed[0] != want[0] || closed[1] != want[1] {
		t.Fatalf("closed segments: got %v want %v", closed, want)
	}
}
