package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"miaflow/internal/metrics"
)

func TestMetricStoreKeepsMostRecent(t *testing.T) {
	store := newMetricStore(3)

	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Name: "m", Value: i})
	}

	got := store.snapshot()
	if len(got) != 3 {
		t.Fatalf("expected 3 retained metrics, got %d", len(got))
	}
	for i, m := range got {
		if m.Value != i+2 {
			t.Fatalf("expected oldest entries evicted, got %v at %d", m.Value, i)
		}
	}
}

func TestMetricStoreSnapshotIsCopy(t *testing.T) {
	store := newMetricStore(10)
	store.handle(metrics.Metric{Name: "a"})

	snap := store.snapshot()
	snap[0].Name = "mutated"

	if store.snapshot()[0].Name != "a" {
		t.Fatalf("snapshot should not alias internal storage")
	}
}

func TestLogStoreFireCapturesFields(t *testing.T) {
	store := newLogStore(10)

	err := store.Fire(&logrus.Entry{
		Time:    time.Now(),
		Level:   logrus.WarnLevel,
		Message: "reconnect scheduled",
		Data: logrus.Fields{
			"component": "session",
			"attempt":   2,
			"cause":     errors.New("read timeout"),
		},
	})
	if err != nil {
		t.Fatalf("fire failed: %v", err)
	}

	records := store.snapshot()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Level != "warning" || rec.Message != "reconnect scheduled" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.Component != "session" {
		t.Fatalf("component not extracted: %+v", rec)
	}
	if _, ok := rec.Fields["component"]; ok {
		t.Fatalf("component should not be duplicated in fields")
	}
	if rec.Fields["cause"] != "read timeout" {
		t.Fatalf("error field not flattened: %v", rec.Fields["cause"])
	}
	if rec.Fields["attempt"] != 2 {
		t.Fatalf("plain field lost: %v", rec.Fields["attempt"])
	}
}

func TestLogStoreEnforcesLimit(t *testing.T) {
	store := newLogStore(2)

	for i := 0; i < 4; i++ {
		_ = store.Fire(&logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: string(rune('a' + i))})
	}

	records := store.snapshot()
	if len(records) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(records))
	}
	if records[0].Message != "c" || records[1].Message != "d" {
		t.Fatalf("expected newest records retained, got %+v", records)
	}
}

func TestLogStoreCloseStopsCapture(t *testing.T) {
	store := newLogStore(10)
	store.close()

	_ = store.Fire(&logrus.Entry{Time: time.Now(), Level: logrus.InfoLevel, Message: "after close"})

	if len(store.snapshot()) != 0 {
		t.Fatalf("closed store must not capture entries")
	}
}
