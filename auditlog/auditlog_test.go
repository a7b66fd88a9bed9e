package auditlog

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndForTag(t *testing.T) {
	l := openTestLog(t)
	tag := "abc1230000000000000000000000000000000000000000000000000000000"
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := l.Record(now, KindLaunch, tag, "image=alpine"); err != nil {
		t.Fatalf("Record launch: %v", err)
	}
	if err := l.Record(now.Add(time.Minute), KindAttach, tag, ""); err != nil {
		t.Fatalf("Record attach: %v", err)
	}
	if err := l.Record(now.Add(2*time.Minute), KindDetach, tag, ""); err != nil {
		t.Fatalf("Record detach: %v", err)
	}

	events, err := l.ForTag(tag)
	if err != nil {
		t.Fatalf("ForTag: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	wantKinds := []Kind{KindLaunch, KindAttach, KindDetach}
	for i, e := range events {
		if e.Kind != wantKinds[i] {
			t.Errorf("events[%d].Kind = %s, want %s", i, e.Kind, wantKinds[i])
		}
		if e.Tag != tag {
			t.Errorf("events[%d].Tag = %s, want %s", i, e.Tag, tag)
		}
	}
}

func TestRecentOrdersNewestFirst(t *testing.T) {
	l := openTestLog(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tags := []string{"tag-a", "tag-b", "tag-c"}
	for i, tag := range tags {
		if err := l.Record(now.Add(time.Duration(i)*time.Second), KindLaunch, tag, ""); err != nil {
			t.Fatalf("Record %s: %v", tag, err)
		}
	}

	events, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Tag != "tag-c" || events[1].Tag != "tag-b" {
		t.Errorf("Recent order = %v, want [tag-c, tag-b]", events)
	}
}

func TestForTagUnknownReturnsEmpty(t *testing.T) {
	l := openTestLog(t)
	events, err := l.ForTag("nonexistent")
	if err != nil {
		t.Fatalf("ForTag: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0", len(events))
	}
}
