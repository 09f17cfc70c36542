package logindex

import (
	"testing"
	"time"

	"github.com/vinayprograms/farmkit/logging"
)

var base = time.Date(2026, 1, 2, 3, 4, 0, 0, time.UTC)

func entry(i int, account string, level logging.Level, msg string) logging.Entry {
	return logging.Entry{
		Level:     level,
		Time:      base.Add(time.Duration(i) * time.Second),
		Component: "worker",
		Account:   account,
		Message:   msg,
	}
}

func newIndex(t *testing.T, retention int) *Index {
	t.Helper()
	x, err := New(retention)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestIndex_SearchText(t *testing.T) {
	x := newIndex(t, 0)
	x.Add(entry(1, "a", logging.LevelInfo, "harvest complete"))
	x.Add(entry(2, "b", logging.LevelWarn, "session lost"))
	x.Add(entry(3, "a", logging.LevelInfo, "harvest skipped"))

	got, err := x.Search(Query{Text: "harvest"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 hits, got %d", len(got))
	}
	if got[0].Message != "harvest skipped" {
		t.Errorf("expected newest first, got %q", got[0].Message)
	}
}

func TestIndex_Filters(t *testing.T) {
	x := newIndex(t, 0)
	x.Add(entry(1, "a", logging.LevelDebug, "probe ok"))
	x.Add(entry(2, "a", logging.LevelWarn, "probe missed"))
	x.Add(entry(3, "b", logging.LevelError, "login rejected"))
	x.Add(entry(4, "a", logging.LevelError, "tick failed"))

	tests := []struct {
		name string
		q    Query
		want int
	}{
		{"all", Query{}, 4},
		{"account", Query{Account: "a"}, 3},
		{"min warn", Query{MinLevel: logging.LevelWarn}, 3},
		{"account and level", Query{Account: "a", MinLevel: logging.LevelError}, 1},
		{"since", Query{Since: base.Add(3 * time.Second)}, 2},
		{"limit", Query{Limit: 2}, 2},
		{"no match", Query{Account: "zzz"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := x.Search(tt.q)
			if err != nil {
				t.Fatalf("Search: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d hits, want %d", len(got), tt.want)
			}
		})
	}
}

func TestIndex_FieldsSearchable(t *testing.T) {
	x := newIndex(t, 0)
	e := entry(1, "a", logging.LevelInfo, "tick complete")
	e.Fields = map[string]interface{}{"kind": "greenhouse"}
	x.Add(e)

	got, _ := x.Search(Query{Text: "greenhouse"})
	if len(got) != 1 {
		t.Fatalf("expected fields to be searchable, got %d hits", len(got))
	}
}

func TestIndex_Retention(t *testing.T) {
	x := newIndex(t, 3)
	for i := 0; i < 5; i++ {
		if err := x.Add(entry(i, "a", logging.LevelInfo, "line")); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if x.Len() != 3 {
		t.Fatalf("Len = %d, want 3", x.Len())
	}
	got, _ := x.Search(Query{})
	if len(got) != 3 {
		t.Fatalf("expected 3 retained, got %d", len(got))
	}
	if !got[2].Time.Equal(base.Add(2 * time.Second)) {
		t.Errorf("oldest retained = %v, want entry 2", got[2].Time)
	}
}

func TestIndex_ZeroTimeFilled(t *testing.T) {
	x := newIndex(t, 0)
	x.Add(logging.Entry{Level: logging.LevelInfo, Message: "no time"})
	got, _ := x.Search(Query{})
	if len(got) != 1 || got[0].Time.IsZero() {
		t.Fatalf("expected time to be set, got %+v", got)
	}
}
