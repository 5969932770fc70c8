package chat

import (
	"reflect"
	"testing"
	"time"
)

func msgAt(id string, t time.Time) Message {
	return Message{ID: id, CreatedAt: t, Content: "body-" + id}
}

func viewIDs(l *Log) []string {
	view := l.View()
	ids := make([]string, 0, len(view))
	for _, m := range view {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestViewSortedByCreatedAt(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("m3", base.Add(30*time.Second)))
	l.Upsert(msgAt("m1", base.Add(10*time.Second)))
	l.Upsert(msgAt("m2", base.Add(20*time.Second)))

	if got := viewIDs(l); !reflect.DeepEqual(got, []string{"m1", "m2", "m3"}) {
		t.Fatalf("expected createdAt order, got %v", got)
	}
}

func TestViewTiesKeepInsertionOrder(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("b", ts))
	l.Upsert(msgAt("a", ts))
	l.Upsert(msgAt("c", ts))

	if got := viewIDs(l); !reflect.DeepEqual(got, []string{"b", "a", "c"}) {
		t.Fatalf("expected insertion order on ties, got %v", got)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	msg := msgAt("m1", ts)
	if added := l.Upsert(msg); !added {
		t.Fatal("first upsert should add")
	}
	before := l.View()
	if added := l.Upsert(msg); added {
		t.Fatal("second upsert should hit identity")
	}
	after := l.View()

	if !reflect.DeepEqual(before, after) {
		t.Fatalf("view changed on duplicate upsert: %v vs %v", before, after)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", l.Len())
	}
}

func TestUpsertMergesReactionsAndReaders(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("m1", ts))
	l.AddReaction("m1", "👍", "7")
	l.AddReader("m1", "7")

	// Stream echo of the same message must not wipe local merges.
	update := msgAt("m1", ts)
	update.Content = "edited"
	update.Reactions = map[string]map[string]struct{}{"👍": {"9": {}}}
	l.Upsert(update)

	view := l.View()
	if len(view) != 1 {
		t.Fatalf("expected one message, got %d", len(view))
	}
	got := view[0]
	if got.Content != "edited" {
		t.Fatalf("expected incoming content to win, got %q", got.Content)
	}
	users := got.Reactions["👍"]
	if _, ok := users["7"]; !ok {
		t.Fatal("expected prior reaction preserved")
	}
	if _, ok := users["9"]; !ok {
		t.Fatal("expected incoming reaction merged")
	}
	if _, ok := got.ReadBy["7"]; !ok {
		t.Fatal("expected prior reader preserved")
	}
}

func TestUpsertKeepsCreatedAtWhenIncomingIsZero(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("m1", ts))
	l.Upsert(Message{ID: "m1", Content: "edited"})

	if got := l.View()[0].CreatedAt; !got.Equal(ts) {
		t.Fatalf("expected createdAt preserved, got %v", got)
	}
}

func TestResetReplacesWholeLog(t *testing.T) {
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("m1", base.Add(10*time.Second)))

	l.Reset([]Message{
		msgAt("m3", base.Add(20*time.Second)),
		msgAt("m2", base.Add(5*time.Second)),
	})

	if got := viewIDs(l); !reflect.DeepEqual(got, []string{"m2", "m3"}) {
		t.Fatalf("expected snapshot to replace log, got %v", got)
	}
}

func TestReactionAndReaderIdempotence(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	l.Upsert(msgAt("m1", ts))

	l.AddReaction("m1", "🎉", "4")
	l.AddReaction("m1", "🎉", "4")
	l.AddReader("m1", "4")
	l.AddReader("m1", "4")

	got := l.View()[0]
	if len(got.Reactions["🎉"]) != 1 {
		t.Fatalf("expected one reacting user, got %v", got.Reactions)
	}
	if len(got.ReadBy) != 1 {
		t.Fatalf("expected one reader, got %v", got.ReadBy)
	}
}

func TestReactionOnUnknownMessageIgnored(t *testing.T) {
	l := NewLog()
	if l.AddReaction("nope", "👍", "1") {
		t.Fatal("expected reaction on unknown message to be ignored")
	}
	if l.AddReader("nope", "1") {
		t.Fatal("expected reader on unknown message to be ignored")
	}
}

func TestViewReturnsClones(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLog()
	msg := msgAt("m1", ts)
	msg.Reactions = map[string]map[string]struct{}{"👍": {"1": {}}}
	l.Upsert(msg)

	view := l.View()
	view[0].Reactions["👍"]["999"] = struct{}{}

	if len(l.View()[0].Reactions["👍"]) != 1 {
		t.Fatal("mutating a view leaked into the log")
	}
}
