package metadata

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	if cloned := m.Clone(); cloned == nil || len(cloned) != 0 {
		t.Fatal("expected empty non-nil map")
	}
}

func TestWithSkipsEmptyValues(t *testing.T) {
	base := Metadata{KeyEventKind: "user_analytics"}
	enriched := base.With(KeyPartitionKey, "u1").With(KeyCorrelationID, "")
	if base.Get(KeyPartitionKey) != "" {
		t.Fatal("expected base map to remain unchanged")
	}
	if enriched.Get(KeyPartitionKey) != "u1" {
		t.Fatal("expected partition key to be set")
	}
	if _, ok := enriched[KeyCorrelationID]; ok {
		t.Fatal("expected empty value to be skipped")
	}

	merged := enriched.WithAll(Metadata{"alpha": "beta"})
	if merged["alpha"] != "beta" || merged[KeyEventKind] != "user_analytics" {
		t.Fatalf("unexpected merge result %#v", merged)
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "dangling")
	if md["key"] != "value" || len(md) != 1 {
		t.Fatalf("unexpected metadata %#v", md)
	}
}

func TestWatermillConversion(t *testing.T) {
	msg := message.NewMessage("id", nil)
	msg.Metadata.Set(KeyCorrelationID, "keep")

	Apply(msg, Metadata{KeyCorrelationID: "overwrite", KeyEventID: "e1"})
	if msg.Metadata.Get(KeyCorrelationID) != "keep" {
		t.Fatal("expected existing header to win")
	}
	if msg.Metadata.Get(KeyEventID) != "e1" {
		t.Fatal("expected new header to be applied")
	}

	back := FromWatermill(msg.Metadata)
	back[KeyEventID] = "mutated"
	if msg.Metadata.Get(KeyEventID) != "e1" {
		t.Fatal("expected FromWatermill to copy")
	}
}
