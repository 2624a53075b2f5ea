package panes

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestEventJSONOmitsZeroProducedAt(t *testing.T) {
	data, err := json.Marshal(Event{Kind: EventSourceEnded, Room: "r", Reason: "stream ended"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "producedAt") {
		t.Fatalf("zero producedAt should be omitted, got %s", data)
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	data, err = json.Marshal(Event{Kind: EventLog, Room: "r", Line: "x", ProducedAt: at})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"producedAt":"2024-05-01T10:00:00Z"`) {
		t.Fatalf("producedAt missing from %s", data)
	}
}
