package admin

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestFeedPushesAnInitialSnapshotImmediately(t *testing.T) {
	feed := NewFeed(testSource(), 50*time.Millisecond)
	server := httptest.NewServer(feed)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial feed: %v", err)
	}
	defer conn.Close()

	var snap Snapshot
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("failed to read initial snapshot: %v", err)
	}
	if len(snap.Sites) != 2 {
		t.Fatalf("expected 2 sites in snapshot, got %d", len(snap.Sites))
	}
	if snap.Stats.LocksGranted != 5 {
		t.Fatalf("expected stats to be carried through, got %+v", snap.Stats)
	}
}

func TestFeedPushesAdditionalSnapshotsOnInterval(t *testing.T) {
	feed := NewFeed(testSource(), 10*time.Millisecond)
	server := httptest.NewServer(feed)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial feed: %v", err)
	}
	defer conn.Close()

	var first, second Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("failed to read first snapshot: %v", err)
	}
	if err := conn.ReadJSON(&second); err != nil {
		t.Fatalf("failed to read second snapshot: %v", err)
	}
}
