package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader matches the teacher's websocket.go defaults: generous buffers,
// origin checking left to whatever reverse proxy fronts the operator
// console.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Snapshot is one point-in-time view of the cluster, pushed to every
// connected admin feed client.
type Snapshot struct {
	Sites        []Site            `json:"sites"`
	Transactions []Transaction     `json:"transactions"`
	WaitForGraph map[uint64]uint64 `json:"waitForGraph"`
	Stats        Stats             `json:"stats"`
}

// Feed pushes periodic Snapshots of a Source over WebSocket, grounded on
// the teacher's HandleChangeStream: upgrade, defer cleanup, a ticker-driven
// write loop, and a reader goroutine whose only job is to notice the
// client going away.
type Feed struct {
	source   Source
	interval time.Duration
}

// NewFeed builds a Feed that samples source every interval (zero defaults
// to one second, frequent enough to show a deadlock sweep landing without
// hammering the controller's mutex).
func NewFeed(source Source, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = time.Second
	}
	return &Feed{source: source, interval: interval}
}

// ServeHTTP upgrades the connection and streams snapshots until the client
// disconnects or the request context is cancelled.
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// A client never sends anything meaningful on this feed; the reader
	// goroutine exists only to notice a close frame or a dropped socket.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	if err := f.writeSnapshot(conn); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeSnapshot(conn); err != nil {
				return
			}
		}
	}
}

func (f *Feed) writeSnapshot(conn *websocket.Conn) error {
	snap := Snapshot{
		Sites:        f.source.Sites(),
		Transactions: f.source.Transactions(),
		WaitForGraph: f.source.WaitForGraph(),
		Stats:        f.source.Stats(),
	}
	return conn.WriteJSON(snap)
}
