// Package announce publishes a coordinator's boundary endpoint so worker
// processes can discover and attach to it (spec §4.2, C2). The pack carries
// no pub/sub messaging library (no ZeroMQ/NATS binding), so this is
// implemented directly over a UDP broadcast beacon using net.UDPConn — see
// DESIGN.md for why no third-party library was reached for here.
package announce

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

const (
	beaconInterval = 250 * time.Millisecond
	maxDatagram    = 1024
)

// Beacon periodically broadcasts "<analysisID> <address>" datagrams so a
// worker that starts after the coordinator can still discover it.
type Beacon struct {
	logger     *slog.Logger
	broadcast  string // e.g. "255.255.255.255:9999" or a unicast test address.
	mu         sync.Mutex
	live       map[string]string // analysisID -> boundary address.
	cancelFunc map[string]context.CancelFunc
}

// NewBeacon creates a beacon that broadcasts to addr.
func NewBeacon(addr string, logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}

	return &Beacon{
		logger:     logger,
		broadcast:  addr,
		live:       make(map[string]string),
		cancelFunc: make(map[string]context.CancelFunc),
	}
}

// Announce starts broadcasting boundaryAddr under analysisID until Cancel is
// called for that id. Safe to call concurrently for distinct ids; per
// spec §1 Non-goals, one coordinator instance serves exactly one analysis,
// so in practice exactly one id is ever live.
func (b *Beacon) Announce(ctx context.Context, analysisID, boundaryAddr string) error {
	conn, err := net.Dial("udp4", b.broadcast)
	if err != nil {
		return fmt.Errorf("announce: dial %s: %w", b.broadcast, err)
	}

	beaconCtx, cancel := context.WithCancel(ctx)

	b.mu.Lock()
	b.live[analysisID] = boundaryAddr
	b.cancelFunc[analysisID] = cancel
	b.mu.Unlock()

	go b.loop(beaconCtx, conn, analysisID, boundaryAddr)

	return nil
}

func (b *Beacon) loop(ctx context.Context, conn net.Conn, analysisID, boundaryAddr string) {
	defer conn.Close()

	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	payload := []byte(fmt.Sprintf("%s %s", analysisID, boundaryAddr))
	if len(payload) > maxDatagram {
		b.logger.Warn("announce: payload truncated", "analysis_id", analysisID)
		payload = payload[:maxDatagram]
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := conn.Write(payload); err != nil {
				b.logger.Debug("announce: beacon write failed", "analysis_id", analysisID, "error", err)
			}
		}
	}
}

// Cancel stops announcing analysisID. After Cancel returns, no further
// beacon datagrams for that id are sent (spec §4.2).
func (b *Beacon) Cancel(analysisID string) {
	b.mu.Lock()
	cancel, ok := b.cancelFunc[analysisID]
	delete(b.cancelFunc, analysisID)
	delete(b.live, analysisID)
	b.mu.Unlock()

	if ok {
		cancel()
	}
}

// Address returns the currently announced address for analysisID, if any.
func (b *Beacon) Address(analysisID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addr, ok := b.live[analysisID]

	return addr, ok
}
