package connector

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ghostlink/core/internal/rendezvous"
)

// punchHole executes one HolePunchPlan: it waits until Plan.StartTime,
// then sends Plan.MagicBytes to Plan.Target every Plan.Interval for
// Plan.Duration while listening on the same socket for the peer doing
// the identical thing back to us. It returns nil the moment the peer's
// magic bytes are observed (the simultaneous-open succeeded and the
// local UDP port now has a NAT binding open toward the peer), or an
// error if the window elapses first. Runs independently of the
// relay-carried SDP exchange in tryP2P; either may win the race.
func punchHole(ctx context.Context, plan *rendezvous.HolePunchPlan) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
	if err != nil {
		return fmt.Errorf("open hole-punch socket: %w", err)
	}
	defer conn.Close()

	return runPunch(ctx, conn, plan)
}

// runPunch drives the send/listen loop over an already-bound socket; split
// out from punchHole so tests can supply two sockets pointed at each other
// without needing real NAT bindings.
func runPunch(ctx context.Context, conn *net.UDPConn, plan *rendezvous.HolePunchPlan) error {
	targetAddr, err := net.ResolveUDPAddr("udp", plan.Target)
	if err != nil {
		return fmt.Errorf("resolve hole-punch target: %w", err)
	}

	if wait := time.Until(plan.StartTime); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	deadline := plan.StartTime.Add(plan.Duration)
	if deadline.Before(time.Now()) {
		deadline = time.Now().Add(plan.Duration)
	}
	_ = conn.SetDeadline(deadline)

	magic := []byte(plan.MagicBytes)
	received := make(chan struct{}, 1)
	go func() {
		buf := make([]byte, len(magic)+16)
		for {
			n, _, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if string(buf[:n]) == plan.MagicBytes {
				select {
				case received <- struct{}{}:
				default:
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(plan.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-received:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return fmt.Errorf("hole punch window elapsed without a reply from %s", plan.Target)
			}
			if _, err := conn.WriteToUDP(magic, targetAddr); err != nil {
				return fmt.Errorf("write hole-punch probe: %w", err)
			}
		}
	}
}
