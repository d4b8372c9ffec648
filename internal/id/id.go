// Package id provides unique identifier generation for polyport.
//
// Two formats are offered:
//
//   - UUID: standard UUID v4 for general-purpose identifiers
//   - Conn: short, time-ordered identifiers for connections, built from a
//     millisecond timestamp and random tail so log lines for one server sort
//     chronologically
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UUID generates a UUID v4 (random).
func UUID() string {
	return uuid.NewString()
}

var (
	connMu      sync.Mutex
	connLastMs  int64
	connCounter uint16
)

// Conn generates a connection identifier of the form "c-<ms-hex>-<rand-hex>".
// Identifiers generated by one process sort in creation order at millisecond
// granularity, which keeps per-connection log output easy to correlate.
func Conn() string {
	connMu.Lock()
	now := time.Now().UnixMilli()
	if now == connLastMs {
		connCounter++
	} else {
		connLastMs = now
		connCounter = 0
	}
	counter := connCounter
	connMu.Unlock()

	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("c-%011x%04x-%s", now, counter, hex.EncodeToString(b))
}
