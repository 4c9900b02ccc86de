package agent

import (
	"crypto/rand"
	"fmt"
	"time"
)

// Crockford base32: no I, L, O, U.
const idAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// NewID returns a fresh agent id: "agt:" + 10 chars of millisecond time +
// 16 random chars, all Crockford base32. Time-prefixed so ids sort by
// creation order.
func NewID() string {
	return "agt:" + encodeTime(time.Now().UnixMilli(), 10) + randomChars(16)
}

// ForkID derives a child id from its parent: "{parent}/fork:{epoch}".
func ForkID(parent string, epoch int64) string {
	return fmt.Sprintf("%s/fork:%d", parent, epoch)
}

// SnapshotID names a snapshot after the safe fence point it captures.
func SnapshotID(lastSfpIndex int) string {
	return fmt.Sprintf("sfp:%d", lastSfpIndex)
}

func encodeTime(ms int64, n int) string {
	buf := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		buf[i] = idAlphabet[ms&31]
		ms >>= 5
	}
	return string(buf)
}

func randomChars(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		// crypto/rand failing means the platform is broken; fall back to time.
		for i := range raw {
			raw[i] = byte(time.Now().UnixNano() >> (i * 3))
		}
	}
	buf := make([]byte, n)
	for i, b := range raw {
		buf[i] = idAlphabet[int(b)&31]
	}
	return string(buf)
}
