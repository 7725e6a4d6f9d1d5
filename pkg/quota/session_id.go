package quota

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewSessionID creates a session ID like sess_20260221_a3f9c2.
func NewSessionID(now time.Time) string {
	b := make([]byte, 3)
	_, _ = rand.Read(b)
	return fmt.Sprintf("sess_%s_%s", now.UTC().Format("20060102"), hex.EncodeToString(b))
}
