// Package ident generates identifiers for execution records and workspaces.
// Ids combine high-resolution time, the controller pid, and random entropy so
// that records created concurrently within the same clock tick never collide.
package ident

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// New returns a new identifier of the form
// <unix-nanos-base36>-<pid-base36>-<8 random hex bytes>.
func New() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails if the OS entropy source is broken;
		// fall back to the clock rather than panic.
		binaryFill(buf, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s-%s",
		strconv.FormatInt(time.Now().UnixNano(), 36),
		strconv.FormatInt(int64(os.Getpid()), 36),
		hex.EncodeToString(buf))
}

func binaryFill(buf []byte, v int64) {
	for i := range buf {
		buf[i] = byte(v >> (8 * i))
	}
}
