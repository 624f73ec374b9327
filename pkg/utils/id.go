package utils

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"sync/atomic"
	"time"
)

var objectIDCounter uint32

// GenerateID generates a 12-byte ObjectID-like string (24 hex characters):
// a 4-byte unix timestamp, 5 random bytes and a 3-byte counter.
func GenerateID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:9])
	c := atomic.AddUint32(&objectIDCounter, 1) % 0xFFFFFF
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// GenerateShortID returns the last 8 hex characters of GenerateID. It is
// used to tag the log lines and debug dumps of one request.
func GenerateShortID() string {
	id := GenerateID()
	return id[len(id)-8:]
}
