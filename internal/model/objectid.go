package model

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"regexp"
	"time"
)

var objectIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// IsObjectID reports whether id is a persisted identifier: 24 hexadecimal
// characters. Anything else belongs to a match that was never stored.
func IsObjectID(id string) bool {
	return objectIDPattern.MatchString(id)
}

// NewObjectID returns a 24 character hex id whose first four bytes carry the
// creation time in seconds, so ids sort roughly by creation.
func NewObjectID() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[:4], uint32(time.Now().Unix()))

	// rand.Read() never returns an error.
	_, _ = rand.Read(b[4:])
	return hex.EncodeToString(b[:])
}
