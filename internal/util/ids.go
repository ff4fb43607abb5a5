package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns prefix_ULID. ULIDs sort by creation time, which keeps activity and
// run tables index friendly.
func NewID(prefix string) string {
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

func NewActivityID() string { return NewID("act") }

func NewRunID() string { return NewID("run") }

func NowUTC() time.Time {
	return time.Now().UTC()
}
