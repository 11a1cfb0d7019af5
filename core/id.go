package core

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/orca-zhang/idgen"
)

var (
	ig  = idgen.NewIDGen(nil, 0)
	seq uint64
)

// NewID returns a process-unique id. idgen failures (clock moving
// backwards) fall back to a time and counter based id.
func NewID() int64 {
	id, err := ig.New()
	if err != nil || id <= 0 {
		return time.Now().UnixNano() + int64(atomic.AddUint64(&seq, 1))
	}
	return id
}

// NewIDString formats NewID in base 36, the form used for upload and request ids.
func NewIDString() string {
	return strconv.FormatInt(NewID(), 36)
}
