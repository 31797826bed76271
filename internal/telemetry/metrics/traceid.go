package metrics

import (
	"strconv"
	"sync/atomic"
	"time"
)

var traceSeq atomic.Uint64

// NewTraceID mints a per-connection trace id as "{nanos_hex}-{seq_hex}": a
// wall-clock component for rough ordering plus a monotonic sequence so two
// connections minted in the same nanosecond still get distinct ids.
func NewTraceID(now time.Time) string {
	seq := traceSeq.Add(1)
	return strconv.FormatInt(now.UnixNano(), 16) + "-" + strconv.FormatUint(seq, 16)
}
