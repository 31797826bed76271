package gateway

import (
	"strconv"
	"sync/atomic"
)

var sessionSeq atomic.Uint64

// nextSessionID mints a server-generated monotonic hex id when the client
// didn't supply its own ?sid=.
func nextSessionID() string {
	return strconv.FormatUint(sessionSeq.Add(1), 16)
}
