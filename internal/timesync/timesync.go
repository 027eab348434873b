// Package timesync builds NT4 time-sync replies. The exchange is stateless
// on the server (§4.6): the broker never stores a client's clock offset, it
// only echoes the request fields alongside its own monotonic clock reading.
package timesync

import (
	"time"

	"github.com/tenzoki/nt4broker/internal/wire"
)

// Clock returns the current server time in microseconds since an arbitrary,
// process-local epoch. It is monotonic for the lifetime of the process.
type Clock func() int64

// processStart is SystemClock's epoch.
var processStart = time.Now()

// SystemClock is a Clock backed by time.Now, suitable for production use.
// time.Since uses the monotonic clock reading, so wall-clock adjustments do
// not move it.
func SystemClock() int64 {
	return time.Since(processStart).Microseconds()
}

// Reply builds the response frame to a client's time-sync request, echoing
// ClientIndex and Seq verbatim and filling ServerTimeUS from clock.
func Reply(req wire.TimeSyncRequest, clock Clock) wire.TimeSyncResponse {
	return wire.TimeSyncResponse{
		ClientIndex:  req.ClientIndex,
		Seq:          req.Seq,
		ClientTimeUS: req.ClientTimeUS,
		ServerTimeUS: clock(),
	}
}
