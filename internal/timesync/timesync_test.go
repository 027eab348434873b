package timesync

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tenzoki/nt4broker/internal/wire"
)

func TestReplyEchoesRequestFields(t *testing.T) {
	req := wire.TimeSyncRequest{ClientIndex: 2, Seq: 42, ClientTimeUS: 5000}
	clock := func() int64 { return 1234567 }

	resp := Reply(req, clock)

	assert.Equal(t, req.ClientIndex, resp.ClientIndex)
	assert.Equal(t, req.Seq, resp.Seq)
	assert.Equal(t, req.ClientTimeUS, resp.ClientTimeUS)
	assert.EqualValues(t, 1234567, resp.ServerTimeUS)
}

func TestSystemClockIsMonotonicIncreasing(t *testing.T) {
	first := SystemClock()
	second := SystemClock()
	assert.GreaterOrEqual(t, second, first)
}
