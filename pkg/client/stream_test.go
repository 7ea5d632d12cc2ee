package client

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterui/realtime/pkg/wire"
)

func TestStreamDeliverDropsOldestWhenFull(t *testing.T) {
	s := NewStream("c1", nil)

	for i := 0; i < streamBuffer+3; i++ {
		require.True(t, s.Deliver(&wire.Response{Type: wire.FrameStream, Channel: "c1", Body: strconv.Itoa(i)}))
	}
	assert.EqualValues(t, 3, s.Dropped())
	require.Len(t, s.C, streamBuffer)

	first := <-s.C
	assert.Equal(t, "3", first.Body)
	var last *wire.Response
	for len(s.C) > 0 {
		last = <-s.C
	}
	assert.Equal(t, strconv.Itoa(streamBuffer+2), last.Body)
}

func TestStreamDeliverAfterEnd(t *testing.T) {
	ended := 0
	s := NewStream("c1", func() { ended++ })
	s.End()
	s.End()

	assert.Equal(t, 1, ended)
	assert.False(t, s.Deliver(&wire.Response{Type: wire.FrameStream}))
	assert.Empty(t, s.C)
}
