package ipcc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetFlagRaisesRx(t *testing.T) {
	t.Parallel()

	c := New()
	calls := 0
	c.HandleRx(CPU2ToCPU1, ChannelBLEEvent, func() {
		calls++
		assert.True(t, c.IsActive(CPU2ToCPU1, ChannelBLEEvent), "flag must be visible inside the handler")
	})

	c.SetFlag(CPU2ToCPU1, ChannelBLEEvent)
	assert.Equal(t, 1, calls)
	assert.True(t, c.IsActive(CPU2ToCPU1, ChannelBLEEvent))
	assert.False(t, c.IsActive(CPU1ToCPU2, ChannelBLEEvent), "directions are independent")

	c.ClearFlag(CPU2ToCPU1, ChannelBLEEvent)
	assert.False(t, c.IsActive(CPU2ToCPU1, ChannelBLEEvent))
}

func TestTxFreeIsOneShot(t *testing.T) {
	t.Parallel()

	c := New()
	fired := 0
	c.HandleTxFree(CPU1ToCPU2, ChannelMMReleaseBuf, func() { fired++ })

	c.SetFlag(CPU1ToCPU2, ChannelMMReleaseBuf)
	c.ArmTxFree(CPU1ToCPU2, ChannelMMReleaseBuf)
	assert.Equal(t, 0, fired, "busy channel must not fire")
	assert.True(t, c.IsArmed(CPU1ToCPU2, ChannelMMReleaseBuf))

	c.ClearFlag(CPU1ToCPU2, ChannelMMReleaseBuf)
	assert.Equal(t, 1, fired)
	assert.False(t, c.IsArmed(CPU1ToCPU2, ChannelMMReleaseBuf))

	c.SetFlag(CPU1ToCPU2, ChannelMMReleaseBuf)
	c.ClearFlag(CPU1ToCPU2, ChannelMMReleaseBuf)
	assert.Equal(t, 1, fired, "disarmed channel must not fire again")
}

func TestArmOnFreeChannelFiresImmediately(t *testing.T) {
	t.Parallel()

	c := New()
	fired := 0
	c.HandleTxFree(CPU1ToCPU2, ChannelMMReleaseBuf, func() { fired++ })

	c.ArmTxFree(CPU1ToCPU2, ChannelMMReleaseBuf)
	assert.Equal(t, 1, fired)
	assert.False(t, c.IsArmed(CPU1ToCPU2, ChannelMMReleaseBuf))
}

func TestHandlersMayReenter(t *testing.T) {
	t.Parallel()

	c := New()
	// An rx handler that acknowledges the flag from inside the interrupt,
	// which in turn fires the sender's armed tx-free handler.
	c.HandleRx(CPU2ToCPU1, ChannelSystemEvent, func() {
		c.ClearFlag(CPU2ToCPU1, ChannelSystemEvent)
	})
	freed := false
	c.HandleTxFree(CPU2ToCPU1, ChannelSystemEvent, func() { freed = true })

	c.SetFlag(CPU2ToCPU1, ChannelSystemEvent)
	c.ArmTxFree(CPU2ToCPU1, ChannelSystemEvent)
	assert.True(t, freed)
	assert.False(t, c.IsActive(CPU2ToCPU1, ChannelSystemEvent))
}

func TestStats(t *testing.T) {
	t.Parallel()

	c := New()
	assert.Empty(t, c.Stats())

	c.SetFlag(CPU2ToCPU1, ChannelBLEEvent)
	c.ClearFlag(CPU2ToCPU1, ChannelBLEEvent)
	c.SetFlag(CPU2ToCPU1, ChannelBLEEvent)

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, ChannelStats{Direction: "cpu2->cpu1", Channel: 1, Active: true, Sets: 2, Clears: 1}, stats[0])
}

func TestInvalidChannelPanics(t *testing.T) {
	t.Parallel()

	c := New()
	assert.Panics(t, func() { c.SetFlag(CPU1ToCPU2, 0) })
	assert.Panics(t, func() { c.IsActive(CPU2ToCPU1, NumChannels+1) })
}
