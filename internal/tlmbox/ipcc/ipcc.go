// Package ipcc models the inter-processor communication controller: one flag
// per channel and direction, an rx-occupied interrupt on the receiving side
// and a one-shot tx-free interrupt on the sending side.
//
// Handlers run synchronously on the goroutine that changed the flag, the way
// an interrupt preempts whatever the core was doing. They must not block.
package ipcc

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NumChannels is the number of channels in each direction.
const NumChannels = 6

// Channel is a 1-based IPCC channel number.
type Channel int

// CPU1 -> CPU2 channels.
const (
	ChannelBLECmd       Channel = 1
	ChannelSystemCmdRsp Channel = 2
	ChannelThreadCmdRsp Channel = 3
	ChannelMMReleaseBuf Channel = 4
	ChannelBLELLDCmd    Channel = 5
	ChannelHCIACLData   Channel = 6
)

// CPU2 -> CPU1 channels.
const (
	ChannelBLEEvent     Channel = 1
	ChannelSystemEvent  Channel = 2
	ChannelThreadNotify Channel = 3
	ChannelTraces       Channel = 4
	ChannelBLELLDRsp    Channel = 5
)

// Direction selects which core owns the flag.
type Direction int

const (
	CPU1ToCPU2 Direction = iota
	CPU2ToCPU1
)

func (d Direction) String() string {
	if d == CPU1ToCPU2 {
		return "cpu1->cpu2"
	}
	return "cpu2->cpu1"
}

func (c Channel) valid() bool { return c >= 1 && c <= NumChannels }

type channelState struct {
	flag   atomic.Bool
	armed  bool // tx-free interrupt unmasked, guarded by Controller.mu
	rx     func()
	txFree func()

	sets   atomic.Uint64
	clears atomic.Uint64
}

// Controller holds the flags of both directions.
type Controller struct {
	mu    sync.Mutex
	state [2][NumChannels]channelState
}

// New returns a controller with every flag clear and every interrupt masked.
func New() *Controller {
	return &Controller{}
}

func (c *Controller) ch(dir Direction, ch Channel) *channelState {
	if !ch.valid() || (dir != CPU1ToCPU2 && dir != CPU2ToCPU1) {
		panic(fmt.Sprintf("ipcc: invalid channel %s/%d", dir, ch))
	}
	return &c.state[dir][ch-1]
}

// HandleRx installs the rx-occupied handler the receiving core runs when the
// sender sets the flag. A nil handler masks the interrupt.
func (c *Controller) HandleRx(dir Direction, ch Channel, h func()) {
	s := c.ch(dir, ch)
	c.mu.Lock()
	s.rx = h
	c.mu.Unlock()
}

// HandleTxFree installs the handler the sending core runs when an armed
// channel becomes free.
func (c *Controller) HandleTxFree(dir Direction, ch Channel, h func()) {
	s := c.ch(dir, ch)
	c.mu.Lock()
	s.txFree = h
	c.mu.Unlock()
}

// SetFlag marks the channel occupied and raises the receiver's interrupt.
func (c *Controller) SetFlag(dir Direction, ch Channel) {
	s := c.ch(dir, ch)
	s.flag.Store(true)
	s.sets.Add(1)

	c.mu.Lock()
	h := s.rx
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// ClearFlag marks the channel free. If the sender armed the tx-free
// interrupt it is disarmed and its handler runs.
func (c *Controller) ClearFlag(dir Direction, ch Channel) {
	s := c.ch(dir, ch)
	c.mu.Lock()
	s.flag.Store(false)
	s.clears.Add(1)
	h := c.takeTxFreeLocked(s)
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// IsActive reports whether the channel flag is set.
func (c *Controller) IsActive(dir Direction, ch Channel) bool {
	return c.ch(dir, ch).flag.Load()
}

// ArmTxFree unmasks the tx-free interrupt. Like the hardware, unmasking a
// channel that is already free fires immediately, so a release that races
// with the clear is never lost.
func (c *Controller) ArmTxFree(dir Direction, ch Channel) {
	s := c.ch(dir, ch)
	c.mu.Lock()
	s.armed = true
	var h func()
	if !s.flag.Load() {
		h = c.takeTxFreeLocked(s)
	}
	c.mu.Unlock()
	if h != nil {
		h()
	}
}

// IsArmed reports whether the tx-free interrupt is unmasked.
func (c *Controller) IsArmed(dir Direction, ch Channel) bool {
	s := c.ch(dir, ch)
	c.mu.Lock()
	defer c.mu.Unlock()
	return s.armed
}

func (c *Controller) takeTxFreeLocked(s *channelState) func() {
	if !s.armed {
		return nil
	}
	s.armed = false
	return s.txFree
}

// ChannelStats counts flag transitions on one channel.
type ChannelStats struct {
	Direction string `json:"direction"`
	Channel   int    `json:"channel"`
	Active    bool   `json:"active"`
	Sets      uint64 `json:"sets"`
	Clears    uint64 `json:"clears"`
}

// Stats returns the counters of every channel that has seen traffic.
func (c *Controller) Stats() []ChannelStats {
	var out []ChannelStats
	for _, dir := range []Direction{CPU1ToCPU2, CPU2ToCPU1} {
		for i := range c.state[dir] {
			s := &c.state[dir][i]
			sets, clears := s.sets.Load(), s.clears.Load()
			if sets == 0 && clears == 0 {
				continue
			}
			out = append(out, ChannelStats{
				Direction: dir.String(),
				Channel:   i + 1,
				Active:    s.flag.Load(),
				Sets:      sets,
				Clears:    clears,
			})
		}
	}
	return out
}
