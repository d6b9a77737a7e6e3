package internal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Snowflake 布局：41 位毫秒时间戳 | 10 位实例 ID | 12 位序列号
const (
	SnowflakeEpoch = 1609459200000 // 2021-01-01 00:00:00 UTC
	InstanceIDBits = 10
	SequenceBits   = 12

	MaxInstanceID = (1 << InstanceIDBits) - 1
	MaxSequence   = (1 << SequenceBits) - 1

	InstanceIDShift = SequenceBits
	TimestampShift  = InstanceIDBits + SequenceBits
)

// ErrClockBackwards 当前时间早于上次生成 ID 的时间
var ErrClockBackwards = errors.New("clock moved backwards")

// SnowflakeGenerator 并发安全的 Snowflake 生成器
type SnowflakeGenerator struct {
	mu         sync.Mutex
	clock      clock.Clock
	instanceID int64
	sequence   int64
	lastTime   int64
}

// NewSnowflakeGenerator instanceID 超出 [0, MaxInstanceID] 时返回错误
func NewSnowflakeGenerator(instanceID int64, clk clock.Clock) (*SnowflakeGenerator, error) {
	if instanceID < 0 || instanceID > MaxInstanceID {
		return nil, fmt.Errorf("instance id %d out of range [0, %d]", instanceID, MaxInstanceID)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SnowflakeGenerator{clock: clk, instanceID: instanceID}, nil
}

func (g *SnowflakeGenerator) now() int64 {
	return g.clock.Now().UnixMilli() - SnowflakeEpoch
}

// Generate 同一毫秒内序列号耗尽时等待下一毫秒
func (g *SnowflakeGenerator) Generate() (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.now()
	if current < g.lastTime {
		return 0, fmt.Errorf("%w: last %d, now %d", ErrClockBackwards, g.lastTime, current)
	}

	if current == g.lastTime {
		g.sequence = (g.sequence + 1) & MaxSequence
		if g.sequence == 0 {
			for current <= g.lastTime {
				g.clock.Sleep(100 * time.Microsecond)
				current = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastTime = current

	return (current << TimestampShift) | (g.instanceID << InstanceIDShift) | g.sequence, nil
}

// InstanceID 生成器使用的实例 ID
func (g *SnowflakeGenerator) InstanceID() int64 {
	return g.instanceID
}

// Parse 拆分 ID，timestamp 为相对 SnowflakeEpoch 的毫秒数
func Parse(id int64) (timestamp, instanceID, sequence int64) {
	return id >> TimestampShift, (id >> InstanceIDShift) & MaxInstanceID, id & MaxSequence
}

// TimeOf 返回 ID 中编码的生成时间
func TimeOf(id int64) time.Time {
	ts, _, _ := Parse(id)
	return time.UnixMilli(SnowflakeEpoch + ts)
}
