package handshake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefender_PerIPBurstThenReject(t *testing.T) {
	d := NewDefender(Config{
		Enabled: true, GlobalBurst: 1000, GlobalRPS: 1000,
		PerIPBurst: 1, PerIPRPS: 1, MaxIPEntries: 1000,
	})

	ok, _ := d.Check("1.2.3.4")
	assert.True(t, ok)

	ok, retryAfter := d.Check("1.2.3.4")
	assert.False(t, ok)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestDefender_DifferentIPsIndependent(t *testing.T) {
	d := NewDefender(Config{Enabled: true, GlobalBurst: 1000, GlobalRPS: 1000, PerIPBurst: 1, PerIPRPS: 1, MaxIPEntries: 1000})

	ok1, _ := d.Check("1.1.1.1")
	ok2, _ := d.Check("2.2.2.2")
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestDefender_Disabled(t *testing.T) {
	d := NewDefender(Config{Enabled: false, PerIPBurst: 1, PerIPRPS: 1, MaxIPEntries: 1})
	for i := 0; i < 10; i++ {
		ok, _ := d.Check("1.1.1.1")
		assert.True(t, ok)
	}
}

func TestLeakyBucket_RefillsOverTime(t *testing.T) {
	b := NewLeakyBucket(1, 1000)
	ok, _ := b.TryTake(1)
	assert.True(t, ok)

	ok, _ = b.TryTake(1)
	assert.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	ok, _ = b.TryTake(1)
	assert.True(t, ok)
}
