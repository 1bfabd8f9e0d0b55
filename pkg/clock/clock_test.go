package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeFiresInDeadlineOrder(t *testing.T) {
	c := NewFake()
	var fired []string

	c.AfterFunc(2*time.Second, func() { fired = append(fired, "b") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "a") })
	c.AfterFunc(10*time.Second, func() { fired = append(fired, "late") })

	c.Advance(1999 * time.Millisecond)
	assert.Equal(t, []string{"a"}, fired)

	c.Advance(time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, 1, c.Pending())
}

func TestFakeStop(t *testing.T) {
	c := NewFake()
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	assert.True(t, timer.Stop())
	assert.False(t, timer.Stop())

	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestFakeNestedTimers(t *testing.T) {
	c := NewFake()
	start := c.Now()
	var at []time.Duration

	c.AfterFunc(time.Second, func() {
		at = append(at, c.Now().Sub(start))
		c.AfterFunc(time.Second, func() {
			at = append(at, c.Now().Sub(start))
		})
	})

	c.Advance(5 * time.Second)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, at)
	assert.Equal(t, 5*time.Second, c.Now().Sub(start))
}

func TestSerializedPostsCallbacks(t *testing.T) {
	fake := NewFake()
	var queue []func()
	c := Serialized(fake, func(f func()) { queue = append(queue, f) })

	fired := 0
	c.AfterFunc(time.Second, func() { fired++ })
	stopped := c.AfterFunc(time.Second, func() { fired += 10 })

	fake.Advance(time.Second)
	assert.Len(t, queue, 2)
	assert.Equal(t, 0, fired)

	// Stopping after the timer fired but before the loop ran it.
	assert.True(t, stopped.Stop())
	for _, f := range queue {
		f()
	}
	assert.Equal(t, 1, fired)
}
