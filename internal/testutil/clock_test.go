package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClock_DefaultsToEpoch(t *testing.T) {
	clock := NewFakeClock(time.Time{}, 0)
	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch, clock.Now(), "zero step never advances")
}

func TestFakeClock_StepsOnEveryNow(t *testing.T) {
	clock := NewFakeClock(Epoch, time.Millisecond)

	assert.Equal(t, Epoch, clock.Now())
	assert.Equal(t, Epoch.Add(time.Millisecond), clock.Now())
	assert.Equal(t, Epoch.Add(2*time.Millisecond), clock.Peek())
}

func TestFakeClock_Advance(t *testing.T) {
	clock := NewFakeClock(Epoch, 0)
	clock.Advance(time.Hour)
	assert.Equal(t, Epoch.Add(time.Hour), clock.Peek())
}

func TestFakeClock_ConcurrentAccess(t *testing.T) {
	clock := NewFakeClock(Epoch, time.Nanosecond)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				clock.Now()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, Epoch.Add(1000*time.Nanosecond), clock.Peek())
}
