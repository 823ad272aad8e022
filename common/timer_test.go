package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value atomic.Int64
	callback := func() error {
		value.Add(1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int64(1), value.Load())

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int64(1), value.Load())
	assert.False(uut.Running())

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 80)
	assert.Equal(int64(2), value.Load())
}

func TestIntervalTimerPeriodic(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance(ctxt, "testing", &wg)
	assert.Nil(err)

	var value atomic.Int64
	callback := func() error {
		value.Add(1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*20, callback, false))
	assert.True(uut.Running())
	time.Sleep(time.Millisecond * 110)
	assert.Nil(uut.Stop())
	assert.False(uut.Running())
	fired := value.Load()
	assert.GreaterOrEqual(fired, int64(3))

	// No more calls after stop
	time.Sleep(time.Millisecond * 60)
	assert.Equal(fired, value.Load())

	// Stop is idempotent
	assert.Nil(uut.Stop())
}
