package common

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerRepeating(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	signal := make(chan struct{}, 16)
	callback := func() error {
		signal <- struct{}{}
		return nil
	}

	// Case 0: the callback fires repeatedly
	assert.Nil(uut.Start(time.Millisecond*20, callback))
	for itr := 0; itr < 3; itr++ {
		select {
		case <-signal:
		case <-time.After(time.Second):
			assert.FailNow("Timer did not fire")
		}
	}

	// Case 1: no further callbacks after stop
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 50)
	for len(signal) > 0 {
		<-signal
	}
	time.Sleep(time.Millisecond * 60)
	assert.Empty(signal)
}
