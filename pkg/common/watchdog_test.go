package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogFiresOnTimeout(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := WatchdogConfig{
		Timeout:   20 * time.Millisecond,
		OnTimeout: func() { fired <- struct{}{} },
	}

	channel := w.Start()
	defer channel.Close()

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("watchdog did not fire within the timeout window")
	}
}

func TestWatchdogNotifyResetsTimer(t *testing.T) {
	fired := make(chan struct{}, 1)
	w := WatchdogConfig{
		Timeout:   50 * time.Millisecond,
		OnTimeout: func() { fired <- struct{}{} },
	}

	channel := w.Start()
	defer channel.Close()

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		assert.True(t, channel.Notify())
	}

	select {
	case <-fired:
		t.Fatal("watchdog fired despite regular notifications")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestWatchdogNotifyAfterCloseReturnsFalse(t *testing.T) {
	w := WatchdogConfig{Timeout: time.Hour, OnTimeout: func() {}}
	channel := w.Start()
	channel.Close()
	assert.False(t, channel.Notify())
}
