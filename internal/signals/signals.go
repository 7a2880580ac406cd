// Package signals is a tiny in-process pub/sub used to wake long-running
// loops instead of having them wait for the next poll tick.
package signals

import (
	"sync"
)

type Signal string

// CampaignScheduled fires when a campaign enters SCHEDULED, so the dispatch
// loop can pick it up without waiting for the ticker.
const CampaignScheduled Signal = "campaign-scheduled"

var mu sync.RWMutex
var sigs = map[Signal][]chan struct{}{}

func Broadcast(channel Signal) {
	mu.RLock()
	defer mu.RUnlock()
	for _, c := range sigs[channel] {
		select {
		case c <- struct{}{}:
		default:
		}
	}
}

func Listen(channel Signal) (signal <-chan struct{}, cancel func()) {
	mu.Lock()
	defer mu.Unlock()
	c := make(chan struct{}, 1)

	sigs[channel] = append(sigs[channel], c)

	return c, func() {
		mu.Lock()
		defer mu.Unlock()

		var chans []chan struct{}
		for _, cc := range sigs[channel] {
			if cc == c {
				continue
			}
			chans = append(chans, cc)
		}
		sigs[channel] = chans
	}
}
