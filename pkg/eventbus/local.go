package eventbus

import (
	"context"
	"sync"

	"github.com/reelflow/reelflow/pkg/model"
)

// LocalBus is the in-process Broker used when redis is disabled. Slow
// subscribers miss events rather than stall the publisher.
type LocalBus struct {
	mu   sync.Mutex
	subs map[string]map[chan *Event]struct{}
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[chan *Event]struct{})}
}

func (b *LocalBus) StageChanged(ctx context.Context, wf *model.Workflow, from model.Stage) {
	event, err := stageChangeEvent(wf, from)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[wf.Brand] {
		e := event
		select {
		case ch <- &e:
		default:
		}
	}
}

func (b *LocalBus) Subscribe(ctx context.Context, brand string) <-chan *Event {
	ch := make(chan *Event, 100)

	b.mu.Lock()
	if b.subs[brand] == nil {
		b.subs[brand] = make(map[chan *Event]struct{})
	}
	b.subs[brand][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs[brand], ch)
		if len(b.subs[brand]) == 0 {
			delete(b.subs, brand)
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch
}
