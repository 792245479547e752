package script

import "sync"

// outbox delivers outbound commands off the unit's invocation, one at a
// time and in the order they were sent. A unit never waits for a command
// to complete.
type outbox struct {
	mu   sync.Mutex
	tail chan struct{} // closed when the most recently queued send finishes
	wg   sync.WaitGroup
}

// send queues fn behind every earlier send and returns immediately.
func (o *outbox) send(fn func()) {
	o.mu.Lock()
	prev := o.tail
	done := make(chan struct{})
	o.tail = done
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
}

// wait blocks until every queued send has finished.
func (o *outbox) wait() {
	o.wg.Wait()
}
