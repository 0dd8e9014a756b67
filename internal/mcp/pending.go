package mcp

import (
	"encoding/json"
	"sync"
	"time"
)

// callResult is what a waiting caller receives: either the raw result
// payload or an error.
type callResult struct {
	result json.RawMessage
	err    error
}

// pendingCall is a single outstanding request. ch is buffered so the
// receive loop never blocks delivering to a caller that already left.
type pendingCall struct {
	id      int64
	method  string
	created time.Time
	ch      chan callResult
}

// pendingCalls is the correlation state of one connection: an id counter
// and the map of outstanding requests. The mutex guards only map and
// counter updates; nobody waits while holding it.
type pendingCalls struct {
	mu       sync.Mutex
	nextID   int64
	waiting  map[int64]*pendingCall
	closeErr error
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{waiting: make(map[int64]*pendingCall)}
}

// register allocates the next id and a result slot. After failAll it
// returns the close error instead.
func (p *pendingCalls) register(method string) (*pendingCall, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closeErr != nil {
		return nil, p.closeErr
	}

	pc := &pendingCall{
		id:      p.nextID,
		method:  method,
		created: time.Now(),
		ch:      make(chan callResult, 1),
	}
	p.nextID++
	p.waiting[pc.id] = pc
	return pc, nil
}

// deliver fulfils the slot for id and removes it. It reports false when
// no caller is waiting for that id (late, duplicate or bogus response).
func (p *pendingCalls) deliver(id int64, res callResult) (*pendingCall, bool) {
	p.mu.Lock()
	pc, ok := p.waiting[id]
	if ok {
		delete(p.waiting, id)
	}
	p.mu.Unlock()

	if !ok {
		return nil, false
	}
	pc.ch <- res
	return pc, true
}

// forget drops a slot without fulfilling it. Used on timeout and
// cancellation so a stray late response is discarded.
func (p *pendingCalls) forget(id int64) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// failAll fulfils every outstanding slot with err and makes all future
// registrations fail with it. Only the first call has any effect.
func (p *pendingCalls) failAll(err error) int {
	p.mu.Lock()
	if p.closeErr != nil {
		p.mu.Unlock()
		return 0
	}
	p.closeErr = err
	waiting := p.waiting
	p.waiting = make(map[int64]*pendingCall)
	p.mu.Unlock()

	for _, pc := range waiting {
		pc.ch <- callResult{err: err}
	}
	return len(waiting)
}

// outstanding returns the number of calls currently waiting.
func (p *pendingCalls) outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}
