package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcperr"
	"github.com/vikashloomba/mcp-session-daemon-go/pkg/mcpmgr"
)

// lane is the FIFO of one connection.
type lane struct {
	conn     *mcpmgr.Connection
	sessions Resolver
	log      *slog.Logger
	onExit   func()

	mu      sync.Mutex
	queue   []*PendingCall
	pending map[string]*PendingCall
	active  *PendingCall
	dead    bool

	wake chan struct{}
}

func newLane(conn *mcpmgr.Connection, sessions Resolver, log *slog.Logger) *lane {
	return &lane{
		conn:     conn,
		sessions: sessions,
		log:      log.With("server", conn.Server, "connection", conn.ID),
		pending:  make(map[string]*PendingCall),
		wake:     make(chan struct{}, 1),
	}
}

func (l *lane) enqueue(pc *PendingCall) error {
	l.mu.Lock()
	if l.dead {
		l.mu.Unlock()
		return l.lostError(nil)
	}
	pc.lane = l
	l.queue = append(l.queue, pc)
	l.pending[pc.ID] = pc
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

func (l *lane) run() {
	defer l.onExit()
	for {
		pc, ok := l.next()
		if !ok {
			l.failQueued(l.lostError(l.conn.Fault()))
			return
		}
		if lost := l.execute(pc); lost != nil {
			l.failQueued(lost)
			return
		}
	}
}

// next pops the head of the queue, waiting for work. It reports false once
// the connection is no longer Ready.
func (l *lane) next() (*PendingCall, bool) {
	for {
		if l.conn.State() != mcpmgr.StateReady {
			return nil, false
		}
		l.mu.Lock()
		if len(l.queue) > 0 {
			pc := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.active = pc
			l.mu.Unlock()
			return pc, true
		}
		l.mu.Unlock()
		select {
		case <-l.wake:
		case <-l.conn.Done():
		}
	}
}

// execute sends one call and delivers its outcome. It returns a non-nil
// error when the transport was lost.
func (l *lane) execute(pc *PendingCall) error {
	ctx, cancel := context.WithDeadline(context.Background(), pc.Deadline)
	defer cancel()

	l.mu.Lock()
	if pc.abandoned || !time.Now().Before(pc.Deadline) {
		l.finishLocked(pc)
		l.mu.Unlock()
		pc.deliver(nil, mcperr.Call(mcperr.Timeout, context.DeadlineExceeded, "call %s expired before it was sent", pc.ID))
		return nil
	}
	pc.cancel = cancel
	l.mu.Unlock()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-l.conn.Done():
			cancel()
		case <-stop:
		}
	}()

	res, err := l.conn.Session().CallTool(ctx, &mcp.CallToolParams{
		Name:      pc.call.Name,
		Arguments: pc.call.Arguments,
	})

	l.mu.Lock()
	l.finishLocked(pc)
	l.mu.Unlock()

	switch {
	case err == nil:
		pc.deliver(res, nil)
		return nil
	case l.conn.State() != mcpmgr.StateReady:
		lost := l.lostError(err)
		pc.deliver(nil, lost)
		if l.conn.Degrade(lost) {
			l.log.Warn("transport lost during call", "call", pc.ID, "error", err)
		}
		return lost
	case ctx.Err() != nil:
		pc.deliver(nil, mcperr.Call(mcperr.Timeout, ctx.Err(), "call %s to %q timed out", pc.ID, pc.server))
		return nil
	default:
		pc.deliver(nil, mcperr.Call(mcperr.Rejected, err, "%s rejected %s", pc.server, pc.call.Name))
		return nil
	}
}

func (l *lane) finishLocked(pc *PendingCall) {
	delete(l.pending, pc.ID)
	if l.active == pc {
		l.active = nil
	}
}

func (l *lane) lostError(cause error) error {
	if cause == nil {
		cause = l.conn.Fault()
	}
	return mcperr.Call(mcperr.TransportLost, cause, "connection to %q lost", l.conn.Server)
}

// failQueued marks the lane dead and fails every queued call in order.
func (l *lane) failQueued(err error) {
	l.mu.Lock()
	l.dead = true
	queued := l.queue
	l.queue = nil
	for _, pc := range queued {
		delete(l.pending, pc.ID)
	}
	l.mu.Unlock()
	for _, pc := range queued {
		pc.deliver(nil, err)
	}
	if len(queued) > 0 {
		l.log.Warn("failed queued calls", "count", len(queued), "error", err)
	}
}

// abandon forgets a call whose caller stopped waiting. A queued call is
// removed; an active one is cancelled on the wire.
func (l *lane) abandon(pc *PendingCall) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pc.abandoned = true
	delete(l.pending, pc.ID)
	for i, q := range l.queue {
		if q == pc {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
	if l.active == pc && pc.cancel != nil {
		pc.cancel()
	}
}

func (l *lane) sweep(now time.Time) int {
	l.mu.Lock()
	var expired []*PendingCall
	kept := l.queue[:0]
	for _, pc := range l.queue {
		if now.After(pc.Deadline) {
			expired = append(expired, pc)
			delete(l.pending, pc.ID)
			continue
		}
		kept = append(kept, pc)
	}
	for i := len(kept); i < len(l.queue); i++ {
		l.queue[i] = nil
	}
	l.queue = kept
	l.mu.Unlock()
	for _, pc := range expired {
		pc.deliver(nil, mcperr.Call(mcperr.Timeout, context.DeadlineExceeded, "call %s expired in queue", pc.ID))
	}
	return len(expired)
}

func (l *lane) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *lane) touch(sessionID string) {
	l.sessions.Touch(sessionID, time.Now())
}
