package utils

import (
	"bytes"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrLoopClosed = errors.New("pva: worker loop closed")
	// ErrReentrantCall is returned when Call is invoked from the worker
	// itself; the caller would wait on its own queue forever.
	ErrReentrantCall = errors.New("pva: Call() from inside the worker loop")
)

// Loop is a single-goroutine executor. All protocol state of a client
// context lives inside it: callbacks run one at a time in FIFO order, so
// no state touched only from the loop needs locking. Cross-thread entry
// is Dispatch (fire and forget) or Call (wait for execution).
type Loop struct {
	log Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	workerID atomic.Int64
	stopped  chan struct{}
}

func NewLoop(log Logger) *Loop {
	l := &Loop{
		log:     log,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go l.run()
	return l
}

// goroutineID extracts the running goroutine's id from runtime.Stack.
// Not cheap; paid by InLoop, and so on every Call and Invoke, to detect
// reentrancy.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return -1
	}
	id, err := strconv.ParseInt(string(fields[1]), 10, 64)
	if err != nil {
		return -1
	}
	return id
}

func (l *Loop) run() {
	l.workerID.Store(goroutineID())
	defer close(l.stopped)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		if len(l.queue) == 0 && l.closed {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("loop: panic in worker callback", "panic", p)
		}
	}()
	fn()
}

// InLoop reports whether the caller is the worker goroutine.
func (l *Loop) InLoop() bool {
	return goroutineID() == l.workerID.Load()
}

// Dispatch enqueues fn and returns immediately. Returns false if the
// loop is closed (fn will never run).
func (l *Loop) Dispatch(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Call enqueues fn and blocks until it has executed. Calling from the
// worker itself is a logic error and fails fast instead of deadlocking.
func (l *Loop) Call(fn func()) error {
	if l.InLoop() {
		return ErrReentrantCall
	}
	done := make(chan struct{})
	if !l.Dispatch(func() {
		defer close(done)
		fn()
	}) {
		return ErrLoopClosed
	}
	<-done
	return nil
}

// TryCall is Call without the error: false when the call could not be
// made (closed loop, or reentrant invocation).
func (l *Loop) TryCall(fn func()) bool {
	return l.Call(fn) == nil
}

// Invoke waits for fn via TryCall when sync is set and the caller is not
// the worker; otherwise it dispatches fn and returns at once, so a call
// from the worker itself never deadlocks.
func (l *Loop) Invoke(sync bool, fn func()) bool {
	if sync && !l.InLoop() {
		return l.TryCall(fn)
	}
	return l.Dispatch(fn)
}

// ScheduleAfter arms a one-shot timer that dispatches fn into the loop.
// The returned timer may be stopped, though a tick that already fired
// will still run.
func (l *Loop) ScheduleAfter(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Dispatch(fn)
	})
}

// Close drains the queue and stops the worker. Outstanding Call()ers are
// released; later Dispatch is a no-op.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.stopped
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.stopped
}
