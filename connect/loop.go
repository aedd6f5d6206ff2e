package connect

import (
	"context"
	"sync"

	"github.com/eapache/queue"
	"github.com/golang/glog"
)

// Loop is the single logical thread that owns all session and connection state.
// Tasks run one at a time in the order they were posted.
// Network calls run on their own goroutines and post their continuations back to the loop,
// so nothing posted to the loop ever runs inside the stack of the task that posted it.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex
	// *queue.Queue of func()
	tasks  *queue.Queue
	notify chan struct{}
}

func NewLoop(ctx context.Context) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	loop := &Loop{
		ctx:    cancelCtx,
		cancel: cancel,
		tasks:  queue.New(),
		notify: make(chan struct{}, 1),
	}
	go loop.run()
	return loop
}

func (self *Loop) Ctx() context.Context {
	return self.ctx
}

// Post schedules `task` to run on the loop. Safe to call from any goroutine.
// Tasks posted after the loop closes are dropped.
func (self *Loop) Post(task func()) {
	select {
	case <-self.ctx.Done():
		return
	default:
	}

	self.mutex.Lock()
	self.tasks.Add(task)
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

// Call posts `task` and blocks until it has run, or the loop closes.
// Must not be called from the loop itself.
func (self *Loop) Call(task func()) bool {
	done := make(chan struct{})
	self.Post(func() {
		defer close(done)
		task()
	})
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *Loop) Close() {
	self.cancel()
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Loop) next() (func(), bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.tasks.Length() == 0 {
		return nil, false
	}
	return self.tasks.Remove().(func()), true
}

func (self *Loop) run() {
	defer glog.V(2).Infof("[loop]exit\n")

	for {
		for {
			select {
			case <-self.ctx.Done():
				return
			default:
			}

			task, ok := self.next()
			if !ok {
				break
			}
			HandleError(task)
		}

		select {
		case <-self.ctx.Done():
			return
		case <-self.notify:
		}
	}
}
