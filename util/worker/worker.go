package worker

import (
	"sync"
	"time"

	"github.com/pingcap-incubator/tinypstm/log"
)

type TaskStop struct{}

type Task interface{}

// Worker runs a handler on its own goroutine, feeding it tasks in the order they
// were sent and, optionally, a periodic tick.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Ticker is implemented by handlers that want OnTick called between tasks.
type Ticker interface {
	OnTick()
}

// Start runs handler until Stop. interval is ignored unless handler is a Ticker.
func (w *Worker) Start(handler TaskHandler, interval time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		var tickC <-chan time.Time
		ticker, isTicker := handler.(Ticker)
		if isTicker && interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tickC = t.C
		}
		log.Debugf("worker %s started", w.name)
		for {
			select {
			case task := <-w.receiver:
				if _, ok := task.(TaskStop); ok {
					log.Debugf("worker %s stopped", w.name)
					return
				}
				handler.Handle(task)
			case <-tickC:
				ticker.OnTick()
			}
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// TrySend queues t unless the worker is already backlogged.
func (w *Worker) TrySend(t Task) bool {
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
