package blocksync

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/forgenet/chainsync/libs/log"
	"github.com/forgenet/chainsync/types"
	"github.com/forgenet/chainsync/wire"
)

// RequestSender performs the network I/O for one request. It must not
// block: the driver calls it from the event loop. The implementation
// reports the outcome later through InjectResponse or InjectError with the
// same id.
type RequestSender func(id RequestID, src SourceID, req wire.Request)

const (
	priorityHigh   = 1
	priorityNormal = 2

	historySize = 25
)

type command interface {
	queue.Item
	priority() int
}

type commandBase struct{ prio int }

func (c commandBase) priority() int { return c.prio }

func (c commandBase) Compare(other queue.Item) int {
	o := other.(command)
	switch {
	case c.prio < o.priority():
		return -1
	case c.prio > o.priority():
		return 1
	default:
		return 0
	}
}

func normalCommand() commandBase { return commandBase{prio: priorityNormal} }
func highCommand() commandBase   { return commandBase{prio: priorityHigh} }

type cmdAddSource struct {
	commandBase
	id     SourceID
	role   SourceRole
	number int64
	hash   types.Hash
}

type cmdRemoveSource struct {
	commandBase
	id SourceID
}

type cmdResponse struct {
	commandBase
	id      RequestID
	payload []byte
}

type cmdRequestError struct {
	commandBase
	id    RequestID
	cause error
}

type cmdBlockAnnounce struct {
	commandBase
	src    SourceID
	header types.Header
}

type cmdFinalityAnnounce struct {
	commandBase
	src    SourceID
	number int64
	hash   types.Hash
}

type cmdPoll struct {
	commandBase
}

// Driver runs an Engine as a serialized stream of commands processed by a
// single goroutine, following the routine pattern: callers enqueue work,
// the loop applies it to the engine, forwards the produced events, and
// issues every request the engine wants through the RequestSender.
type Driver struct {
	engine  *Engine
	send    RequestSender
	queue   *queue.PriorityQueue
	history []command
	out     chan Event
	fin     chan error
	rdy     chan struct{}
	running *uint32
	logger  log.Logger
}

func NewDriver(engine *Engine, send RequestSender, bufferSize int) *Driver {
	return &Driver{
		engine:  engine,
		send:    send,
		queue:   queue.NewPriorityQueue(bufferSize, true),
		history: make([]command, 0, historySize),
		out:     make(chan Event, bufferSize),
		fin:     make(chan error, 1),
		rdy:     make(chan struct{}, 1),
		running: new(uint32),
		logger:  log.NewNopLogger(),
	}
}

func (d *Driver) SetLogger(logger log.Logger) {
	d.logger = logger
}

// Start runs the event loop. It blocks until Stop is called; run it in its
// own goroutine.
func (d *Driver) Start() {
	running := atomic.CompareAndSwapUint32(d.running, uint32(0), uint32(1))
	if !running {
		panic("sync driver is already running")
	}
	d.logger.Info("sync driver started")
	close(d.rdy)
	defer func() {
		if r := recover(); r != nil {
			var (
				b strings.Builder
				j int
			)
			for i := len(d.history) - 1; i >= 0; i-- {
				fmt.Fprintf(&b, "%d: %+v\n", j, d.history[i])
				j++
			}
			panic(fmt.Sprintf("%v\nlast commands:\n%v", r, b.String()))
		}
		stopped := atomic.CompareAndSwapUint32(d.running, uint32(1), uint32(0))
		if !stopped {
			panic("sync driver failed to stop")
		}
	}()

	for {
		items, err := d.queue.Get(1)
		if err == queue.ErrDisposed {
			d.terminate(nil)
			return
		} else if err != nil {
			d.terminate(err)
			return
		}
		cmd := items[0].(command)
		events := d.handle(cmd)

		// Polls fire constantly and would crowd everything else out of
		// the history.
		if _, ok := cmd.(cmdPoll); !ok {
			d.history = append(d.history, cmd)
			if len(d.history) > historySize {
				d.history = d.history[1:]
			}
		}

		for _, ev := range events {
			d.out <- ev
		}
		d.pump()
	}
}

func (d *Driver) handle(cmd command) []Event {
	switch c := cmd.(type) {
	case cmdAddSource:
		if err := d.engine.AddSource(c.id, c.role, c.number, c.hash); err != nil {
			d.logger.Error("add source failed", "source", c.id, "err", err)
		}
		return nil
	case cmdRemoveSource:
		return d.engine.RemoveSource(c.id)
	case cmdResponse:
		events, err := d.engine.InjectResponse(c.id, c.payload)
		if err != nil {
			d.logger.Debug("response dropped", "id", c.id, "err", err)
		}
		return events
	case cmdRequestError:
		events, err := d.engine.InjectError(c.id, c.cause)
		if err != nil {
			d.logger.Debug("request error dropped", "id", c.id, "err", err)
		}
		return events
	case cmdBlockAnnounce:
		return d.engine.NotifyBlockAnnounce(c.src, c.header)
	case cmdFinalityAnnounce:
		return d.engine.NotifyFinalityAnnounce(c.src, c.number, c.hash)
	case cmdPoll:
		return nil
	default:
		d.logger.Error("unknown command", "command", fmt.Sprintf("%T", cmd))
		return nil
	}
}

// pump issues every request the engine currently wants.
func (d *Driver) pump() {
	for _, want := range d.engine.DesiredRequests() {
		id, err := d.engine.SendRequest(want.Source, want.Request)
		if err != nil {
			d.logger.Error("send request failed", "source", want.Source,
				"kind", want.Request.Kind, "err", err)
			continue
		}
		d.send(id, want.Source, want.Request)
	}
}

func (d *Driver) enqueue(cmd command) bool {
	if !d.isRunning() {
		return false
	}
	if err := d.queue.Put(cmd); err != nil {
		d.logger.Error("command shed, queue full or stopped", "command", fmt.Sprintf("%T", cmd))
		return false
	}
	return true
}

func (d *Driver) AddSource(id SourceID, role SourceRole, bestNumber int64, bestHash types.Hash) bool {
	return d.enqueue(cmdAddSource{commandBase: normalCommand(), id: id, role: role, number: bestNumber, hash: bestHash})
}

// RemoveSource enqueues a disconnect at high priority so a dead source's
// slots free up before further work schedules onto it.
func (d *Driver) RemoveSource(id SourceID) bool {
	return d.enqueue(cmdRemoveSource{commandBase: highCommand(), id: id})
}

func (d *Driver) InjectResponse(id RequestID, payload []byte) bool {
	return d.enqueue(cmdResponse{commandBase: normalCommand(), id: id, payload: payload})
}

func (d *Driver) InjectError(id RequestID, cause error) bool {
	return d.enqueue(cmdRequestError{commandBase: normalCommand(), id: id, cause: cause})
}

func (d *Driver) NotifyBlockAnnounce(src SourceID, header types.Header) bool {
	return d.enqueue(cmdBlockAnnounce{commandBase: normalCommand(), src: src, header: header})
}

func (d *Driver) NotifyFinalityAnnounce(src SourceID, number int64, hash types.Hash) bool {
	return d.enqueue(cmdFinalityAnnounce{commandBase: normalCommand(), src: src, number: number, hash: hash})
}

// Poll re-runs request scheduling without any new input. Callers tick this
// periodically so cooldown expiry and retry timers make progress.
func (d *Driver) Poll() bool {
	return d.enqueue(cmdPoll{commandBase: normalCommand()})
}

func (d *Driver) isRunning() bool {
	return atomic.LoadUint32(d.running) == 1
}

// Events returns the channel the loop publishes engine events on.
func (d *Driver) Events() chan Event {
	return d.out
}

// Ready is closed once the loop is accepting commands.
func (d *Driver) Ready() chan struct{} {
	return d.rdy
}

func (d *Driver) Stop() {
	if !d.isRunning() {
		return
	}
	d.logger.Info("sync driver stopping")
	d.queue.Dispose()
}

// Final yields the loop's exit reason after Stop.
func (d *Driver) Final() chan error {
	return d.fin
}

func (d *Driver) terminate(reason error) {
	d.fin <- reason
}
