package hidpp

import (
	"errors"
	"sync"
	"time"

	"github.com/sstallion/go-hid"
	"go.uber.org/zap"

	"flowkvm/models"
)

const (
	readPollInterval    = 100 * time.Millisecond
	notificationBacklog = 64
)

// transport is the subset of *hid.Device used by a receiver.
type transport interface {
	Write(p []byte) (int, error)
	ReadWithTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}

type pendingRequest struct {
	match matcher
	resp  chan []byte
}

type subscriber struct {
	fn   func(models.Notification)
	done <-chan struct{}
}

// receiver owns one open HID++ interface. A single read loop answers
// requests and queues everything else as notifications; notifications are
// delivered from a separate goroutine so callbacks may issue requests.
type receiver struct {
	info    models.Receiver
	dev     transport
	log     *zap.Logger
	timeout time.Duration

	reqMu sync.Mutex

	pendingMu sync.Mutex
	pending   *pendingRequest

	notifications chan models.Notification

	subsMu  sync.Mutex
	subs    map[uint64]subscriber
	nextSub uint64

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	onClose   func()
}

func newReceiver(info models.Receiver, dev transport, log *zap.Logger, timeout time.Duration, onClose func()) *receiver {
	r := &receiver{
		info:          info,
		dev:           dev,
		log:           log.With(zap.String("receiver", info.ID)),
		timeout:       timeout,
		notifications: make(chan models.Notification, notificationBacklog),
		subs:          make(map[uint64]subscriber),
		done:          make(chan struct{}),
		onClose:       onClose,
	}
	r.wg.Add(2)
	go r.readLoop()
	go r.notifyLoop()
	return r
}

func (r *receiver) close() {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.onClose != nil {
			r.onClose()
		}
	})
}

// shutdown stops both loops and releases the device.
func (r *receiver) shutdown() error {
	r.close()
	r.wg.Wait()
	return r.dev.Close()
}

func (r *receiver) readLoop() {
	defer r.wg.Done()

	buf := make([]byte, 64)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := r.dev.ReadWithTimeout(buf, readPollInterval)
		if errors.Is(err, hid.ErrTimeout) || (err == nil && n == 0) {
			continue
		}
		if err != nil {
			select {
			case <-r.done:
			default:
				r.log.Warn("read from receiver failed", zap.Error(err))
				r.close()
				_ = r.dev.Close()
			}
			return
		}

		r.dispatch(append([]byte(nil), buf[:n]...))
	}
}

func (r *receiver) dispatch(report []byte) {
	r.pendingMu.Lock()
	if p := r.pending; p != nil && p.match(report) {
		r.pending = nil
		r.pendingMu.Unlock()
		p.resp <- report
		return
	}
	r.pendingMu.Unlock()

	n, ok := notificationFromReport(r.info.ID, report)
	if !ok {
		return
	}
	select {
	case r.notifications <- n:
	default:
		r.log.Warn("notification backlog full, dropping", zap.Int("device_index", n.DeviceIndex))
	}
}

func (r *receiver) notifyLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.done:
			return
		case n := <-r.notifications:
			for _, sub := range r.subscribers() {
				sub.fn(n)
			}
		}
	}
}

func (r *receiver) subscribers() []subscriber {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	out := make([]subscriber, 0, len(r.subs))
	for id, sub := range r.subs {
		select {
		case <-sub.done:
			delete(r.subs, id)
			continue
		default:
		}
		out = append(out, sub)
	}
	return out
}

func (r *receiver) subscribe(done <-chan struct{}, fn func(models.Notification)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	r.nextSub++
	r.subs[r.nextSub] = subscriber{fn: fn, done: done}
}

// request writes req and waits for the matching reply.
func (r *receiver) request(req []byte) ([]byte, error) {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	p := &pendingRequest{match: replyTo(req), resp: make(chan []byte, 1)}
	r.pendingMu.Lock()
	r.pending = p
	r.pendingMu.Unlock()

	drop := func() {
		r.pendingMu.Lock()
		if r.pending == p {
			r.pending = nil
		}
		r.pendingMu.Unlock()
	}

	if _, err := r.dev.Write(req); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case report := <-p.resp:
		if err := replyError(report); err != nil {
			return nil, err
		}
		return report, nil
	case <-timer.C:
		drop()
		return nil, ErrTimeout
	case <-r.done:
		drop()
		return nil, ErrReceiverClosed
	}
}

// send writes a report that gets no reply.
func (r *receiver) send(report []byte) error {
	r.reqMu.Lock()
	defer r.reqMu.Unlock()

	select {
	case <-r.done:
		return ErrReceiverClosed
	default:
	}
	_, err := r.dev.Write(report)
	return err
}
