package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cppla/passbook/models"
	"github.com/cppla/passbook/utils"
)

// ErrPushAddressGone is returned by a PushSender when the provider says the address will
// never accept pushes again.
var ErrPushAddressGone = errors.New("push address gone")

// PushSender delivers one "pass changed" signal to one device.
type PushSender interface {
	Push(ctx context.Context, device models.Device) error
}

// PushFailure is one device that did not receive the signal.
type PushFailure struct {
	DeviceKey string `json:"device_key"`
	Error     string `json:"error"`
}

// PushReport summarizes one fan-out.
type PushReport struct {
	MemberID  uint          `json:"member_id"`
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Removed   []string      `json:"removed,omitempty"`
	Failures  []PushFailure `json:"failures,omitempty"`
}

// Dispatcher fans pushes out to every device of a member. Synchronous callers use
// NotifyMemberDevices; the check-in path uses Enqueue so it never waits on a provider.
type Dispatcher struct {
	registry    *Registry
	sender      PushSender
	concurrency int
	timeout     time.Duration

	mu      sync.Mutex
	queue   chan uint
	pending map[uint]struct{}
	stopped bool
	wg      sync.WaitGroup
	onDone  func(*PushReport, error)
}

// NewDispatcher builds a dispatcher. concurrency bounds parallel sends per member;
// timeout bounds each send.
func NewDispatcher(registry *Registry, sender PushSender, concurrency int, timeout time.Duration) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		registry:    registry,
		sender:      sender,
		concurrency: concurrency,
		timeout:     timeout,
		pending:     map[uint]struct{}{},
	}
}

// NotifyMemberDevices pushes to every device of memberID. Per-device failures land in the
// report and never stop the others. ErrNoRegisteredDevices when there is nobody to tell.
func (d *Dispatcher) NotifyMemberDevices(ctx context.Context, memberID uint) (*PushReport, error) {
	devices, err := d.registry.DevicesFor(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoRegisteredDevices
	}

	report := &PushReport{MemberID: memberID}
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, d.concurrency)

	for _, dev := range devices {
		if dev.PushAddress == "" {
			continue
		}
		dev := dev
		report.Attempted++
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()

			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			err := d.sender.Push(sendCtx, dev)
			cancel()

			removed := false
			if errors.Is(err, ErrPushAddressGone) {
				ok, ferr := d.registry.Forget(ctx, dev.DeviceKey, dev.PushAddress)
				if ferr != nil {
					utils.Sugar.Warnw("drop dead device failed", "device", dev.DeviceKey, "error", ferr)
				}
				removed = ok
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failures = append(report.Failures, PushFailure{DeviceKey: dev.DeviceKey, Error: err.Error()})
				if removed {
					report.Removed = append(report.Removed, dev.DeviceKey)
				}
				return
			}
			report.Delivered++
		}()
	}
	wg.Wait()

	if len(report.Failures) > 0 {
		utils.Sugar.Infow("push fan-out finished with failures",
			"member_id", memberID, "attempted", report.Attempted,
			"delivered", report.Delivered, "failed", len(report.Failures))
	}
	return report, nil
}

// Start launches workers draining the queue.
func (d *Dispatcher) Start(workers int) {
	if workers <= 0 {
		workers = 1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue != nil {
		return
	}
	d.queue = make(chan uint, 1024)
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// OnDone registers a callback run after every queued fan-out. Must be set before Start.
func (d *Dispatcher) OnDone(fn func(*PushReport, error)) {
	d.onDone = fn
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for memberID := range d.queue {
		d.mu.Lock()
		delete(d.pending, memberID)
		d.mu.Unlock()

		report, err := d.NotifyMemberDevices(context.Background(), memberID)
		if err != nil && !errors.Is(err, ErrNoRegisteredDevices) {
			utils.Sugar.Warnw("push fan-out failed", "member_id", memberID, "error", err)
		}
		if d.onDone != nil {
			d.onDone(report, err)
		}
	}
}

// Enqueue schedules a fan-out for memberID. A member already waiting is not queued twice,
// since one push makes the device fetch the latest state anyway. Returns false when the
// dispatcher is not running or the queue is full.
func (d *Dispatcher) Enqueue(memberID uint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queue == nil || d.stopped {
		return false
	}
	if _, ok := d.pending[memberID]; ok {
		return true
	}
	select {
	case d.queue <- memberID:
		d.pending[memberID] = struct{}{}
		return true
	default:
		utils.Sugar.Warnw("push queue full, dropping fan-out", "member_id", memberID)
		return false
	}
}

// Stop drains queued fan-outs and waits for the workers, or gives up when ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.queue == nil || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
