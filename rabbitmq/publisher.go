package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amqpwire/goamqp/internal/frame"
	"github.com/amqpwire/goamqp/internal/protocol"
)

// Confirmation represents a publish confirmation (ack or nack)
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool // true for ack, false for nack
}

// ConfirmListener provides a callback-based confirm interface
type ConfirmListener interface {
	HandleAck(deliveryTag uint64, multiple bool)
	HandleNack(deliveryTag uint64, multiple bool)
}

// pendingConfirm pairs a delivery tag with the channel waiting on it.
type pendingConfirm struct {
	tag    uint64
	waiter chan Confirmation
}

// confirmManager manages publisher confirms. Pending confirmations are kept
// as a slice ordered by ascending delivery tag rather than a map, since tags
// are assigned by a monotonic counter; a multiple=true ack/nack then
// resolves a contiguous prefix in one pass. Single confirms may arrive out
// of order.
type confirmManager struct {
	enabled bool
	mu      sync.Mutex

	pending []pendingConfirm

	// Notification channels
	listeners []chan Confirmation

	// Callback listeners
	callbacks []ConfirmListener

	// Every delivery tag up to and including lastConfirmed has been settled.
	lastConfirmed uint64

	// Tags above lastConfirmed that were settled individually, out of order.
	settled map[uint64]bool

	// Highest delivery tag actually handed out to a publish, used to reject
	// a confirm referencing a tag that was never issued.
	issued uint64
}

// noteIssued records that tag has been assigned to a publish, regardless of
// whether anything registered a waiter for it.
func (cm *confirmManager) noteIssued(tag uint64) {
	cm.mu.Lock()
	if tag > cm.issued {
		cm.issued = tag
	}
	cm.mu.Unlock()
}

// newConfirmManager creates a new confirm manager
func newConfirmManager() *confirmManager {
	return &confirmManager{}
}

// insertPending inserts a waiter for tag, keeping pending sorted by tag.
func (cm *confirmManager) insertPending(tag uint64, waiter chan Confirmation) {
	i := sort.Search(len(cm.pending), func(i int) bool { return cm.pending[i].tag >= tag })
	cm.pending = append(cm.pending, pendingConfirm{})
	copy(cm.pending[i+1:], cm.pending[i:])
	cm.pending[i] = pendingConfirm{tag: tag, waiter: waiter}
}

// removePending removes and returns the waiter registered for tag, if any.
func (cm *confirmManager) removePending(tag uint64) (chan Confirmation, bool) {
	i := sort.Search(len(cm.pending), func(i int) bool { return cm.pending[i].tag >= tag })
	if i < len(cm.pending) && cm.pending[i].tag == tag {
		waiter := cm.pending[i].waiter
		cm.pending = append(cm.pending[:i], cm.pending[i+1:]...)
		return waiter, true
	}
	return nil, false
}

// settle resolves a Basic.Ack or Basic.Nack against pending waiters and
// listeners. Both handlers share this since they differ only in the Ack
// flag on the resulting Confirmation. Reports false if deliveryTag was
// never issued or was already settled, so the caller can raise a
// ProtocolError instead of silently dropping the confirm.
func (cm *confirmManager) settle(deliveryTag uint64, multiple, ack bool) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if deliveryTag == 0 || deliveryTag > cm.issued || deliveryTag <= cm.lastConfirmed || cm.settled[deliveryTag] {
		return false
	}

	if multiple {
		// pending is sorted ascending, so everything up to deliveryTag is a
		// contiguous prefix.
		i := sort.Search(len(cm.pending), func(i int) bool { return cm.pending[i].tag > deliveryTag })
		for _, pc := range cm.pending[:i] {
			select {
			case pc.waiter <- Confirmation{DeliveryTag: pc.tag, Ack: ack}:
			default:
			}
		}
		cm.pending = cm.pending[i:]

		for tag := cm.lastConfirmed + 1; tag <= deliveryTag; tag++ {
			if cm.settled[tag] {
				delete(cm.settled, tag)
				continue
			}
			for _, listener := range cm.listeners {
				select {
				case listener <- Confirmation{DeliveryTag: tag, Ack: ack}:
				default:
				}
			}
		}
		cm.lastConfirmed = deliveryTag
	} else {
		if waiter, ok := cm.removePending(deliveryTag); ok {
			select {
			case waiter <- Confirmation{DeliveryTag: deliveryTag, Ack: ack}:
			default:
			}
		}

		for _, listener := range cm.listeners {
			select {
			case listener <- Confirmation{DeliveryTag: deliveryTag, Ack: ack}:
			default:
			}
		}

		if cm.settled == nil {
			cm.settled = make(map[uint64]bool)
		}
		cm.settled[deliveryTag] = true
	}

	for cm.settled[cm.lastConfirmed+1] {
		delete(cm.settled, cm.lastConfirmed+1)
		cm.lastConfirmed++
	}

	for _, callback := range cm.callbacks {
		if ack {
			go callback.HandleAck(deliveryTag, multiple)
		} else {
			go callback.HandleNack(deliveryTag, multiple)
		}
	}

	return true
}

// drain rejects every still-pending confirmation, used when the owning
// channel closes with publishes left unconfirmed.
func (cm *confirmManager) drain() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, pc := range cm.pending {
		select {
		case pc.waiter <- Confirmation{DeliveryTag: pc.tag, Ack: false}:
		default:
		}
		for _, listener := range cm.listeners {
			select {
			case listener <- Confirmation{DeliveryTag: pc.tag, Ack: false}:
			default:
			}
		}
		for _, callback := range cm.callbacks {
			go callback.HandleNack(pc.tag, false)
		}
	}
	cm.pending = nil
}

// handleAck processes a Basic.Ack confirmation. Returns false if
// deliveryTag was never issued or was already settled.
func (cm *confirmManager) handleAck(deliveryTag uint64, multiple bool) bool {
	return cm.settle(deliveryTag, multiple, true)
}

// handleNack processes a Basic.Nack confirmation. Returns false if
// deliveryTag was never issued or was already settled.
func (cm *confirmManager) handleNack(deliveryTag uint64, multiple bool) bool {
	return cm.settle(deliveryTag, multiple, false)
}

// registerPending registers a pending confirmation
func (cm *confirmManager) registerPending(deliveryTag uint64) chan Confirmation {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	waiter := make(chan Confirmation, 1)
	cm.insertPending(deliveryTag, waiter)
	return waiter
}

// pendingCount returns the number of outstanding confirmations
func (cm *confirmManager) pendingCount() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.pending)
}

// addListener adds a notification channel
func (cm *confirmManager) addListener(listener chan Confirmation) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.listeners = append(cm.listeners, listener)
}

// addCallback adds a callback listener
func (cm *confirmManager) addCallback(callback ConfirmListener) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.callbacks = append(cm.callbacks, callback)
}

// ConfirmSelect enables publisher confirms on this channel
func (ch *Channel) ConfirmSelect(noWait bool) error {
	if ch.GetState() != ChannelStateOpen {
		return ErrChannelClosed
	}

	// Initialize confirm manager if needed
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	builder := frame.NewMethodArgsBuilder()
	builder.WriteFlags(noWait) // no-wait flag

	if noWait {
		methodFrame := frame.NewMethodFrame(ch.id, protocol.ClassConfirm, protocol.MethodConfirmSelect, builder.Bytes())
		if err := ch.sendFrame(methodFrame); err != nil {
			return err
		}
		ch.confirms.enabled = true
		ch.nextPublishSeq.Store(0) // Start at 0, first publish will increment to 1
		return nil
	}

	method, err := ch.rpcCall(protocol.ClassConfirm, protocol.MethodConfirmSelect, builder.Bytes())
	if err != nil {
		return err
	}

	if method.MethodID != protocol.MethodConfirmSelectOk {
		return fmt.Errorf("unexpected response to Confirm.Select: %d", method.MethodID)
	}

	ch.confirms.enabled = true
	ch.nextPublishSeq.Store(0) // Start at 0, first publish will increment to 1

	return nil
}

// NotifyPublish registers a channel to receive publish confirmations
func (ch *Channel) NotifyPublish(confirmChan chan Confirmation) chan Confirmation {
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	ch.confirms.addListener(confirmChan)
	return confirmChan
}

// AddConfirmListener adds a callback-based confirm listener
func (ch *Channel) AddConfirmListener(listener ConfirmListener) {
	if ch.confirms == nil {
		ch.confirms = newConfirmManager()
	}

	ch.confirms.addCallback(listener)
}

// WaitForConfirms waits for all outstanding confirmations with a timeout
func (ch *Channel) WaitForConfirms(timeout time.Duration) error {
	if ch.confirms == nil || !ch.confirms.enabled {
		return fmt.Errorf("publisher confirms not enabled")
	}

	deadline := time.After(timeout)

	for {
		if ch.confirms.pendingCount() == 0 {
			return nil
		}

		select {
		case <-deadline:
			return fmt.Errorf("timeout waiting for confirmations: %d pending", ch.confirms.pendingCount())
		case <-time.After(10 * time.Millisecond):
			// Continue waiting
		}
	}
}

// WaitForConfirmsOrDie waits for confirmations and panics on timeout
func (ch *Channel) WaitForConfirmsOrDie(timeout time.Duration) {
	if err := ch.WaitForConfirms(timeout); err != nil {
		panic(err)
	}
}

// PublishWithConfirm publishes a message and waits for confirmation
func (ch *Channel) PublishWithConfirm(exchange, routingKey string, mandatory, immediate bool, msg Publishing, timeout time.Duration) error {
	if ch.confirms == nil || !ch.confirms.enabled {
		return fmt.Errorf("publisher confirms not enabled")
	}

	// Create waiter channel
	waiter := make(chan Confirmation, 1)

	// We need to atomically: get next seq, register waiter, and publish
	// Use the confirm manager lock to ensure atomicity
	ch.confirms.mu.Lock()

	// Get next sequence (peek at what it will be)
	seqNo := ch.nextPublishSeq.Load() + 1

	// Register waiter for this sequence
	ch.confirms.insertPending(seqNo, waiter)

	ch.confirms.mu.Unlock()

	// Publish message (this will atomically increment sequence)
	actualSeq, err := ch.publishInternal(context.Background(), exchange, routingKey, mandatory, immediate, msg)
	if err != nil {
		ch.confirms.mu.Lock()
		ch.confirms.removePending(seqNo)
		ch.confirms.mu.Unlock()
		return err
	}

	// Verify sequence matches (should always be true with proper locking)
	if actualSeq != seqNo {
		// Unexpected - this shouldn't happen
		ch.confirms.mu.Lock()
		ch.confirms.removePending(seqNo)
		ch.confirms.insertPending(actualSeq, waiter)
		seqNo = actualSeq
		ch.confirms.mu.Unlock()
	}

	// Wait for confirmation
	select {
	case conf := <-waiter:
		if !conf.Ack {
			return fmt.Errorf("message nacked by broker")
		}
		return nil
	case <-ch.closed:
		return ErrChannelClosed
	case <-time.After(timeout):
		ch.confirms.mu.Lock()
		ch.confirms.removePending(seqNo)
		ch.confirms.mu.Unlock()
		return fmt.Errorf("confirmation timeout")
	}
}
