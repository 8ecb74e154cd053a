package async

// Mailbox holds AsyncErrors with their callbacks and runs each callback once
// its AsyncError completes. A Mailbox belongs to one goroutine: callbacks run
// there, one at a time, from ProcessMessages, so they can touch that
// goroutine's state without locking.
type Mailbox struct {
	msgs  []message
	ready chan struct{}
}

// AsyncErrorResponseHandler is invoked with the value of a completed AsyncError.
type AsyncErrorResponseHandler func(error)

type message struct {
	err      *AsyncError
	callback AsyncErrorResponseHandler
}

func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{}, 1)}
}

// Count is the number of callbacks not yet run.
func (bx *Mailbox) Count() int {
	return len(bx.msgs)
}

// Ready receives a value after some AsyncError completes. It can be selected
// on next to other channels instead of polling ProcessMessages.
func (bx *Mailbox) Ready() <-chan struct{} {
	return bx.ready
}

func (bx *Mailbox) signal() {
	select {
	case bx.ready <- struct{}{}:
	default:
	}
}

// NewAsyncError returns an AsyncError whose completion runs cb on the next
// ProcessMessages.
func (bx *Mailbox) NewAsyncError(cb AsyncErrorResponseHandler) *AsyncError {
	e := newAsyncError(bx.signal)
	bx.msgs = append(bx.msgs, message{err: e, callback: cb})
	return e
}

// ProcessMessages runs the callbacks of all completed AsyncErrors.
func (bx *Mailbox) ProcessMessages() {
	var pending []message
	for _, msg := range bx.msgs {
		if ok, err := msg.err.TryGetValue(); ok {
			msg.callback(err)
		} else {
			pending = append(pending, msg)
		}
	}
	bx.msgs = pending
}
