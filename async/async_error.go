package async

// AsyncError is an error that will be supplied later, once, by SetValue.
// TryGetValue is only ever called from the goroutine owning the Mailbox.
type AsyncError struct {
	errCh     chan error
	notify    func()
	val       error
	completed bool
}

func newAsyncError(notify func()) *AsyncError {
	return &AsyncError{
		errCh:  make(chan error, 1),
		notify: notify,
	}
}

// SetValue completes e. Calling it twice panics.
func (e *AsyncError) SetValue(err error) {
	e.errCh <- err
	close(e.errCh)
	if e.notify != nil {
		e.notify()
	}
}

// TryGetValue returns whether e is complete, and its value if so.
func (e *AsyncError) TryGetValue() (bool, error) {
	if e.completed {
		return true, e.val
	}
	select {
	case err := <-e.errCh:
		e.val = err
		e.completed = true
		return true, err
	default:
		return false, nil
	}
}
