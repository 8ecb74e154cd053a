// Package async runs functions in goroutines and delivers their results as
// callbacks on the goroutine that asked for them.
package async

// Runner spawns a goroutine per function and queues its callback in a Mailbox.
//
//	runner := async.NewRunner()
//	runner.RunAsync(func() error { return compute(spec) }, func(err error) { finish(req, err) })
//	for {
//		select {
//		case <-runner.Ready():
//			runner.ProcessMessages() // finish runs here
//		case ...:
//		}
//	}
type Runner struct {
	bx *Mailbox
}

func NewRunner() Runner {
	return Runner{bx: NewMailbox()}
}

// NumRunning counts functions whose callbacks have not run yet.
func (r *Runner) NumRunning() int {
	return r.bx.Count()
}

// RunAsync runs f in a new goroutine. cb receives f's result during a later
// ProcessMessages.
func (r *Runner) RunAsync(f func() error, cb AsyncErrorResponseHandler) {
	rsp := r.bx.NewAsyncError(cb)
	go func() {
		rsp.SetValue(f())
	}()
}

func (r *Runner) Ready() <-chan struct{} {
	return r.bx.Ready()
}

// ProcessMessages runs the callbacks of finished functions on the calling goroutine.
func (r *Runner) ProcessMessages() {
	r.bx.ProcessMessages()
}
