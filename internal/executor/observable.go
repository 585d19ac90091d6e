package executor

import (
	"context"
	"io"
	"sync"

	"github.com/rs/xid"
)

// Source identifies the stream an Output chunk was read from.
type Source string

const (
	Stdout Source = "stdout"
	Stderr Source = "stderr"
)

// Output is one chunk of process output, delivered in read order per stream.
type Output struct {
	Source Source `json:"source"`
	Data   string `json:"data"`
}

// ObservableExecution is a handle on a running process whose output is
// delivered incrementally.
//
// The producer blocks while the Output channel is full, so a consumer must
// either drain Output or call Cancel; Wait alone does not drain.
type ObservableExecution struct {
	ID string

	out    chan Output
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	exitCode int
	err      error
}

// NewObservableExecution creates a handle bound to ctx and the Publisher an
// executor uses to feed it. Cancelling ctx or calling Cancel stops the process.
func NewObservableExecution(ctx context.Context) (*ObservableExecution, *Publisher) {
	ctx, cancel := context.WithCancel(ctx)
	o := &ObservableExecution{
		ID:     xid.New().String(),
		out:    make(chan Output, 16),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	return o, &Publisher{o: o}
}

// Output returns the stream of output chunks. It is closed when the process ends.
func (o *ObservableExecution) Output() <-chan Output {
	return o.out
}

// Done is closed once the process has ended and Wait will not block.
func (o *ObservableExecution) Done() <-chan struct{} {
	return o.done
}

// Wait blocks until the process ends and returns its exit code.
func (o *ObservableExecution) Wait() (int, error) {
	<-o.done
	return o.exitCode, o.err
}

// Cancel stops the process. It is safe to call more than once.
func (o *ObservableExecution) Cancel() {
	o.cancel()
}

// Publisher is the producer side of an ObservableExecution.
type Publisher struct {
	o    *ObservableExecution
	once sync.Once
}

// Context is cancelled when the consumer gives up; run the process under it.
func (p *Publisher) Context() context.Context {
	return p.o.ctx
}

// Publish delivers one chunk. It returns false if the execution was cancelled
// before the consumer took the chunk.
func (p *Publisher) Publish(src Source, data string) bool {
	select {
	case p.o.out <- Output{Source: src, Data: data}:
		return true
	case <-p.o.ctx.Done():
		return false
	}
}

// Writer adapts Publish to io.Writer for code that copies streams.
func (p *Publisher) Writer(src Source) io.Writer {
	return publishWriter{p: p, src: src}
}

// Complete records the outcome and closes Output. Every Publish call must have
// returned before Complete is called; later calls are ignored.
func (p *Publisher) Complete(exitCode int, err error) {
	p.once.Do(func() {
		p.o.exitCode = exitCode
		p.o.err = err
		close(p.o.out)
		close(p.o.done)
		p.o.cancel()
	})
}

type publishWriter struct {
	p   *Publisher
	src Source
}

func (w publishWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if !w.p.Publish(w.src, string(b)) {
		return 0, w.p.o.ctx.Err()
	}
	return len(b), nil
}
