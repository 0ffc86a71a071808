package bus

import "golang.org/x/sync/errgroup"

// Invoker spawns a function on its own goroutine. MessageBus.Start always
// installs the errgroup-backed supervisor (see NewSupervisedInvoker); the
// bus offers no way to substitute another Invoker.
type Invoker interface {
	Spawn(f func())
}

// supervisedInvoker generalizes the teacher's bespoke Invoker abstraction
// (core/peer.go's p.invoker.Spawn) into a single errgroup.Group whose Wait
// surfaces the first goroutine panic-turned-error, instead of a fire and
// forget sync.WaitGroup.
type supervisedInvoker struct {
	g *errgroup.Group
}

// NewSupervisedInvoker returns an Invoker backed by an errgroup.Group bound
// to the given group (itself typically errgroup.WithContext(ctx)'s first
// return value).
func NewSupervisedInvoker(g *errgroup.Group) Invoker {
	return &supervisedInvoker{g: g}
}

func (s *supervisedInvoker) Spawn(f func()) {
	s.g.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError{recovered: r}
			}
		}()
		f()
		return nil
	})
}

type panicError struct {
	recovered interface{}
}

func (p panicError) Error() string {
	return "bus: recovered panic in spawned goroutine"
}

func (p panicError) Unwrap() error {
	if err, ok := p.recovered.(error); ok {
		return err
	}
	return nil
}
