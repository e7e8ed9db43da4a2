package cpu

import "golang.org/x/sync/errgroup"

// minParallel is the smallest item count worth spreading across goroutines.
const minParallel = 2

// forEach executes f(i) for i in [0, n), spreading items over the device's
// workers. Each index runs exactly once, so writes to disjoint outputs stay
// deterministic.
func (d *Device) forEach(n int, f func(i int)) {
	if d.opts.Workers == 1 || n < minParallel {
		for i := 0; i < n; i++ {
			f(i)
		}
		return
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			f(i)
			return nil
		})
	}
	_ = g.Wait() // f cannot fail
}
