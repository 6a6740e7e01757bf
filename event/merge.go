package event

import (
	"context"
	"sync"
)

// Merge fans multiple already-ordered event sources into a single stream,
// re-sequencing every event through seq so the result has one monotonic
// sequence number. Used to interleave a launcher's own output with
// synthetic events (health transitions) onto one per-service stream. The
// returned stream closes once every source is exhausted or ctx is done.
// Callers that need the strict "nothing follows Exited" guarantee must
// stop feeding the health source before the base source's terminal event
// is expected, since sources race to send once both have events ready.
func Merge(ctx context.Context, seq *Sequencer, sources ...<-chan Event) *Stream {
	out := make(chan Event, 64)

	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src <-chan Event) {
			defer wg.Done()
			for {
				select {
				case e, ok := <-src:
					if !ok {
						return
					}
					select {
					case out <- seq.Next(e):
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}(src)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return NewStream(out)
}
