package exec

import (
	"context"
	"io"

	"harness/event"
)

// PipeStdin copies chunks from ch to w until ch is closed, ctx is done, or a
// write fails. It is meant to run in its own goroutine, feeding the stdin
// pipe of a spawned process or a `docker exec -i` connection. On ctx
// cancellation it drains ch without writing so the sender never blocks on a
// send that nobody will read.
func PipeStdin(ctx context.Context, ch <-chan event.Chunk, w io.Writer) error {
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				continue // drain without writing
			}
			if _, err := w.Write(chunk.Data); err != nil {
				drainStdin(ch)
				return err
			}
		case <-ctx.Done():
			drainStdin(ch)
			return ctx.Err()
		}
	}
}

// drainStdin consumes remaining chunks so a sender blocked on ch<- never
// leaks a goroutine after the reader side has given up.
func drainStdin(ch <-chan event.Chunk) {
	for range ch {
	}
}
