package pump

import (
	"context"
	"fmt"
	"time"
)

// workIdleInterval is how long Run sleeps when a Work call reports no
// activity on either side of the encoder.
const workIdleInterval = time.Millisecond

// forcedDrainTimeout bounds how long Run keeps draining an idle encoder
// after cancellation forced the source closed.
const forcedDrainTimeout = 5 * time.Second

// Run drives Work until the pump finishes or errors. Cancelling the
// context forces source end-of-stream rather than aborting: frames
// already submitted still drain to the sink, and Run returns once the
// encoder's end-of-stream chunk has been forwarded.
func (p *Pump) Run(ctx context.Context) error {
	var forcedAt time.Time

	for !p.Finished() {
		force := ctx.Err() != nil
		if force && forcedAt.IsZero() {
			forcedAt = time.Now()
		}

		busy, err := p.Work(force)
		if err != nil {
			return err
		}
		if busy {
			continue
		}
		if p.Finished() {
			break
		}

		if force && time.Since(forcedAt) > forcedDrainTimeout {
			return fmt.Errorf("pump: encoder did not reach end of stream within %s of cancellation", forcedDrainTimeout)
		}
		time.Sleep(workIdleInterval)
	}

	p.log.Info("pump finished",
		"frames", p.framesRead.Load(),
		"chunks", p.chunksWritten.Load(),
		"bytes", p.bytesOut.Load(),
	)
	return nil
}
