package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/xerrors"

	"github.com/franksops/autorec/runctx"
)

// Handler decides what a failed directory push does. A nil return means the
// failure was handled and is not propagated.
type Handler func(out runctx.Printer, dest Destination, err error) error

// SerialHandler propagates every failure as a *PushError.
func SerialHandler(_ runctx.Printer, dest Destination, err error) error {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe
	}
	return &PushError{Dest: dest, Msg: err.Error(), Err: err}
}

// ParallelHandler reports the failure and skips the destination.
func ParallelHandler(out runctx.Printer, dest Destination, err error) error {
	out.Printf("!!! %v\n^^^ Error sub-processing %s; SKIPPING!", err, dest)
	return nil
}

// PushDirectory pushes the import directory for dirName to target and
// returns the number of images pushed. A single Destination is pushed in
// the calling goroutine with failures passed to handler (SerialHandler when
// nil). A Group is fanned out: one unit per destination, at most the
// runtime's push concurrency sending at once, failures reported and skipped.
// The whole fan-out is bounded by MaxPushTime; units still running then are
// abandoned, not stopped.
func (p *Pusher) PushDirectory(ctx context.Context, dirName string, target Target, handler Handler) (int, error) {
	if handler == nil {
		handler = SerialHandler
	}
	switch t := target.(type) {
	case nil:
		return 0, nil
	case Destination:
		return p.pushDir(ctx, unit{out: p.rt}, dirName, t.withDefaults(), handler)
	case Group:
		return p.fanout(ctx, dirName, Flatten(t)), nil
	default:
		return 0, handler(p.rt, Destination{}, xerrors.Errorf("unsupported push target %T", target))
	}
}

func (p *Pusher) pushDir(ctx context.Context, u unit, dirName string, dest Destination, handler Handler) (int, error) {
	fail := func(err error) (int, error) {
		p.emit(u, Event{Kind: EventFailed, Dest: dest, Err: err})
		return 0, handler(u.out, dest, err)
	}

	if p.cfg.Imports == nil {
		return fail(xerrors.New("no import directory configured"))
	}
	dir := p.cfg.Imports.Path(dirName)
	argv, err := p.argv(p.cfg.DirArgs, dest, dir)
	if err != nil {
		return fail(&PushError{Dest: dest, Msg: "Failed push of " + dir, Err: err})
	}

	if err := p.rt.AcquirePush(ctx); err != nil {
		return fail(&PushError{Dest: dest, Msg: "Failed push of " + dir, Err: err})
	}
	defer p.rt.ReleasePush()

	p.emit(u, Event{Kind: EventStarted, Dest: dest, Attempt: 1})
	u.out.Printf("Pushing '%s' directory to %s [%s:%d]", dirName, dest.AETitle, dest.IP, dest.Port)
	start := time.Now()
	pushed, err := p.run(ctx, u, dest, argv, fmt.Sprintf("Failed push of %s to %s.", dir, dest.AETitle))
	if err != nil {
		return fail(err)
	}
	u.out.Printf("Successfully pushed %d images from '%s' to %s in %.1fs", pushed, dirName, dest.AETitle, time.Since(start).Seconds())
	p.emit(u, Event{Kind: EventDone, Dest: dest, Pushed: pushed})
	return pushed, nil
}

// UnitLabel names the fan-out unit pushing to the i-th destination.
func UnitLabel(i int, dest Destination) string {
	return fmt.Sprintf("%02d:%s", i, dest.AETitle)
}

// fanout pushes dirName to every dest concurrently and returns the total
// pushed by the units that finished within the budget.
func (p *Pusher) fanout(ctx context.Context, dirName string, dests []Destination) int {
	if len(dests) == 0 {
		return 0
	}

	type result struct {
		label string
		done  chan int
	}

	p.rt.Printf("\n* PERFORMING %d BACKGROUND DICOM PUSH OPERATIONS\n", len(dests))
	start := time.Now()
	deadline := start.Add(p.cfg.MaxPushTime)

	units := make([]result, len(dests))
	for i, dest := range dests {
		u := unit{label: UnitLabel(i, dest)}
		u.out = p.rt.Labeled(u.label)
		units[i] = result{label: u.label, done: make(chan int, 1)}
		p.emit(u, Event{Kind: EventQueued, Dest: dest})

		go func(u unit, dest Destination, done chan<- int) {
			n, _ := p.pushDir(ctx, u, dirName, dest, ParallelHandler)
			done <- n
		}(u, dest, units[i].done)
	}

	var total int
	for i, r := range units {
		// The budget is shared: each join gets what the earlier ones left.
		remaining := time.Until(deadline)
		if n, ok := join(ctx, r.done, remaining); ok {
			total += n
			continue
		}
		p.rt.Printf("%s still alive after %s. Abandoning!", r.label, p.cfg.MaxPushTime)
		p.emit(unit{label: r.label}, Event{Kind: EventAbandoned, Dest: dests[i]})
		log.Warnw("push unit abandoned", "unit", r.label, "budget", p.cfg.MaxPushTime)
	}

	elapsed := int(time.Since(start).Round(time.Second).Seconds())
	p.rt.Printf("\n* FINISHED BACKGROUND DICOM PUSHES IN %d:%02d.\n", elapsed/60, elapsed%60)
	return total
}

// join waits up to remaining for a unit result. A budget that is already
// spent only takes a result that is ready.
func join(ctx context.Context, done <-chan int, remaining time.Duration) (int, bool) {
	if remaining <= 0 {
		select {
		case n := <-done:
			return n, true
		default:
			return 0, false
		}
	}

	t := time.NewTimer(remaining)
	defer t.Stop()
	select {
	case n := <-done:
		return n, true
	case <-t.C:
		return 0, false
	case <-ctx.Done():
		return 0, false
	}
}
