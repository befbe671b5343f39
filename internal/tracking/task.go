package tracking

import (
	"context"
	"fmt"
	"time"

	"outagewatch/internal/addressbook"
	"outagewatch/internal/eventbus"
	"outagewatch/internal/fetcher"
	"outagewatch/internal/notifier"
	"outagewatch/internal/observability/metrics"
	"outagewatch/internal/schedule"
	"outagewatch/internal/storage"
	logx "outagewatch/pkg/logx"
)

// pollTask polls one address until its context is cancelled. Polls of one
// address never overlap, also across a stop and relaunch.
type pollTask struct {
	key      Key
	addr     addressbook.Address
	interval time.Duration
	// after, when set, is closed once the previous task for the same
	// address has returned. run neither polls nor returns before that.
	after <-chan struct{}

	fetch   fetcher.Fetcher
	cache   *fingerprintCache
	sink    notifier.Sink
	changes *storage.ChangeLog
	bus     eventbus.Bus
	metrics *metrics.Metrics
	log     logx.Logger
}

func (t *pollTask) run(ctx context.Context) {
	t.log.Debug("polling task running", logx.Duration("interval", t.interval))
	if t.after != nil {
		<-t.after
	}
	for {
		if ctx.Err() != nil {
			return
		}
		t.poll(ctx)

		timer := time.NewTimer(t.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (t *pollTask) request() fetcher.Request {
	return fetcher.Request{
		AddressID: t.addr.ID,
		City:      t.addr.City,
		Street:    t.addr.Street,
		House:     t.addr.House,
	}
}

// poll runs one iteration. A panic is contained and treated as a failed
// poll so the loop keeps going.
func (t *pollTask) poll(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failed(fmt.Errorf("panic: %v", r))
		}
	}()

	page, err := t.fetch.Fetch(ctx, t.request())
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		t.failed(err)
		return
	}
	t.metrics.PollObserved(metrics.PollOK)

	fp := schedule.Extract(page.HTML)
	changed, first := t.cache.observe(ctx, t.key, fp)
	switch {
	case first:
		t.log.Debug("baseline stored", logx.Bool("empty", fp.Empty()))
		return
	case !changed:
		return
	}

	msg := ChangeMessage(t.key.Index, t.addr, fp.Text)
	t.sink.SendText(ctx, t.key.Chat, msg)
	t.sink.SendImage(ctx, t.key.Chat, page.ScreenshotPath)

	if t.changes != nil {
		if err := t.changes.Append(msg); err != nil {
			t.log.Warn("change log write failed", logx.Err(err))
		}
	}
	t.metrics.ChangeNotified()
	t.publish(eventbus.TrackingChange, "")
	t.log.Info("change notified", logx.Int("cells", len(fp.Cells)))
}

func (t *pollTask) failed(err error) {
	t.log.Warn("poll failed",
		logx.String("address", t.addr.String()),
		logx.String("step", fetcher.StepOf(err)),
		logx.Err(err),
	)
	t.metrics.PollObserved(metrics.PollFailed)
	if t.changes != nil {
		_ = t.changes.Warn(fmt.Sprintf("poll failed for %s: %v", t.addr.String(), err))
	}
	t.publish(eventbus.TrackingPollFailed, err.Error())
}

func (t *pollTask) publish(typ, errText string) {
	if t.bus == nil {
		return
	}
	now := time.Now()
	t.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: eventbus.TrackingEvent{
		Chat:    t.key.Chat,
		Index:   t.key.Index,
		Address: t.addr.String(),
		At:      now,
		Error:   errText,
	}})
}
