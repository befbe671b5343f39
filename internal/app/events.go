package app

import (
	"context"

	"outagewatch/internal/eventbus"
	logx "outagewatch/pkg/logx"
)

// logEvents mirrors bus events into the debug log.
func (a *App) logEvents() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", eventFields(e)...)
			}
		}
	})
}

func eventFields(e eventbus.Event) []logx.Field {
	fields := []logx.Field{logx.String("type", e.Type), logx.Time("time", e.Time)}
	te, ok := e.Data.(eventbus.TrackingEvent)
	if !ok {
		return fields
	}
	fields = append(fields, logx.String("chat", te.Chat), logx.Int("index", te.Index))
	if te.Recovered {
		fields = append(fields, logx.Bool("recovered", true))
	}
	if te.Error != "" {
		fields = append(fields, logx.String("error", te.Error))
	}
	return fields
}
