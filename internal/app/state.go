package app

import (
	"time"

	"outagewatch/internal/notifier"
	rtsup "outagewatch/internal/runtime/supervisor"
	"outagewatch/internal/tracking"
)

// State is the JSON body of /debug/state.
type State struct {
	StartedAt   time.Time                           `json:"started_at"`
	Uptime      string                              `json:"uptime"`
	Tracking    []string                            `json:"tracking"`
	FetchPool   tracking.PoolStats                  `json:"fetch_pool"`
	Supervisors map[string]rtsup.SupervisorSnapshot `json:"supervisors"`
	History     []notifier.HistoryItem              `json:"notifications"`
}

func (a *App) state() any {
	st := State{
		StartedAt:   a.startedAt,
		Uptime:      time.Since(a.startedAt).Truncate(time.Second).String(),
		FetchPool:   a.pool.Stats(),
		Supervisors: map[string]rtsup.SupervisorSnapshot{},
		History:     a.notif.Snapshot(),
	}
	for _, k := range a.tracking.Active() {
		st.Tracking = append(st.Tracking, k.String())
	}
	for name, sup := range a.sups.Snapshot() {
		st.Supervisors[name] = sup.Snapshot()
	}
	return st
}
