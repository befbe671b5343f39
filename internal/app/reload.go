package app

import (
	"context"
	"strings"

	"outagewatch/internal/config"
	logx "outagewatch/pkg/logx"
)

// restartRequired lists changed sections that only take effect after a
// restart. Owners and the log chat are the live parts of telegram.
func restartRequired(oldCfg, newCfg *config.Config) []string {
	var out []string
	for _, s := range config.ChangedSections(oldCfg, newCfg) {
		if config.LiveSections[s] {
			continue
		}
		if s == "telegram" && oldCfg != nil && newCfg != nil &&
			oldCfg.Telegram.Token == newCfg.Telegram.Token &&
			oldCfg.Telegram.PollTimeout == newCfg.Telegram.PollTimeout {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (a *App) watchConfig() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

// applyConfig pushes the live sections of newCfg into running components.
// The config was validated before publish, so mapping errors here only
// guard against drift between validate and the mappers.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections := config.ChangedSections(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := restartRequired(oldCfg, newCfg); len(pending) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	// set the log target before Apply so enabling Telegram logging does not warn
	if chatID, err := groupLogChat(newCfg); err == nil {
		a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	}
	a.logs.Apply(mapLogging(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	a.debug.Reconfigure(ctx, mapDebugConfig(newCfg))
	if sup := a.debug.Supervisor(); sup != nil {
		a.sups.Set("debugsrv", sup)
	} else {
		a.sups.Delete("debugsrv")
	}

	a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
}
