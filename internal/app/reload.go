package app

import (
	"context"
	"crypto/sha256"
	"reflect"
	"strings"

	"postrelay/internal/config"
	"postrelay/internal/media"
	logx "postrelay/pkg/logx"
)

// restartOnly lists sections that are read once at startup.
var restartOnly = map[string]bool{"storage": true, "trigger": true, "sentry": true}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config.
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
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := make(map[string]bool, len(sections))
	for _, s := range sections {
		changed[s] = true
		if restartOnly[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if changed["logging"] || changed["senders"] || changed["catalog"] {
		a.refreshAlerter(next)
		a.logs.Apply(mapLogConfig(next))
	}
	if changed["task_engine"] {
		if ec, err := mapTaskEngineConfig(next); err != nil {
			a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		} else {
			a.engine.Apply(ctx, ec)
		}
	}
	if changed["dispatch"] {
		if dc, err := mapDispatchConfig(next); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.dispatcher.Apply(dc)
		}
	}
	if changed["senders"] || changed["media"] {
		if sc, err := mapSenderConfigs(next); err != nil {
			a.log.Warn("invalid senders config; keeping previous", logx.Err(err))
		} else {
			a.registerSenders(sc, media.NewLocal(next.Media.Root))
		}
	}
	if changed["http"] {
		if hc, err := mapHTTPConfig(next); err != nil {
			a.log.Warn("invalid http config; keeping previous", logx.Err(err))
		} else {
			a.http.Reconfigure(context.WithoutCancel(ctx), hc)
		}
	}
	if changed["maintenance"] {
		if mc, err := mapMaintenanceConfig(next); err != nil {
			a.log.Warn("invalid maintenance config; keeping previous", logx.Err(err))
		} else if err := a.purger.Apply(context.WithoutCancel(ctx), mc); err != nil {
			a.log.Warn("maintenance reschedule failed", logx.Err(err))
		}
	}
	if changed["catalog"] && !reflect.DeepEqual(prev.Catalog, next.Catalog) {
		// Seeding only creates what is missing.
		if err := a.seed(ctx, next); err != nil {
			a.log.Warn("catalog reseed failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func sha(s string) []byte {
	h := sha256.Sum256([]byte(s))
	return h[:8]
}
