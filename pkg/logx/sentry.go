package logx

import (
	"encoding/json"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"
)

type sentryWriter struct{ svc *Service }

func (w *sentryWriter) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *sentryWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	s := w.svc
	if s == nil {
		return len(p), nil
	}
	s.mu.Lock()
	ready := s.sentryReady
	min := s.sentryMin
	s.mu.Unlock()
	if !ready || level < min {
		return len(p), nil
	}

	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return len(p), nil
	}
	msg, _ := m["message"].(string)
	if msg == "" {
		return len(p), nil
	}

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(level))
		if comp, ok := m["comp"].(string); ok {
			scope.SetTag("comp", comp)
		}
		fields := sentry.Context{}
		for k, v := range m {
			switch k {
			case "message", "level", "time":
				continue
			}
			fields[k] = v
		}
		scope.SetContext("log", fields)
		sentry.CaptureMessage(msg)
	})
	return len(p), nil
}

func sentryLevel(l zerolog.Level) sentry.Level {
	switch {
	case l >= zerolog.FatalLevel:
		return sentry.LevelFatal
	case l >= zerolog.ErrorLevel:
		return sentry.LevelError
	case l >= zerolog.WarnLevel:
		return sentry.LevelWarning
	default:
		return sentry.LevelInfo
	}
}
