package supervisor

import (
	"sync/atomic"
	"time"

	"github.com/3cpo-dev/fleetd/pkg/api"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// emitter turns supervisor outcomes into api.Events, logs them and fans
// them out to the sinks.
type emitter struct {
	runID string
	sinks []EventSink
	cycle atomic.Int64
	now   func() time.Time
}

func newEmitter(runID string, sinks []EventSink) *emitter {
	return &emitter{runID: runID, sinks: sinks, now: time.Now}
}

var outcomeLevels = map[api.Outcome]zerolog.Level{
	api.OutcomeUp:          zerolog.InfoLevel,
	api.OutcomeProxyUp:     zerolog.InfoLevel,
	api.OutcomeAdded:       zerolog.InfoLevel,
	api.OutcomeRemoved:     zerolog.WarnLevel,
	api.OutcomeScheduled:   zerolog.WarnLevel,
	api.OutcomeCancelled:   zerolog.InfoLevel,
	api.OutcomeRelaunched:  zerolog.WarnLevel,
	api.OutcomeDown:        zerolog.WarnLevel,
	api.OutcomeProxyDown:   zerolog.ErrorLevel,
	api.OutcomeOffline:     zerolog.ErrorLevel,
	api.OutcomeAddFailed:   zerolog.ErrorLevel,
	api.OutcomeReloadError: zerolog.ErrorLevel,
	api.OutcomeShutdown:    zerolog.WarnLevel,
}

func (e *emitter) emit(host string, outcome api.Outcome, pid int, err error, msg string) {
	ev := api.Event{
		Time:    e.now(),
		RunID:   e.runID,
		Cycle:   int(e.cycle.Load()),
		Host:    host,
		Outcome: outcome,
		Kind:    api.KindOf(err),
		PID:     pid,
		Message: msg,
	}
	if err != nil && ev.Message == "" {
		ev.Message = err.Error()
	}

	level, ok := outcomeLevels[outcome]
	if !ok {
		level = zerolog.InfoLevel
	}
	l := log.WithLevel(level).
		Str("host", host).
		Str("outcome", string(outcome)).
		Int("cycle", ev.Cycle)
	if pid > 0 {
		l = l.Int("pid", pid)
	}
	if err != nil {
		l = l.Err(err).Str("kind", string(ev.Kind))
	}
	l.Msg(msg)

	for _, s := range e.sinks {
		s.Emit(ev)
	}
}
