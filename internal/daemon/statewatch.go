package daemon

import (
	"context"

	"github.com/parleyhq/parley/internal/bus"
	"github.com/parleyhq/parley/internal/status"
	"go.uber.org/zap"
)

// stateWatcher translates connectivity, stream and replay events into
// session state transitions. It is the only writer of the state machine
// after boot.
type stateWatcher struct {
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger
	cancel  context.CancelFunc
}

func newStateWatcher(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *stateWatcher {
	return &stateWatcher{machine: machine, bus: b, logger: logger}
}

func (w *stateWatcher) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	netCh, unsubNet := w.bus.Subscribe("net.", 16)
	streamCh, unsubStream := w.bus.Subscribe("stream.", 16)
	replayCh, unsubReplay := w.bus.Subscribe("sync.replay_", 16)

	go func() {
		defer unsubNet()
		defer unsubStream()
		defer unsubReplay()
		for {
			var kind string
			select {
			case ev := <-netCh:
				kind = ev.Kind
			case ev := <-streamCh:
				kind = ev.Kind
			case ev := <-replayCh:
				kind = ev.Kind
			case <-ctx.Done():
				return
			}
			w.apply(kind)
		}
	}()
}

func (w *stateWatcher) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *stateWatcher) apply(kind string) {
	var to status.State
	switch kind {
	case "net.offline":
		to = status.Offline
	case "net.online":
		to = status.Connecting
	case "stream.connected":
		to = status.Live
	case "stream.disconnected":
		to = status.Degraded
	case "sync.replay_started":
		to = status.Replaying
	case "sync.replay_finished":
		to = status.Live
	default:
		return
	}
	// Out-of-order events produce transitions the machine refuses, which
	// is fine; the next event converges.
	if err := w.machine.Transition(to); err != nil && w.logger != nil {
		w.logger.Debug("state transition skipped", zap.String("to", string(to)), zap.Error(err))
	}
}
