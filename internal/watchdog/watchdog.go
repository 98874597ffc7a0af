// Package watchdog implements the hardware safety-timer client: it keeps a
// trigger command alive on a fixed period and encodes the motor enable bit
// in that same command. If the watchdog stops triggering — because Stop was
// called, or because a bad response forced a self-stop — the physical timer
// expires within one trigger period and cuts motor power, independent of any
// software state above it.
package watchdog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"turntable-core/internal/devicelink"
	"turntable-core/internal/periodic"
)

const (
	// EnableMask is the low bit of the trigger command: 1 means the motor
	// is permitted to run.
	EnableMask uint32 = 0x01
	// ToggleMask is flipped on every trigger tick to prove liveness to the
	// hardware timer.
	ToggleMask uint32 = 0x02

	// StopCommand disarms the timer outputs.
	StopCommand uint32 = 0x18000000
	// TriggerInitial is the command value a fresh Watchdog starts from:
	// ENABLE clear, a fixed high-order pattern the hardware expects.
	TriggerInitial uint32 = 0x18000002
)

// Settings is the subset of the configuration bag the Watchdog reads on
// every tick, so changes made through the settings store take effect on the
// next loop iteration without restarting the job.
type Settings interface {
	WatchdogTriggerPeriod() time.Duration
}

// Watchdog drives the safety timer over a devicelink.Link.
type Watchdog struct {
	log      *logrus.Entry
	link     *devicelink.Link
	settings Settings

	mu         sync.Mutex
	triggerCmd uint32
	job        *periodic.Job
}

// New creates a Watchdog bound to link, reading its period from settings.
func New(link *devicelink.Link, settings Settings, log *logrus.Entry) *Watchdog {
	w := &Watchdog{
		log:        log.WithField("component", "watchdog"),
		link:       link,
		settings:   settings,
		triggerCmd: TriggerInitial,
	}
	w.job = periodic.New(settings.WatchdogTriggerPeriod, w.trigger)
	return w
}

// Start connects the link (if needed) and starts the periodic trigger job.
// Immediately after Start, IsEnabled is false: TriggerInitial has the
// ENABLE bit clear.
func (w *Watchdog) Start() {
	if !w.link.IsConnected() {
		if err := w.link.Connect(); err != nil {
			w.log.WithError(err).Error("failed to connect to the watchdog")
			return
		}
		w.log.Info("connected to the watchdog")
	}

	w.mu.Lock()
	w.triggerCmd = TriggerInitial
	w.mu.Unlock()

	w.job.Start()
	w.log.Info("watchdog trigger job started")
}

// Stop cancels the trigger job, sets the command to STOP, makes one final
// attempt to send it, and disconnects unconditionally. Stop always
// terminates: even if the final send fails, the link is still disconnected,
// and the hardware timer will expire and cut power within one trigger
// period — this is the safety guarantee the whole design leans on.
func (w *Watchdog) Stop() {
	w.job.Stop()

	w.mu.Lock()
	w.triggerCmd = StopCommand
	cmd := w.triggerCmd
	w.mu.Unlock()

	if w.link.IsConnected() {
		if !w.sendCommand(cmd) {
			w.log.Error("unable to send STOP to the watchdog; disabling in an unsafe state")
		}
	}
	if err := w.link.Disconnect(); err != nil {
		w.log.WithError(err).Warn("error disconnecting from the watchdog")
	}
}

// IsEnabled reports whether the ENABLE bit is currently set in the trigger
// command. It can only read true while the trigger job is running and the
// link is connected; Stop always clears it by construction.
func (w *Watchdog) IsEnabled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.triggerCmd&EnableMask == EnableMask
}

// IsConnected reports the underlying link's connection state.
func (w *Watchdog) IsConnected() bool {
	return w.link.IsConnected()
}

// ToggleEnable flips the ENABLE bit, sends the result, and flips it back and
// stops the watchdog if the response is bad.
func (w *Watchdog) ToggleEnable() {
	w.mu.Lock()
	w.triggerCmd ^= EnableMask
	cmd := w.triggerCmd
	w.mu.Unlock()

	if !w.sendCommand(cmd) {
		w.log.Error("failure toggling watchdog enable bit; reverting and stopping")
		w.mu.Lock()
		w.triggerCmd ^= EnableMask
		w.mu.Unlock()
		w.Stop()
	}
}

// trigger is the periodic job body: flip the toggle bit and send it. Stop
// waits for this job to exit, so a bad response stops the watchdog from its
// own goroutine rather than inside the job.
func (w *Watchdog) trigger(ctx context.Context) {
	w.mu.Lock()
	w.triggerCmd ^= ToggleMask
	cmd := w.triggerCmd
	w.mu.Unlock()

	if !w.sendCommand(cmd) {
		w.log.Error("bad response triggering the watchdog; stopping")
		go w.Stop()
	}
}

// sendCommand renders cmd as "%08X" ASCII and expects exactly "OK\r\n" back.
func (w *Watchdog) sendCommand(cmd uint32) bool {
	wire := []byte(fmt.Sprintf("%08X", cmd))
	resp, err := w.link.SendAndReceive(wire, make([]byte, 4))
	if err != nil {
		if err == devicelink.ErrTimeout {
			w.log.WithError(err).Error("timed out communicating with the watchdog")
		}
		return false
	}
	return string(resp) == "OK\r\n"
}
