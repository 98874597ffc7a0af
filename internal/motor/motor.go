// Package motor drives the networked analog motor controller: voltage
// clamping, the ASCII read/write protocol, and the watchdog it owns.
package motor

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"turntable-core/internal/devicelink"
	"turntable-core/internal/periodic"
	"turntable-core/internal/watchdog"
)

// State mirrors the four-state motor model. RampingUp and RampingDown are
// never produced by this controller — they exist in the data model but
// nothing in the wire protocol reports a ramp phase — only Running and
// Stopped are ever observed.
type State int

const (
	RampingUp State = iota
	RampingDown
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case RampingUp:
		return "RAMPING_UP"
	case RampingDown:
		return "RAMPING_DOWN"
	case Running:
		return "RUNNING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Settings is the subset of the configuration bag the MotorController and
// the Watchdog it owns read on every tick.
type Settings interface {
	watchdog.Settings
	MinimumVoltage() float64
	MaximumVoltage() float64
	VoltageStep() float64
	VoltageUpdatePeriod() time.Duration
}

const (
	serialAddress = "01"
	serialChannel = "0"
)

// MotorController sets the analog output voltage and owns the Watchdog that
// gates whether that voltage reaches the motor.
type MotorController struct {
	log      *logrus.Entry
	link     *devicelink.Link
	settings Settings
	watchdog *watchdog.Watchdog

	readCommand []byte

	ioMu sync.Mutex // serializes poll/set/read on the motor link

	current atomic.Uint64 // float64 bits
	state   atomic.Int32

	job *periodic.Job
}

// New creates a MotorController bound to link, with its own Watchdog bound
// to watchdogLink.
func New(link, watchdogLink *devicelink.Link, settings Settings, log *logrus.Entry) *MotorController {
	m := &MotorController{
		log:         log.WithField("component", "motor_controller"),
		link:        link,
		settings:    settings,
		readCommand: []byte(fmt.Sprintf("$%s8%s\r", serialAddress, serialChannel)),
	}
	m.watchdog = watchdog.New(watchdogLink, settings, log)
	m.state.Store(int32(Stopped))
	m.job = periodic.New(settings.VoltageUpdatePeriod, m.poll)
	return m
}

// Start connects the link, zeroes the voltage, starts the Watchdog, and
// starts the periodic voltage-poll job.
func (m *MotorController) Start() {
	if !m.link.IsConnected() {
		if err := m.link.Connect(); err != nil {
			m.log.WithError(err).Error("failed to connect to the motor controller")
			return
		}
		m.log.Info("connected to the motor controller")
	}

	m.log.Info("motor controller connected, starting the watchdog")
	m.SetVoltage(0)
	m.watchdog.Start()
	m.job.Start()
}

// Stop zeroes the voltage, stops the poll job and the Watchdog, and
// disconnects. Idempotent.
func (m *MotorController) Stop() {
	if !m.link.IsConnected() {
		return
	}
	m.SetVoltage(0)
	m.job.Stop()
	m.watchdog.Stop()
	if err := m.link.Disconnect(); err != nil {
		m.log.WithError(err).Warn("error disconnecting from the motor controller")
	}
}

// EmergencyStop stops the Watchdog and disconnects the motor link directly,
// without attempting the zero-voltage command — used when the link itself
// is suspected compromised.
func (m *MotorController) EmergencyStop() {
	if !m.IsWatchdogConnected() || !m.IsMotorControllerConnected() {
		return
	}
	m.watchdog.Stop()
	if err := m.link.Disconnect(); err != nil {
		m.log.WithError(err).Warn("error disconnecting from the motor controller")
	}
}

// CurrentVoltage returns the last voltage read back from the controller.
func (m *MotorController) CurrentVoltage() float64 {
	return math.Float64frombits(m.current.Load())
}

// State returns the motor's running state, derived from the current
// voltage against the configured minimum.
func (m *MotorController) State() State {
	return State(m.state.Load())
}

// IsEnabled reports the Watchdog's enable bit.
func (m *MotorController) IsEnabled() bool {
	return m.watchdog.IsEnabled()
}

// ToggleEnable flips the Watchdog's enable bit.
func (m *MotorController) ToggleEnable() {
	m.watchdog.ToggleEnable()
}

// IsMotorControllerConnected reports the motor link's connection state.
func (m *MotorController) IsMotorControllerConnected() bool {
	return m.link.IsConnected()
}

// IsWatchdogConnected reports the Watchdog's link connection state.
func (m *MotorController) IsWatchdogConnected() bool {
	return m.watchdog.IsConnected()
}

// StepMotorVoltage adds the configured step to the current voltage and
// applies it, but only if the result stays within range — unlike
// SetVoltage, an out-of-range step is a no-op rather than a clamp.
func (m *MotorController) StepMotorVoltage() {
	if !m.IsMotorControllerConnected() {
		m.log.Debug("motor controller is not connected")
		return
	}

	newVoltage := m.CurrentVoltage() + m.settings.VoltageStep()
	if newVoltage >= m.settings.MinimumVoltage() && newVoltage <= m.settings.MaximumVoltage() {
		m.SetVoltage(newVoltage)
	}
}

// SetVoltage clamps v to [min, max] via sort-of-three and writes it to the
// controller. A bad response stops the controller and forces the Stopped
// state.
func (m *MotorController) SetVoltage(v float64) {
	if !m.IsMotorControllerConnected() {
		m.log.Debug("motor controller is not connected")
		return
	}

	v = clamp(v, m.settings.MinimumVoltage(), m.settings.MaximumVoltage())
	command := []byte(fmt.Sprintf("#%s%s%+07.3f\r", serialAddress, serialChannel, v))

	resp, ok := m.exchange(command)
	if !ok || string(resp) != ">\r" {
		m.log.Error("bad response received from the motor controller")
		m.Stop()
		m.state.Store(int32(Stopped))
		return
	}

	m.current.Store(math.Float64bits(v))
	m.state.Store(int32(updateMotorState(v, m.settings.MinimumVoltage())))
}

// updateMotorState derives Running/Stopped from the target voltage's
// magnitude against the configured minimum.
func updateMotorState(targetVoltage, minimumVoltage float64) State {
	if math.Abs(targetVoltage) > minimumVoltage {
		return Running
	}
	return Stopped
}

// clamp implements sort-of-three: sorting [min, v, max] and taking the
// middle element always yields v clamped to [min, max].
func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// poll is the periodic job body: read the current voltage back. Stop waits
// for this job to exit, so a bad reply stops the controller from its own
// goroutine rather than inside the job.
func (m *MotorController) poll(ctx context.Context) {
	resp, ok := m.exchange(m.readCommand)
	if !ok || len(resp) < 3 || resp[0] != '!' || resp[len(resp)-1] != '\r' {
		m.log.WithField("command", string(m.readCommand)).Debug("command sent")
		m.log.Error("bad response received from the motor controller")
		m.log.Warn("turning off the motor controller")
		go m.Stop()
		return
	}

	value := strings.TrimSpace(string(resp[3 : len(resp)-2]))
	voltage, err := strconv.ParseFloat(value, 64)
	if err != nil {
		m.log.WithError(err).Error("could not parse voltage from the motor controller response")
		go m.Stop()
		return
	}
	m.current.Store(math.Float64bits(voltage))
}

// exchange serializes all link I/O under ioMu and reports whether it
// succeeded. A timeout is fatal to the motor controller.
func (m *MotorController) exchange(command []byte) ([]byte, bool) {
	m.ioMu.Lock()
	defer m.ioMu.Unlock()

	resp, err := m.link.SendAndReceive(command, make([]byte, 64))
	if err != nil {
		if err == devicelink.ErrTimeout {
			m.log.WithError(err).Error("unable to get a response from the motor controller; stopping")
		}
		return nil, false
	}
	return resp, true
}
