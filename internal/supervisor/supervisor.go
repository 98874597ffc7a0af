// Package supervisor composes the shaft encoder, motor controller, and
// remote command server into the single running turntable: position
// bookkeeping, connection lifecycle, and the PID go-to-position task.
package supervisor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"turntable-core/internal/encoder"
	"turntable-core/internal/motor"
	"turntable-core/internal/periodic"
	"turntable-core/internal/pid"
)

// Settings is the subset of the configuration bag the supervisor and its
// go-to-position loop read.
type Settings interface {
	ProportionalGain() float64
	IntegralGain() float64
	DerivativeGain() float64
	MaximumVoltage() float64
	MinimumControlSignalValue() float64
	MaximumAllowedError() float64
	VoltageUpdatePeriod() time.Duration
	GUIUpdatePeriod() time.Duration
}

// GUIState is the snapshot published on every update_gui tick.
type GUIState struct {
	ShaftConnected    bool
	MotorConnected    bool
	WatchdogConnected bool
	RemoteConnected   bool
	Current           float64
	Target            float64
	Error             float64
}

// EventBus is how the supervisor tells the outside world about connection
// state and position. Kept as an interface here, rather than importing
// internal/eventbus directly, so the bus implementation can depend on this
// package instead of the other way around.
type EventBus interface {
	PublishControlsEnabled()
	PublishControlsDisabled()
	PublishState(GUIState)
}

// remoteServer is the slice of *remote.Server the supervisor needs. Declared
// locally so internal/remote can depend on this package's exported API
// without this package importing internal/remote back.
type remoteServer interface {
	Connect() error
	Disconnect()
	IsConnected() bool
}

// Position holds the offset/target a running goto task and the GUI tick
// read and write. current and displayed are never cached here — they are
// always read fresh off the encoder so error reflects the live shaft angle
// on every evaluation.
type Position struct {
	mu     sync.RWMutex
	offset float64
	target float64
}

func (p *Position) Offset() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.offset
}

func (p *Position) SetOffset(v float64) {
	p.mu.Lock()
	p.offset = v
	p.mu.Unlock()
}

func (p *Position) Target() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.target
}

func (p *Position) setTarget(v float64) {
	p.mu.Lock()
	p.target = v
	p.mu.Unlock()
}

// Supervisor is the composing brain: it owns the encoder, the motor
// controller (which in turn owns the watchdog), and the remote command
// server, and drives the go-to-position control loop.
type Supervisor struct {
	log      *logrus.Entry
	settings Settings
	encoder  *encoder.ShaftEncoder
	motor    *motor.MotorController
	remote   remoteServer
	events   EventBus

	position Position

	gotoMu sync.Mutex
	goto_  *utils.StoppableWorkers

	guiJob *periodic.Job
}

// New creates a Supervisor. The remote command server is wired in later via
// SetRemote, since it is constructed from a reference to this Supervisor.
func New(enc *encoder.ShaftEncoder, mc *motor.MotorController, events EventBus, settings Settings, log *logrus.Entry) *Supervisor {
	s := &Supervisor{
		log:      log.WithField("component", "supervisor"),
		settings: settings,
		encoder:  enc,
		motor:    mc,
		events:   events,
	}
	s.guiJob = periodic.New(settings.GUIUpdatePeriod, s.updateGUI)
	return s
}

// SetRemote attaches the remote command server. Must be called before
// Connect.
func (s *Supervisor) SetRemote(r remoteServer) {
	s.remote = r
}

// Start spawns the GUI publish tick. It does not connect to any device.
func (s *Supervisor) Start() {
	s.guiJob.Start()
}

// Connect starts the encoder, the motor controller (which starts its
// watchdog), and the remote server, concurrently, then publishes "controls
// enabled" if every link came up.
func (s *Supervisor) Connect() error {
	var g errgroup.Group
	g.Go(func() error {
		s.encoder.Start()
		return nil
	})
	g.Go(func() error {
		s.motor.Start()
		return nil
	})
	g.Go(func() error {
		return s.remote.Connect()
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if s.allConnected() {
		s.events.PublishControlsEnabled()
	}
	return nil
}

// Disconnect stops the encoder, the motor controller, and the remote
// server, concurrently, then publishes "controls disabled" unconditionally.
func (s *Supervisor) Disconnect() {
	var g errgroup.Group
	g.Go(func() error {
		s.encoder.Stop()
		return nil
	})
	g.Go(func() error {
		s.motor.Stop()
		return nil
	})
	g.Go(func() error {
		s.remote.Disconnect()
		return nil
	})
	_ = g.Wait()

	s.events.PublishControlsDisabled()
}

// Stop stops any running motion and disconnects everything.
func (s *Supervisor) Stop() {
	s.StopMotion()
	s.Disconnect()
}

// StopMotion cancels a running goto task, if any, and zeroes the motor
// voltage if it is not already zero.
func (s *Supervisor) StopMotion() {
	s.gotoMu.Lock()
	g := s.goto_
	s.goto_ = nil
	s.gotoMu.Unlock()

	if g != nil {
		g.Stop()
	}

	if s.motor.CurrentVoltage() != 0.000 {
		s.ResetMotorVoltage()
	}
}

// ResetMotorVoltage disables the motor, if enabled, then zeroes its
// voltage.
func (s *Supervisor) ResetMotorVoltage() {
	if s.motor.IsEnabled() {
		s.motor.ToggleEnable()
	}
	s.motor.SetVoltage(0.000)
}

// SetMotorVoltage is the direct voltage control path (as opposed to
// go-to-position): it enables the motor if a nonzero voltage is requested
// while disabled, then applies it.
func (s *Supervisor) SetMotorVoltage(v float64) {
	if !s.motor.IsEnabled() && v != 0.000 {
		s.motor.ToggleEnable()
	}
	s.motor.SetVoltage(v)
}

// SetPositionOffset zeroes the displayed position at the current shaft
// angle by setting offset = -current.
func (s *Supervisor) SetPositionOffset() {
	s.position.SetOffset(-s.encoder.CurrentAngle())
}

// ResetOffset clears the position offset.
func (s *Supervisor) ResetOffset() {
	s.position.SetOffset(0.000)
}

// Offset returns the current position offset, used when saving it as a
// named zero point.
func (s *Supervisor) Offset() float64 {
	return s.position.Offset()
}

// SetOffsetValue sets the position offset directly, used when loading a
// saved zero point.
func (s *Supervisor) SetOffsetValue(v float64) {
	s.position.SetOffset(v)
}

// Displayed is the current shaft angle plus the position offset.
func (s *Supervisor) Displayed() float64 {
	return s.encoder.CurrentAngle() + s.position.Offset()
}

// CurrentAzimuth and CurrentElevation both report the displayed position;
// this turntable has a single rotational axis, so elevation aliases
// azimuth throughout.
func (s *Supervisor) CurrentAzimuth() float64   { return s.Displayed() }
func (s *Supervisor) CurrentElevation() float64 { return s.Displayed() }

func (s *Supervisor) allConnected() bool {
	return s.encoder.IsConnected() &&
		s.motor.IsMotorControllerConnected() &&
		s.motor.IsWatchdogConnected() &&
		s.remote.IsConnected()
}

// updateGUI is the periodic publish tick: connection flags plus the
// current/target/error triple.
func (s *Supervisor) updateGUI(ctx context.Context) {
	target := s.position.Target()
	current := s.Displayed()

	s.events.PublishState(GUIState{
		ShaftConnected:    s.encoder.IsConnected(),
		MotorConnected:    s.motor.IsMotorControllerConnected(),
		WatchdogConnected: s.motor.IsWatchdogConnected(),
		RemoteConnected:   s.remote.IsConnected(),
		Current:           current,
		Target:            target,
		Error:             current - target,
	})
}

// GotoAzimuth and GotoElevation both drive the single PID go-to-position
// task; elevation aliases azimuth here too.
func (s *Supervisor) GotoAzimuth(target float64)   { s.GotoPosition(target) }
func (s *Supervisor) GotoElevation(target float64) { s.GotoPosition(target) }

// StepPosition moves by a relative delta from the current displayed
// position.
func (s *Supervisor) StepPosition(delta float64) {
	s.GotoPosition(s.Displayed() + delta)
}

// GotoPosition runs the PID control loop in its own cancellable worker,
// superseding any goto task already in flight.
func (s *Supervisor) GotoPosition(target float64) {
	s.gotoMu.Lock()
	defer s.gotoMu.Unlock()

	if s.goto_ != nil {
		prev := s.goto_
		s.goto_ = nil
		s.gotoMu.Unlock()
		prev.Stop()
		s.gotoMu.Lock()
	}

	s.position.setTarget(target)
	if !s.motor.IsEnabled() {
		s.motor.ToggleEnable()
	}

	gains := pid.Gains{
		KP: s.settings.ProportionalGain(),
		KI: s.settings.IntegralGain(),
		KD: s.settings.DerivativeGain(),
	}
	controller := pid.New(gains)

	s.goto_ = utils.NewBackgroundStoppableWorkers(func(ctx context.Context) {
		s.runGotoLoop(ctx, controller, target)
	})
}

// runGotoLoop is the PID loop body: evaluate error, exit on dead-band or
// cancellation, otherwise compute, clamp, and apply the next control
// signal, then wait one tick.
func (s *Supervisor) runGotoLoop(ctx context.Context, controller *pid.Controller, target float64) {
	updatePeriod := s.settings.VoltageUpdatePeriod()
	maxVoltage := s.settings.MaximumVoltage()
	minControl := s.settings.MinimumControlSignalValue()
	maxError := s.settings.MaximumAllowedError()

	for {
		if ctx.Err() != nil {
			return
		}

		e := s.Displayed() - target
		if math.Abs(e) < maxError {
			s.motor.SetVoltage(0.000)
			s.motor.ToggleEnable()
			return
		}

		u := controller.Step(e, updatePeriod.Seconds())
		u = pid.Clamp(u, maxVoltage)
		u = pid.MinimumFloor(u, minControl)
		s.motor.SetVoltage(u)

		if !utils.SelectContextOrWait(ctx, updatePeriod) {
			return
		}
	}
}
