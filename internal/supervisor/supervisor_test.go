package supervisor

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"go.viam.com/test"

	"turntable-core/internal/devicelink"
	"turntable-core/internal/encoder"
	"turntable-core/internal/motor"
)

type fixedSettings struct {
	kp, ki, kd   float64
	maxVoltage   float64
	minControl   float64
	maxError     float64
	updatePeriod time.Duration
	guiPeriod    time.Duration
}

func (s fixedSettings) ProportionalGain() float64       { return s.kp }
func (s fixedSettings) IntegralGain() float64           { return s.ki }
func (s fixedSettings) DerivativeGain() float64         { return s.kd }
func (s fixedSettings) MaximumVoltage() float64         { return s.maxVoltage }
func (s fixedSettings) MinimumControlSignalValue() float64 { return s.minControl }
func (s fixedSettings) MaximumAllowedError() float64    { return s.maxError }
func (s fixedSettings) VoltageUpdatePeriod() time.Duration { return s.updatePeriod }
func (s fixedSettings) GUIUpdatePeriod() time.Duration  { return s.guiPeriod }

type motorSettings struct {
	fixedSettings
	min, max, step float64
	triggerPeriod  time.Duration
}

func (s motorSettings) MinimumVoltage() float64            { return s.min }
func (s motorSettings) VoltageStep() float64                { return s.step }
func (s motorSettings) WatchdogTriggerPeriod() time.Duration { return s.triggerPeriod }

type recordingBus struct {
	mu            sync.Mutex
	enabledCalls  int
	disabledCalls int
	lastState     GUIState
}

func (b *recordingBus) PublishControlsEnabled() {
	b.mu.Lock()
	b.enabledCalls++
	b.mu.Unlock()
}

func (b *recordingBus) PublishControlsDisabled() {
	b.mu.Lock()
	b.disabledCalls++
	b.mu.Unlock()
}

func (b *recordingBus) PublishState(s GUIState) {
	b.mu.Lock()
	b.lastState = s
	b.mu.Unlock()
}

type fakeRemote struct {
	mu        sync.Mutex
	connected bool
}

func (r *fakeRemote) Connect() error {
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

func (r *fakeRemote) Disconnect() {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
}

func (r *fakeRemote) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// packet builds the fixed reply the fake Baumer encoder server below always
// sends, with a valid LRC byte.
func packet(ead, mtH, mtL, stH, stL byte) []byte {
	lrc := ead ^ mtH ^ mtL ^ stH ^ stL
	return []byte{0x01, ead, mtH, mtL, stH, stL, lrc, 0x04}
}

func newFakeEncoderServer(t *testing.T, resp []byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 5)
				for {
					n, err := conn.Read(buf)
					if err != nil || n != 5 {
						return
					}
					conn.Write(resp)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

// fake analog motor controller server: echoes back the last voltage
// written. Watchdog triggers go to newFakeWatchdogServer.
func newFakeMotorServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { ln.Close() })
	current := "+00.000"
	var mu sync.Mutex
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 64)
				for {
					n, err := conn.Read(buf)
					if err != nil {
						return
					}
					line := string(buf[:n])
					switch {
					case len(line) > 0 && line[0] == '#':
						mu.Lock()
						current = line[3 : len(line)-1]
						mu.Unlock()
						conn.Write([]byte(">\r"))
					case len(line) > 0 && line[0] == '$':
						mu.Lock()
						v := current
						mu.Unlock()
						conn.Write([]byte(fmt.Sprintf("!01%s\r", v)))
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func newFakeWatchdogServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				buf := make([]byte, 8)
				for {
					n, err := conn.Read(buf)
					if err != nil || n != 8 {
						return
					}
					conn.Write([]byte("OK\r\n"))
				}
			}()
		}
	}()
	return ln.Addr().String()
}

type testRig struct {
	sup     *Supervisor
	bus     *recordingBus
	remote  *fakeRemote
	motor   *motor.MotorController
	encoder *encoder.ShaftEncoder
}

func newTestRig(t *testing.T, encoderResp []byte, settings fixedSettings) *testRig {
	t.Helper()
	log := logrus.New().WithField("test", t.Name())

	encAddr := newFakeEncoderServer(t, encoderResp)
	motorAddr := newFakeMotorServer(t)
	wdAddr := newFakeWatchdogServer(t)

	encLink := devicelink.New(encAddr, time.Second)
	enc := encoder.New(encLink, fixedEncoderSettings(5*time.Millisecond), log)

	motorLink := devicelink.New(motorAddr, time.Second)
	wdLink := devicelink.New(wdAddr, time.Second)
	mset := motorSettings{fixedSettings: settings, min: 0.5, max: 7, step: 1, triggerPeriod: time.Hour}
	mc := motor.New(motorLink, wdLink, mset, log)

	bus := &recordingBus{}
	sup := New(enc, mc, bus, settings, log)
	remote := &fakeRemote{}
	sup.SetRemote(remote)

	return &testRig{sup: sup, bus: bus, remote: remote, motor: mc, encoder: enc}
}

type fixedEncoderSettings time.Duration

func (s fixedEncoderSettings) PositionSamplePeriod() time.Duration { return time.Duration(s) }
func (s fixedEncoderSettings) ByteOrder() binary.ByteOrder         { return binary.BigEndian }

func defaultSettings() fixedSettings {
	return fixedSettings{
		kp: 0.8, ki: 0.05, kd: 0.02,
		maxVoltage:   7,
		minControl:   0.3,
		maxError:     0.025,
		updatePeriod: 2 * time.Millisecond,
		guiPeriod:    time.Hour,
	}
}

func TestConnectPublishesControlsEnabledWhenAllLinksUp(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0, 0, 0, 0), defaultSettings())
	err := rig.sup.Connect()
	test.That(t, err, test.ShouldBeNil)
	defer rig.sup.Disconnect()

	test.That(t, rig.bus.enabledCalls, test.ShouldEqual, 1)
}

func TestDisconnectAlwaysPublishesControlsDisabled(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0, 0, 0, 0), defaultSettings())
	test.That(t, rig.sup.Connect(), test.ShouldBeNil)
	rig.sup.Disconnect()

	test.That(t, rig.bus.disabledCalls, test.ShouldEqual, 1)
	test.That(t, rig.remote.IsConnected(), test.ShouldBeFalse)
}

func TestStopMotionWithNoActiveGotoIsANoOp(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0, 0, 0, 0), defaultSettings())
	test.That(t, rig.sup.Connect(), test.ShouldBeNil)
	defer rig.sup.Disconnect()

	rig.sup.StopMotion()
	test.That(t, rig.motor.CurrentVoltage(), test.ShouldEqual, 0.0)
}

func TestGotoPositionAlreadyAtTargetTurnsMotorOffImmediately(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0, 0, 0, 0), defaultSettings())
	test.That(t, rig.sup.Connect(), test.ShouldBeNil)
	defer rig.sup.Disconnect()

	rig.sup.GotoPosition(rig.sup.Displayed())

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && rig.motor.IsEnabled() {
		time.Sleep(time.Millisecond)
	}
	test.That(t, rig.motor.IsEnabled(), test.ShouldBeFalse)
	test.That(t, rig.motor.CurrentVoltage(), test.ShouldEqual, 0.0)
}

func TestResetMotorVoltageDisablesThenZeroes(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0, 0, 0, 0), defaultSettings())
	test.That(t, rig.sup.Connect(), test.ShouldBeNil)
	defer rig.sup.Disconnect()

	rig.motor.ToggleEnable()
	rig.motor.SetVoltage(3)
	rig.sup.ResetMotorVoltage()

	test.That(t, rig.motor.IsEnabled(), test.ShouldBeFalse)
	test.That(t, rig.motor.CurrentVoltage(), test.ShouldEqual, 0.0)
}

func TestSetPositionOffsetZeroesDisplayedPosition(t *testing.T) {
	rig := newTestRig(t, packet(0x02, 0x00, 0x01, 0x00, 0x00), defaultSettings())
	test.That(t, rig.sup.Connect(), test.ShouldBeNil)
	defer rig.sup.Disconnect()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && rig.encoder.CurrentAngle() == 0 {
		time.Sleep(time.Millisecond)
	}

	rig.sup.SetPositionOffset()
	test.That(t, rig.sup.Displayed(), test.ShouldAlmostEqual, 0.0, 1e-9)

	rig.sup.ResetOffset()
	test.That(t, rig.sup.Displayed(), test.ShouldAlmostEqual, rig.encoder.CurrentAngle(), 1e-9)
}
