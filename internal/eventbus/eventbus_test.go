package eventbus

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"go.viam.com/test"
)

func newTestLog(t *testing.T) *logrus.Entry {
	return logrus.New().WithField("test", t.Name())
}

// fakeSupervisor records every call dispatch makes, guarded by a mutex since
// dispatch always runs on the single command-processing goroutine but the
// test reads the recorded calls from the test goroutine.
type fakeSupervisor struct {
	mu sync.Mutex

	connectCalls      int
	disconnectCalls   int
	gotoCalls         []float64
	stepCalls         []float64
	setVoltageCalls   []float64
	resetVoltageCalls int
	stopMotionCalls   int
	setZeroCalls      int
	resetZeroCalls    int
	stopCalls         int
	offsetValue       float64
	setOffsetCalls    []float64
}

func (f *fakeSupervisor) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	return nil
}
func (f *fakeSupervisor) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
}
func (f *fakeSupervisor) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}
func (f *fakeSupervisor) StopMotion() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopMotionCalls++
}
func (f *fakeSupervisor) GotoAzimuth(target float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gotoCalls = append(f.gotoCalls, target)
}
func (f *fakeSupervisor) StepPosition(delta float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stepCalls = append(f.stepCalls, delta)
}
func (f *fakeSupervisor) SetMotorVoltage(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setVoltageCalls = append(f.setVoltageCalls, v)
}
func (f *fakeSupervisor) ResetMotorVoltage() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetVoltageCalls++
}
func (f *fakeSupervisor) SetPositionOffset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setZeroCalls++
}
func (f *fakeSupervisor) ResetOffset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetZeroCalls++
}
func (f *fakeSupervisor) Offset() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offsetValue
}
func (f *fakeSupervisor) SetOffsetValue(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setOffsetCalls = append(f.setOffsetCalls, v)
}

type fakeZeroPoints struct {
	mu sync.Mutex

	offset        float64
	activeErr     error
	activeCalls   []int
	createCalls   []string
	createOffsets []float64
}

func (f *fakeZeroPoints) GetOffset() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}
func (f *fakeZeroPoints) SetActive(index int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls = append(f.activeCalls, index)
	return f.activeErr
}
func (f *fakeZeroPoints) CreateZeroPoint(name string, offset float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls = append(f.createCalls, name)
	f.createOffsets = append(f.createOffsets, offset)
	return nil
}

func floatPtr(v float64) *float64 { return &v }
func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }
func strPtr(v string) *string     { return &v }

func TestDispatchGotoCallsSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: &fakeZeroPoints{}}

	c.dispatch(CmdPayload{Goto: floatPtr(45.0)})
	test.That(t, sup.gotoCalls, test.ShouldResemble, []float64{45.0})
}

func TestDispatchStepCallsSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: &fakeZeroPoints{}}

	c.dispatch(CmdPayload{Step: floatPtr(-2.5)})
	test.That(t, sup.stepCalls, test.ShouldResemble, []float64{-2.5})
}

func TestDispatchMultipleFieldsAppliesAll(t *testing.T) {
	sup := &fakeSupervisor{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: &fakeZeroPoints{}}

	c.dispatch(CmdPayload{
		Connect:    boolPtr(true),
		SetVoltage: floatPtr(3.5),
		StopMotion: boolPtr(true),
	})

	test.That(t, sup.connectCalls, test.ShouldEqual, 1)
	test.That(t, sup.setVoltageCalls, test.ShouldResemble, []float64{3.5})
	test.That(t, sup.stopMotionCalls, test.ShouldEqual, 1)
}

func TestDispatchFalseFlagsAreNoOps(t *testing.T) {
	sup := &fakeSupervisor{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: &fakeZeroPoints{}}

	c.dispatch(CmdPayload{ResetVoltage: boolPtr(false), StopMotion: boolPtr(false)})

	test.That(t, sup.resetVoltageCalls, test.ShouldEqual, 0)
	test.That(t, sup.stopMotionCalls, test.ShouldEqual, 0)
}

func TestDispatchSaveZeroCreatesZeroPointAtCurrentOffset(t *testing.T) {
	sup := &fakeSupervisor{offsetValue: 12.5}
	zp := &fakeZeroPoints{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: zp}

	c.dispatch(CmdPayload{SaveZero: strPtr("Bench")})

	test.That(t, zp.createCalls, test.ShouldResemble, []string{"Bench"})
	test.That(t, zp.createOffsets, test.ShouldResemble, []float64{12.5})
}

func TestDispatchLoadZeroAppliesStoredOffsetToSupervisor(t *testing.T) {
	sup := &fakeSupervisor{}
	zp := &fakeZeroPoints{offset: -7.0}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: zp}

	c.dispatch(CmdPayload{LoadZero: intPtr(1)})

	test.That(t, zp.activeCalls, test.ShouldResemble, []int{1})
	test.That(t, sup.setOffsetCalls, test.ShouldResemble, []float64{-7.0})
}

func TestDispatchCloseStopsSupervisorAndInvokesCallback(t *testing.T) {
	sup := &fakeSupervisor{}
	c := &Client{log: newTestLog(t), supervisor: sup, zeroPoints: &fakeZeroPoints{}}

	closed := false
	c.OnClose(func() { closed = true })
	c.dispatch(CmdPayload{Close: boolPtr(true)})

	test.That(t, sup.stopCalls, test.ShouldEqual, 1)
	test.That(t, closed, test.ShouldBeTrue)
}

func TestCmdPayloadUnmarshalsKnownFields(t *testing.T) {
	var p CmdPayload
	err := json.Unmarshal([]byte(`{"goto": 90.0, "stop_motion": true}`), &p)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.Goto, test.ShouldNotBeNil)
	test.That(t, *p.Goto, test.ShouldEqual, 90.0)
	test.That(t, p.StopMotion, test.ShouldNotBeNil)
	test.That(t, *p.StopMotion, test.ShouldBeTrue)
}

func TestStatePayloadMarshalsAllFields(t *testing.T) {
	b, err := json.Marshal(statePayload{Shaft: true, Motor: true, Current: 1.5, Target: 2.5, Error: -1.0})
	test.That(t, err, test.ShouldBeNil)

	var round statePayload
	test.That(t, json.Unmarshal(b, &round), test.ShouldBeNil)
	test.That(t, round.Shaft, test.ShouldBeTrue)
	test.That(t, round.Current, test.ShouldEqual, 1.5)
	test.That(t, round.Error, test.ShouldEqual, -1.0)
}
