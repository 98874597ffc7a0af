// Package eventbus publishes turntable telemetry and dispatches GUI
// commands over MQTT, using a state-topic/cmd-topic publish/subscribe
// shape.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"turntable-core/internal/supervisor"
)

// Settings is the subset of the configuration bag the bus needs to connect
// to its broker and name its topics.
type Settings interface {
	MQTTBrokerURL() string
	MQTTClientID() string
	MQTTUsername() string
	MQTTPassword() string
	MQTTStateTopic() string
	MQTTCommandTopic() string
}

// Supervisor is the slice of *supervisor.Supervisor the bus dispatches GUI
// commands onto. Declared locally so this package depends on supervisor's
// exported API rather than supervisor depending on this package.
type Supervisor interface {
	Connect() error
	Disconnect()
	Stop()
	StopMotion()
	GotoAzimuth(target float64)
	StepPosition(delta float64)
	SetMotorVoltage(v float64)
	ResetMotorVoltage()
	SetPositionOffset()
	ResetOffset()
	Offset() float64
	SetOffsetValue(v float64)
}

// ZeroPoints is the slice of *zeropoint.Store the bus needs for the
// save/load zero point commands.
type ZeroPoints interface {
	GetOffset() float64
	SetActive(index int) error
	CreateZeroPoint(name string, offset float64) error
}

// CmdPayload is the wire shape of one GUI command message. Any subset of
// fields may be set; a message with several set fields applies all of them,
// in the order they're listed below.
type CmdPayload struct {
	Connect      *bool    `json:"connect,omitempty"`
	Disconnect   *bool    `json:"disconnect,omitempty"`
	Goto         *float64 `json:"goto,omitempty"`
	Step         *float64 `json:"step,omitempty"`
	SetVoltage   *float64 `json:"set_voltage,omitempty"`
	ResetVoltage *bool    `json:"reset_voltage,omitempty"`
	StopMotion   *bool    `json:"stop_motion,omitempty"`
	SetZero      *bool    `json:"set_zero,omitempty"`
	ResetZero    *bool    `json:"reset_zero,omitempty"`
	SaveZero     *string  `json:"save_zero,omitempty"`
	LoadZero     *int     `json:"load_zero,omitempty"`
	Close        *bool    `json:"close,omitempty"`
}

type eventPayload struct {
	Event string `json:"event"`
}

type statePayload struct {
	Shaft    bool    `json:"shaft"`
	Motor    bool    `json:"motor"`
	Watchdog bool    `json:"watchdog"`
	TCP      bool    `json:"tcp"`
	Current  float64 `json:"current"`
	Target   float64 `json:"target"`
	Error    float64 `json:"error"`
}

// Client is the MQTT-backed EventBus: it publishes telemetry on the state
// topic and dispatches GUI commands received on the command topic.
type Client struct {
	log        *logrus.Entry
	settings   Settings
	supervisor Supervisor
	zeroPoints ZeroPoints
	client     mqtt.Client
	onClose    func()
	cmds       chan CmdPayload
}

// New creates a Client. SetSupervisor must be called, and Start must be
// called, before it will dispatch commands or connect to a broker.
func New(settings Settings, zp ZeroPoints, log *logrus.Entry) *Client {
	return &Client{
		log:        log.WithField("component", "event_bus"),
		settings:   settings,
		zeroPoints: zp,
		cmds:       make(chan CmdPayload, 16),
	}
}

// SetSupervisor attaches the supervisor commands dispatch onto.
// Deferred wiring, the same way supervisor.Supervisor.SetRemote is deferred:
// the supervisor and its event bus are each other's dependents, so one of
// the two wirings must happen after both are constructed.
func (c *Client) SetSupervisor(sup Supervisor) {
	c.supervisor = sup
}

// OnClose registers a callback invoked when a "close" command arrives.
// Typically wired to the process's own shutdown path.
func (c *Client) OnClose(fn func()) {
	c.onClose = fn
}

// Start connects to the configured broker, subscribes to the command topic,
// and starts the background command-processing loop.
func (c *Client) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.settings.MQTTBrokerURL()).
		SetClientID(c.settings.MQTTClientID()).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false)
	if user := c.settings.MQTTUsername(); user != "" {
		opts.SetUsername(user)
		opts.SetPassword(c.settings.MQTTPassword())
	}

	c.client = mqtt.NewClient(opts)
	if tok := c.client.Connect(); !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
		return fmt.Errorf("mqtt connect: %w", tok.Error())
	}

	cmdTopic := c.settings.MQTTCommandTopic()
	if tok := c.client.Subscribe(cmdTopic, 1, c.onMessage); !tok.WaitTimeout(5*time.Second) || tok.Error() != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", cmdTopic, tok.Error())
	}
	c.log.WithField("topic", cmdTopic).Info("subscribed to command topic")

	go c.processCommands()
	return nil
}

// Close disconnects from the broker and stops the command loop. The broker
// must be disconnected first: onMessage runs on the MQTT client's own
// goroutine and keeps sending to c.cmds until the client stops delivering,
// so closing c.cmds any earlier risks a send on a closed channel.
func (c *Client) Close() {
	if c.client != nil {
		c.client.Disconnect(250)
	}
	close(c.cmds)
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var p CmdPayload
	if err := json.Unmarshal(msg.Payload(), &p); err != nil {
		c.log.WithError(err).WithField("payload", string(msg.Payload())).Warn("cmd: bad json")
		return
	}
	c.cmds <- p
}

func (c *Client) processCommands() {
	for p := range c.cmds {
		c.dispatch(p)
	}
}

// dispatch applies every set field of p, in the order commands are listed
// in the external interface.
func (c *Client) dispatch(p CmdPayload) {
	if p.Connect != nil && *p.Connect {
		if err := c.supervisor.Connect(); err != nil {
			c.log.WithError(err).Warn("cmd: connect failed")
		}
	}
	if p.Disconnect != nil && *p.Disconnect {
		c.supervisor.Disconnect()
	}
	if p.Goto != nil {
		c.supervisor.GotoAzimuth(*p.Goto)
	}
	if p.Step != nil {
		c.supervisor.StepPosition(*p.Step)
	}
	if p.SetVoltage != nil {
		c.supervisor.SetMotorVoltage(*p.SetVoltage)
	}
	if p.ResetVoltage != nil && *p.ResetVoltage {
		c.supervisor.ResetMotorVoltage()
	}
	if p.StopMotion != nil && *p.StopMotion {
		c.supervisor.StopMotion()
	}
	if p.SetZero != nil && *p.SetZero {
		c.supervisor.SetPositionOffset()
	}
	if p.ResetZero != nil && *p.ResetZero {
		c.supervisor.ResetOffset()
	}
	if p.SaveZero != nil {
		if err := c.zeroPoints.CreateZeroPoint(*p.SaveZero, c.supervisor.Offset()); err != nil {
			c.log.WithError(err).Warn("cmd: save_zero failed")
		}
	}
	if p.LoadZero != nil {
		if err := c.zeroPoints.SetActive(*p.LoadZero); err != nil {
			c.log.WithError(err).Warn("cmd: load_zero failed")
		} else {
			c.supervisor.SetOffsetValue(c.zeroPoints.GetOffset())
		}
	}
	if p.Close != nil && *p.Close {
		c.supervisor.Stop()
		if c.onClose != nil {
			c.onClose()
		}
	}
}

// PublishControlsEnabled satisfies supervisor.EventBus.
func (c *Client) PublishControlsEnabled() {
	c.publishEvent("controls_enabled")
}

// PublishControlsDisabled satisfies supervisor.EventBus.
func (c *Client) PublishControlsDisabled() {
	c.publishEvent("controls_disabled")
}

func (c *Client) publishEvent(event string) {
	b, err := json.Marshal(eventPayload{Event: event})
	if err != nil {
		c.log.WithError(err).Error("failed to marshal event payload")
		return
	}
	c.client.Publish(c.settings.MQTTStateTopic(), 1, false, b)
}

// PublishState satisfies supervisor.EventBus.
func (c *Client) PublishState(state supervisor.GUIState) {
	b, err := json.Marshal(statePayload{
		Shaft:    state.ShaftConnected,
		Motor:    state.MotorConnected,
		Watchdog: state.WatchdogConnected,
		TCP:      state.RemoteConnected,
		Current:  state.Current,
		Target:   state.Target,
		Error:    state.Error,
	})
	if err != nil {
		c.log.WithError(err).Error("failed to marshal state payload")
		return
	}
	c.client.Publish(c.settings.MQTTStateTopic(), 1, false, b)
}
