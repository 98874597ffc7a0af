// Package config loads and serves the turntable's runtime settings from an
// INI file, bootstrapping a default file when none exists and falling back
// to a built-in default for any key that is missing or unparsable. Numeric
// keys log a warning when they fall back; string keys that are missing or
// empty fall back without one.
package config

import (
	"encoding/binary"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

// ipAddressRegex matches a dotted-quad IPv4 address. It backs
// ValidIPAddress; no Store method calls it, and Store has no path that
// writes an operator-supplied address back to the config file.
var ipAddressRegex = regexp.MustCompile(`(([0-9]|[1-9][0-9]|1[0-9][0-9]|2[0-4][0-9]|25[0-5])\.){3}([0-9]|[1-9][0-9]|1[0-9][0-9]|2[0-4][0-9]|25[0-5])`)

// ValidIPAddress reports whether addr contains a dotted-quad IPv4 address.
func ValidIPAddress(addr string) bool {
	return ipAddressRegex.MatchString(addr)
}

// Store is the typed settings bag every component in this module reads
// from. A single Store satisfies the Settings interface of every package
// that needs one.
type Store struct {
	log  *logrus.Entry
	path string
	file *ini.File
}

// Load reads path, creating it with the built-in defaults if it does not
// exist yet.
func Load(path string, log *logrus.Entry) (*Store, error) {
	s := &Store{log: log.WithField("component", "config"), path: path}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		s.file = ini.Empty()
		s.writeDefaults()
		if err := s.Save(); err != nil {
			return nil, fmt.Errorf("writing default config to %s: %w", path, err)
		}
		s.log.WithField("path", path).Info("wrote default configuration file")
		return s, nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}
	s.file = file
	return s, nil
}

// Save writes the current settings back to disk.
func (s *Store) Save() error {
	return s.file.SaveTo(s.path)
}

func (s *Store) writeDefaults() {
	motorController, _ := s.file.NewSection("MotorController")
	motorController.NewKey("PORT", "10002")
	motorController.NewKey("MAXIMUM_VOLTAGE", "7.000")
	motorController.NewKey("MINIMUM_VOLTAGE", "-7.000")
	motorController.NewKey("MAXIMUM_VOLTAGE_STEP", "7.000")
	motorController.NewKey("MINIMUM_VOLTAGE_STEP", "1.200")
	motorController.NewKey("MINIMUM_VOLTAGE_SAMPLE_PERIOD", "0.03")
	motorController.NewKey("MINIMUM_VOLTAGE_UPDATE_PERIOD", "0.03")
	motorController.NewKey("VOLTAGE_STEP", "0.1")
	motorController.NewKey("VOLTAGE_SAMPLE_PERIOD", "0.05")
	motorController.NewKey("VOLTAGE_UPDATE_PERIOD", "0.05")

	shaftEncoder, _ := s.file.NewSection("ShaftEncoder")
	shaftEncoder.NewKey("PORT", "10003")
	shaftEncoder.NewKey("POSITION_SAMPLE_PERIOD", "0.05")
	shaftEncoder.NewKey("MINIMUM_SAMPLE_PERIOD", "0.03")

	watchdog, _ := s.file.NewSection("Watchdog")
	watchdog.NewKey("PORT", "10000")
	watchdog.NewKey("MINIMUM_TRIGGER_PERIOD", "0.05")
	watchdog.NewKey("TRIGGER_PERIOD", "0.5")

	turnTableController, _ := s.file.NewSection("TurnTableController")
	turnTableController.NewKey("TURNTABLE_IP_ADDRESS", "192.168.22.22")
	turnTableController.NewKey("TIMEOUT", "1")
	turnTableController.NewKey("CONTROL_PROPORTIONAL_GAIN", "1.000")
	turnTableController.NewKey("CONTROL_INTEGRAL_GAIN", "0.100")
	turnTableController.NewKey("CONTROL_DERIVATIVE_GAIN", "0.100")
	turnTableController.NewKey("MAXIMUM_ALLOWED_ERROR", "0.025")
	turnTableController.NewKey("MINIMUM_CONTROL_SIGNAL_VALUE", "1.2")
	turnTableController.NewKey("MINIMUM_GOTO_POSITION", "-720.000")
	turnTableController.NewKey("MAXIMUM_GOTO_POSITION", "720.000")
	turnTableController.NewKey("MINIMUM_STEP_SIZE", "0.05")
	turnTableController.NewKey("MAXIMUM_STEP_SIZE", "360.000")

	tcpServer, _ := s.file.NewSection("TCPServer")
	tcpServer.NewKey("PORT", "10180")
	tcpServer.NewKey("IP_ADDRESS", "localhost")
	tcpServer.NewKey("POSITION_ERROR", "0.05")
	tcpServer.NewKey("POLL_DELAY", "0.5")

	gui, _ := s.file.NewSection("GUI")
	gui.NewKey("UPDATE_PERIOD", "0.1")

	general, _ := s.file.NewSection("GENERAL")
	general.NewKey("ENCODING", "utf-8")
	general.NewKey("BYTE_ORDER", "big")

	mqttSection, _ := s.file.NewSection("MQTT")
	mqttSection.NewKey("BROKER_URL", "tcp://localhost:1883")
	mqttSection.NewKey("CLIENT_ID", "turntable-core")
	mqttSection.NewKey("USERNAME", "")
	mqttSection.NewKey("PASSWORD", "")
	mqttSection.NewKey("STATE_TOPIC", "turntable/state")
	mqttSection.NewKey("CMD_TOPIC", "turntable/cmd")
}

func (s *Store) float(section, key string, def float64) float64 {
	v, err := s.file.Section(section).Key(key).Float64()
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"section": section, "key": key, "default": def}).
			Warn("using default for missing or unparsable setting")
		return def
	}
	return v
}

func (s *Store) int(section, key string, def int) int {
	v, err := s.file.Section(section).Key(key).Int()
	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"section": section, "key": key, "default": def}).
			Warn("using default for missing or unparsable setting")
		return def
	}
	return v
}

func (s *Store) str(section, key, def string) string {
	v := s.file.Section(section).Key(key).String()
	if v == "" {
		return def
	}
	return v
}

func (s *Store) seconds(section, key string, def time.Duration) time.Duration {
	v := s.float(section, key, def.Seconds())
	return time.Duration(v * float64(time.Second))
}

// Device timing and addressing.

func (s *Store) TurntableIPAddress() string { return s.str("TurnTableController", "TURNTABLE_IP_ADDRESS", "192.168.22.22") }
func (s *Store) DeviceTimeout() time.Duration {
	return s.seconds("TurnTableController", "TIMEOUT", time.Second)
}

func (s *Store) WatchdogPort() int        { return s.int("Watchdog", "PORT", 10000) }
func (s *Store) MotorControllerPort() int { return s.int("MotorController", "PORT", 10002) }
func (s *Store) ShaftEncoderPort() int    { return s.int("ShaftEncoder", "PORT", 10003) }

func (s *Store) WatchdogAddress() string {
	return fmt.Sprintf("%s:%d", s.TurntableIPAddress(), s.WatchdogPort())
}

func (s *Store) MotorControllerAddress() string {
	return fmt.Sprintf("%s:%d", s.TurntableIPAddress(), s.MotorControllerPort())
}

func (s *Store) ShaftEncoderAddress() string {
	return fmt.Sprintf("%s:%d", s.TurntableIPAddress(), s.ShaftEncoderPort())
}

// GENERAL.

func (s *Store) Encoding() string { return s.str("GENERAL", "ENCODING", "utf-8") }

func (s *Store) ByteOrder() binary.ByteOrder {
	if s.str("GENERAL", "BYTE_ORDER", "big") == "little" {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// Watchdog (watchdog.Settings).

func (s *Store) WatchdogTriggerPeriod() time.Duration {
	return s.seconds("Watchdog", "TRIGGER_PERIOD", 500*time.Millisecond)
}

// ShaftEncoder (encoder.Settings).

func (s *Store) PositionSamplePeriod() time.Duration {
	return s.seconds("ShaftEncoder", "POSITION_SAMPLE_PERIOD", 50*time.Millisecond)
}

// MotorController (motor.Settings).

func (s *Store) MaximumVoltage() float64 { return s.float("MotorController", "MAXIMUM_VOLTAGE", 7.0) }
func (s *Store) MinimumVoltage() float64 { return s.float("MotorController", "MINIMUM_VOLTAGE", -7.0) }
func (s *Store) VoltageStep() float64    { return s.float("MotorController", "VOLTAGE_STEP", 0.1) }
func (s *Store) VoltageUpdatePeriod() time.Duration {
	return s.seconds("MotorController", "VOLTAGE_UPDATE_PERIOD", 50*time.Millisecond)
}

// TurnTableController go-to-position / PID (supervisor.Settings).

func (s *Store) ProportionalGain() float64 {
	return s.float("TurnTableController", "CONTROL_PROPORTIONAL_GAIN", 1.0)
}
func (s *Store) IntegralGain() float64 {
	return s.float("TurnTableController", "CONTROL_INTEGRAL_GAIN", 0.1)
}
func (s *Store) DerivativeGain() float64 {
	return s.float("TurnTableController", "CONTROL_DERIVATIVE_GAIN", 0.1)
}
func (s *Store) MaximumAllowedError() float64 {
	return s.float("TurnTableController", "MAXIMUM_ALLOWED_ERROR", 0.025)
}
func (s *Store) MinimumControlSignalValue() float64 {
	return s.float("TurnTableController", "MINIMUM_CONTROL_SIGNAL_VALUE", 1.2)
}
func (s *Store) MinimumGotoPosition() float64 {
	return s.float("TurnTableController", "MINIMUM_GOTO_POSITION", -720.0)
}
func (s *Store) MaximumGotoPosition() float64 {
	return s.float("TurnTableController", "MAXIMUM_GOTO_POSITION", 720.0)
}
func (s *Store) MinimumStepSize() float64 { return s.float("TurnTableController", "MINIMUM_STEP_SIZE", 0.05) }
func (s *Store) MaximumStepSize() float64 {
	return s.float("TurnTableController", "MAXIMUM_STEP_SIZE", 360.0)
}

func (s *Store) GUIUpdatePeriod() time.Duration {
	return s.seconds("GUI", "UPDATE_PERIOD", 100*time.Millisecond)
}

// RemoteCommandServer (remote.Settings).

func (s *Store) TCPServerIPAddress() string { return s.str("TCPServer", "IP_ADDRESS", "localhost") }
func (s *Store) TCPServerPort() int         { return s.int("TCPServer", "PORT", 10180) }
func (s *Store) Address() string {
	return fmt.Sprintf("%s:%d", s.TCPServerIPAddress(), s.TCPServerPort())
}
func (s *Store) PollDelay() time.Duration {
	return s.seconds("TCPServer", "POLL_DELAY", 500*time.Millisecond)
}

// EventBus (eventbus.Settings).

func (s *Store) MQTTBrokerURL() string    { return s.str("MQTT", "BROKER_URL", "tcp://localhost:1883") }
func (s *Store) MQTTClientID() string     { return s.str("MQTT", "CLIENT_ID", "turntable-core") }
func (s *Store) MQTTUsername() string     { return s.str("MQTT", "USERNAME", "") }
func (s *Store) MQTTPassword() string     { return s.str("MQTT", "PASSWORD", "") }
func (s *Store) MQTTStateTopic() string   { return s.str("MQTT", "STATE_TOPIC", "turntable/state") }
func (s *Store) MQTTCommandTopic() string { return s.str("MQTT", "CMD_TOPIC", "turntable/cmd") }
