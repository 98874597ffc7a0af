package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"turntable-core/internal/config"
	"turntable-core/internal/devicelink"
	"turntable-core/internal/encoder"
	"turntable-core/internal/eventbus"
	"turntable-core/internal/motor"
	"turntable-core/internal/remote"
	"turntable-core/internal/supervisor"
	"turntable-core/internal/zeropoint"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	log := logrus.New().WithField("component", "main")

	configPath := env("TURNTABLE_CONFIG", "turntable.ini")
	zeroPointsPath := env("TURNTABLE_ZERO_POINTS", "zero_points.xml")

	settings, err := config.Load(configPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	zeroPoints, err := zeropoint.Load(zeroPointsPath, log)
	if err != nil {
		log.WithError(err).Fatal("failed to load zero point catalog")
	}

	watchdogLink := devicelink.New(settings.WatchdogAddress(), settings.DeviceTimeout())
	motorLink := devicelink.New(settings.MotorControllerAddress(), settings.DeviceTimeout())
	encoderLink := devicelink.New(settings.ShaftEncoderAddress(), settings.DeviceTimeout())

	shaftEncoder := encoder.New(encoderLink, settings, log)
	motorController := motor.New(motorLink, watchdogLink, settings, log)

	bus := eventbus.New(settings, zeroPoints, log)
	sup := supervisor.New(shaftEncoder, motorController, bus, settings, log)
	bus.SetSupervisor(sup)
	bus.OnClose(sup.Stop)

	remoteServer := remote.New(sup, settings, log)
	sup.SetRemote(remoteServer)

	if err := bus.Start(); err != nil {
		log.WithError(err).Fatal("failed to start event bus")
	}
	defer bus.Close()

	sup.Start()
	if err := sup.Connect(); err != nil {
		log.WithError(err).Error("failed to connect turntable subsystems")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	sup.Stop()
}
