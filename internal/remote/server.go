// Package remote implements the line-oriented TCP command server external
// operators use to read and drive the turntable's position.
package remote

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Supervisor is the slice of the turntable supervisor this server drives.
// Elevation aliases azimuth throughout, matching the turntable's single
// rotational axis.
type Supervisor interface {
	CurrentAzimuth() float64
	CurrentElevation() float64
	GotoAzimuth(target float64)
	GotoElevation(target float64)
	StopMotion()
	Stop()
}

// Settings is the subset of the configuration bag the server reads.
type Settings interface {
	Address() string
	PollDelay() time.Duration
	MaximumAllowedError() float64
}

var (
	getPositionRe = regexp.MustCompile(`^GET_(AZIMUTH|ELEVATION)$`)
	setPositionRe = regexp.MustCompile(`^SET_(AZIMUTH|ELEVATION) (\d{1,3}(?:\.\d{3})?)$`)
	stopRe        = regexp.MustCompile(`^STOP$`)
	haltRe        = regexp.MustCompile(`^HALT$`)
)

// Server is a multithreaded TCP command server: one goroutine accepts
// connections, one goroutine serves each connection's line loop, and each
// connection may have at most one outstanding go-to-position waiter, which
// a fresh SET_* on that connection supersedes.
type Server struct {
	log        *logrus.Entry
	supervisor Supervisor
	settings   Settings

	mu        sync.Mutex
	ln        net.Listener
	connected bool
}

// New creates a Server bound to supervisor. It does not listen until
// Connect is called.
func New(supervisor Supervisor, settings Settings, log *logrus.Entry) *Server {
	return &Server{
		log:        log.WithField("component", "remote_command_server"),
		supervisor: supervisor,
		settings:   settings,
	}
}

// Connect starts listening and accepting connections in the background.
func (s *Server) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		return nil
	}

	ln, err := net.Listen("tcp", s.settings.Address())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.settings.Address(), err)
	}
	s.ln = ln
	s.connected = true
	go s.serve(ln)
	s.log.WithField("address", ln.Addr().String()).Info("remote command server listening")
	return nil
}

// Disconnect stops accepting new connections. Connections already accepted
// are not forcibly closed; their line loops exit on their own read error
// once the client disconnects.
func (s *Server) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return
	}
	s.ln.Close()
	s.connected = false
}

// IsConnected reports whether the server is currently listening.
func (s *Server) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Server) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

// handle runs one connection's command loop until the client disconnects
// or HALT is received.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	client := conn.RemoteAddr().String()

	var waiterMu sync.Mutex
	var cancelWaiter context.CancelFunc
	defer func() {
		waiterMu.Lock()
		if cancelWaiter != nil {
			cancelWaiter()
		}
		waiterMu.Unlock()
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.log.WithField("client", client).WithField("command", line).Debug("received command")

		switch {
		case haltRe.MatchString(line):
			s.supervisor.Stop()
			s.Disconnect()
			return

		case stopRe.MatchString(line):
			s.supervisor.StopMotion()

		case getPositionRe.MatchString(line):
			m := getPositionRe.FindStringSubmatch(line)
			angle := s.currentAngle(m[1])
			s.reply(conn, fmt.Sprintf("CURRENT_AZIMUTH %.3f", angle))

		case setPositionRe.MatchString(line):
			plane, target := s.parseSetPosition(line, client)

			if plane == "AZIMUTH" {
				s.supervisor.GotoAzimuth(target)
			} else {
				s.supervisor.GotoElevation(target)
			}

			waiterMu.Lock()
			if cancelWaiter != nil {
				cancelWaiter()
			}
			var ctx context.Context
			ctx, cancelWaiter = context.WithCancel(context.Background())
			waiterMu.Unlock()
			go s.waitForArrival(ctx, conn, plane, target)

		default:
			s.reply(conn, "UNKNOWN_COMMAND")
		}
	}
}

// currentAngle reports the current position for the named plane; elevation
// aliases azimuth.
func (s *Server) currentAngle(plane string) float64 {
	if plane == "AZIMUTH" {
		return s.supervisor.CurrentAzimuth()
	}
	return s.supervisor.CurrentElevation()
}

// parseSetPosition extracts the plane and target value from a SET_* line.
// A value that fails to parse falls back to the plane's current position
// (no motion), and still triggers a waiter.
func (s *Server) parseSetPosition(line, client string) (string, float64) {
	m := setPositionRe.FindStringSubmatch(line)
	plane := m[1]
	value, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		s.log.WithError(err).WithField("client", client).Error("unable to parse value received from client")
		return plane, s.currentAngle(plane)
	}
	return plane, value
}

// waitForArrival polls the named plane's position at the configured poll
// delay until it settles within the maximum allowed error of target, then
// replies on conn. A fresh SET_* on the same connection cancels this via
// ctx before it ever replies.
func (s *Server) waitForArrival(ctx context.Context, conn net.Conn, plane string, target float64) {
	ticker := time.NewTicker(s.settings.PollDelay())
	defer ticker.Stop()

	for {
		angle := s.currentAngle(plane)
		if math.Abs(angle-target) <= s.settings.MaximumAllowedError() {
			s.reply(conn, fmt.Sprintf("AZIMUTH_FOUND %.3f", angle))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) reply(conn net.Conn, body string) {
	if _, err := conn.Write([]byte("\n" + body + "\r")); err != nil {
		s.log.WithError(err).Debug("failed to write reply")
	}
}
