// Package encoder polls a Baumer GXM7W-RS485 absolute shaft encoder over a
// devicelink.Link and exposes its current signed angle.
package encoder

import (
	"context"
	"encoding/binary"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"turntable-core/internal/devicelink"
	"turntable-core/internal/periodic"
)

// Settings is the subset of the configuration bag the ShaftEncoder reads on
// every poll tick.
type Settings interface {
	PositionSamplePeriod() time.Duration
	ByteOrder() binary.ByteOrder
}

// requestHeader, requestTrailer bracket the encoder's bus address in the
// five-byte position-read command: 01 80 <addr> 80 04.
var (
	requestHeader  = []byte{0x01, 0x80}
	requestTrailer = []byte{0x80, 0x04}
)

const (
	defaultSerialAddress byte = 0x02
	responseLength            = 8
)

// ShaftEncoder polls a single encoder on the bus and stores its last known
// reading.
type ShaftEncoder struct {
	log      *logrus.Entry
	link     *devicelink.Link
	settings Settings
	addr     byte
	request  []byte

	validityMask uint64

	position atomic.Value // Reading
	job      *periodic.Job
}

// New creates a ShaftEncoder bound to link, using the default bus address
// (0x02) matching the single-encoder installations this protocol targets.
func New(link *devicelink.Link, settings Settings, log *logrus.Entry) *ShaftEncoder {
	e := &ShaftEncoder{
		log:      log.WithField("component", "shaft_encoder"),
		link:     link,
		settings: settings,
		addr:     defaultSerialAddress,
	}
	e.request = append(append(append([]byte{}, requestHeader...), e.addr), requestTrailer...)
	e.validityMask = settings.ByteOrder().Uint64([]byte{0x01, e.addr, 0, 0, 0, 0, 0, 0x04})
	e.position.Store(Reading{})
	e.job = periodic.New(settings.PositionSamplePeriod, e.poll)
	return e
}

// Start connects the link (if needed) and starts the periodic poll job.
func (e *ShaftEncoder) Start() {
	if !e.link.IsConnected() {
		if err := e.link.Connect(); err != nil {
			e.log.WithError(err).Error("failed to connect to the shaft encoder")
			return
		}
		e.log.Info("connected to the shaft encoder")
	}
	e.job.Start()
	e.log.Info("shaft encoder poll job started")
}

// Stop cancels the poll job and disconnects the link.
func (e *ShaftEncoder) Stop() {
	e.job.Stop()
	if err := e.link.Disconnect(); err != nil {
		e.log.WithError(err).Warn("error disconnecting from the shaft encoder")
	}
}

// IsConnected reports the underlying link's connection state.
func (e *ShaftEncoder) IsConnected() bool {
	return e.link.IsConnected()
}

// CurrentAngle returns the signed angle computed from the last valid
// reading received from the encoder.
func (e *ShaftEncoder) CurrentAngle() float64 {
	return e.position.Load().(Reading).Angle()
}

// poll is the periodic job body. A timeout is treated as fatal for the link
// and stops the encoder outright; a bad checksum is treated as a single
// missed sample and the previous reading is kept. Stop waits for this job to
// exit, so it runs on its own goroutine rather than inside the job.
func (e *ShaftEncoder) poll(ctx context.Context) {
	resp, err := e.link.SendAndReceive(e.request, make([]byte, responseLength))
	if err != nil {
		if err == devicelink.ErrTimeout {
			e.log.WithError(err).Error("no response from the shaft encoder; stopping")
			go e.Stop()
			return
		}
		e.log.WithError(err).Error("error communicating with the shaft encoder")
		return
	}

	if len(resp) != responseLength {
		e.log.Error("short response from the shaft encoder")
		return
	}

	word := e.settings.ByteOrder().Uint64(resp)
	if !e.isValid(word) {
		e.log.Error("invalid response from the shaft encoder; discarding sample")
		return
	}

	revolution := uint16((word & 0x0000_FFFF_0000_0000) >> 32)
	step := uint16((word & 0x0000_0000_FFFF_0000) >> 16)
	e.position.Store(Reading{Revolution: revolution, Step: step})
}

// isValid implements the Baumer packet check on a decoded word whose bytes
// are, from most to least significant: [SOH][EAD][MT_H][MT_L][ST_H][ST_L]
// [LRC][EOT]. The LRC byte must equal the XOR of EAD..ST_L, and SOH, EAD,
// and EOT must carry their expected fixed bits. word and validityMask are
// decoded from the wire through the same configured byte order, so this
// check stays correct whichever order the bus actually uses.
func (e *ShaftEncoder) isValid(word uint64) bool {
	responseLRC := byte((word & 0x0000_0000_0000_FF00) >> 8)
	calculatedLRC := byte(word>>16) ^ byte(word>>24) ^ byte(word>>32) ^ byte(word>>40) ^ byte(word>>48)
	if responseLRC != calculatedLRC {
		return false
	}
	return word&e.validityMask == e.validityMask
}
