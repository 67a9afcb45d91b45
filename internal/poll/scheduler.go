// Package poll drives the 1 Hz tick loop described in §4.3: a fixed sensor
// read every tick, a fault-block read every other tick, and a settings
// sweep every fifth tick unless the link is cooling down from a recent
// command.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/evcc-io/inverter-bridge/internal/energy"
	"github.com/evcc-io/inverter-bridge/internal/link"
	"github.com/evcc-io/inverter-bridge/internal/metrics"
	"github.com/evcc-io/inverter-bridge/internal/regproto"
	"github.com/evcc-io/inverter-bridge/internal/snapshot"
)

const (
	tickPeriod        = 1 * time.Second
	interRequestSleep = 120 * time.Millisecond

	sensorUnit = 0x01
	sensorAddr = 200
	sensorLen  = 40

	faultAddr = 100
	faultLen  = 6

	settingsMainAddr  = 301
	settingsMainLen   = 5
	chargerPrioAddr   = 331
	maxACAmpsAddr     = 333
	socAddr           = 341
	socLen            = 3
	batteryTypeAddr   = 322
	returnDefaultAddr = 306
)

// Scheduler ties the Link Manager, Snapshot Store and Energy Store together
// into the 1 Hz polling loop.
type Scheduler struct {
	mgr   *link.Manager
	snap  *snapshot.Store
	store *energy.Store
	clk   clock.Clock
	log   *logrus.Entry

	tick int
}

// New creates a Scheduler. Call Run to start the tick loop; Run blocks until
// ctx is cancelled.
func New(mgr *link.Manager, snap *snapshot.Store, store *energy.Store, clk clock.Clock, log *logrus.Entry) *Scheduler {
	return &Scheduler{mgr: mgr, snap: snap, store: store, clk: clk, log: log}
}

// Run drives the tick loop until ctx is cancelled. Ticks while the link is
// in State waiting are cheap no-ops: Exchange returns ErrOffline immediately
// and the scheduler simply waits for the next tick.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := s.clk.Ticker(tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.runTick(now)
		}
	}
}

func (s *Scheduler) runTick(now time.Time) {
	n := s.tick
	s.tick++

	sensor, ok := s.readSensor()
	if !ok {
		return
	}
	metrics.PollTicks.WithLabelValues("sensor").Inc()

	s.clk.Sleep(interRequestSleep)

	var fault *snapshot.Fault
	if n%2 == 0 {
		fault = s.readFault(sensor.StatusCode, sensor.BatteryActive())
		metrics.PollTicks.WithLabelValues("fault").Inc()
		s.clk.Sleep(interRequestSleep)
	}

	s.snap.ApplySensor(sensor)
	if fault != nil {
		s.snap.ApplyFault(fault)
	}

	s.store.Integrate(now, float64(sensor.Sensor.PVInputWatt), float64(sensor.Sensor.GridPowerWatt),
		float64(sensor.Sensor.ACLoadRealWatt), float64(sensor.Sensor.BattPowerWatt))

	if n%5 == 0 && !s.mgr.IsCooling() {
		s.runSettingsSweep()
		metrics.PollTicks.WithLabelValues("settings").Inc()
	}
}

func (s *Scheduler) readSensor() (snapshot.SensorResult, bool) {
	req := regproto.BuildReadRequest(sensorUnit, sensorAddr, sensorLen)
	raw, err := s.mgr.Exchange(req, 3+2*sensorLen+2)
	if err != nil {
		if errors.Is(err, link.ErrOffline) {
			return snapshot.SensorResult{}, false
		}
		s.log.WithError(err).Debug("poll: sensor read failed")
		s.mgr.RecordSensorFailure()
		return snapshot.SensorResult{}, false
	}

	words, err := regproto.ParseResponse(raw)
	if err != nil || len(words) < sensorLen {
		s.log.WithError(err).Debug("poll: sensor frame invalid")
		s.mgr.RecordSensorFailure()
		return snapshot.SensorResult{}, false
	}

	result, err := snapshot.DecodeSensor(words)
	if err != nil {
		s.log.WithError(err).Debug("poll: sensor decode failed")
		s.mgr.RecordSensorFailure()
		return snapshot.SensorResult{}, false
	}

	s.mgr.RecordSensorSuccess()
	return result, true
}

func (s *Scheduler) readFault(statusCode int, battActive bool) *snapshot.Fault {
	req := regproto.BuildReadRequest(sensorUnit, faultAddr, faultLen)
	raw, err := s.mgr.Exchange(req, 3+2*faultLen+2)
	if err != nil {
		s.log.WithError(err).Debug("poll: fault read failed")
		return nil
	}

	words, err := regproto.ParseResponse(raw)
	if err != nil || len(words) < faultLen {
		s.log.WithError(err).Debug("poll: fault frame invalid")
		return nil
	}

	fault, err := snapshot.DecodeFault(words, statusCode, battActive)
	if err != nil {
		s.log.WithError(err).Debug("poll: fault decode failed")
		return nil
	}
	return fault
}

func (s *Scheduler) runSettingsSweep() {
	s.readSettingsBlock(settingsMainAddr, settingsMainLen, s.snap.ApplySettingsMain)
	s.clk.Sleep(interRequestSleep)
	s.readSettingsBlock(chargerPrioAddr, 1, s.snap.ApplyChargerPriority)
	s.clk.Sleep(interRequestSleep)
	s.readSettingsBlock(maxACAmpsAddr, 1, s.snap.ApplyMaxACAmps)
	s.clk.Sleep(interRequestSleep)
	s.readSettingsBlock(socAddr, socLen, s.snap.ApplySOC)
	s.clk.Sleep(interRequestSleep)
	s.readSettingsBlock(batteryTypeAddr, 1, s.snap.ApplyBatteryType)
	s.clk.Sleep(interRequestSleep)
	s.readSettingsBlock(returnDefaultAddr, 1, s.snap.ApplyReturnToDefault)
}

func (s *Scheduler) readSettingsBlock(addr uint16, count int, apply func([]uint16)) {
	req := regproto.BuildReadRequest(sensorUnit, addr, uint16(count))
	raw, err := s.mgr.Exchange(req, 3+2*count+2)
	if err != nil {
		s.log.WithError(err).WithField("addr", addr).Debug("poll: settings read failed")
		return
	}

	words, err := regproto.ParseResponse(raw)
	if err != nil || len(words) < count {
		s.log.WithError(err).WithField("addr", addr).Debug("poll: settings frame invalid")
		return
	}

	apply(words)
}
