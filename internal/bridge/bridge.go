// Package bridge is the composition root: it owns the typed handles to the
// Link Manager, Snapshot Store, Energy Store, Poll Scheduler and Control
// Server, and supervises their goroutines as one cancellable group, per the
// Design Notes' replacement of global mutable singletons.
package bridge

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/evcc-io/inverter-bridge/internal/config"
	"github.com/evcc-io/inverter-bridge/internal/control"
	"github.com/evcc-io/inverter-bridge/internal/energy"
	"github.com/evcc-io/inverter-bridge/internal/link"
	"github.com/evcc-io/inverter-bridge/internal/metrics"
	"github.com/evcc-io/inverter-bridge/internal/poll"
	"github.com/evcc-io/inverter-bridge/internal/snapshot"
)

// Bridge wires together the daemon's long-running components.
type Bridge struct {
	Link     *link.Manager
	Snapshot *snapshot.Store
	Energy   *energy.Store
	Poll     *poll.Scheduler
	Control  *control.Server

	cfg config.Config
	log *logrus.Entry
}

// New constructs a Bridge from cfg using clk as the injected clock
// throughout, so tests can drive every component deterministically.
func New(cfg config.Config, clk clock.Clock, log *logrus.Entry) *Bridge {
	snapshot.SetRatedWatt(cfg.RatedWatt)

	snap := snapshot.NewStore(clk.Now)
	store := energy.Load(cfg.StateFile, clk, log.WithField("component", "energy"))
	mgr := link.New(cfg.InverterAddr, snap, clk, log.WithField("component", "link"))
	scheduler := poll.New(mgr, snap, store, clk, log.WithField("component", "poll"))
	ctrl := control.New(cfg.ControlAddr, mgr, snap, store, clk, log.WithField("component", "control"))

	return &Bridge{
		Link:     mgr,
		Snapshot: snap,
		Energy:   store,
		Poll:     scheduler,
		Control:  ctrl,
		cfg:      cfg,
		log:      log,
	}
}

// Run starts every component and blocks until ctx is cancelled or any
// component fails, at which point the rest are torn down and one final
// energy save is attempted before returning.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.Link.Run(ctx) })
	g.Go(func() error { return b.Poll.Run(ctx) })
	g.Go(func() error {
		stop := make(chan struct{})
		go func() {
			<-ctx.Done()
			close(stop)
		}()
		return b.Control.Run(stop)
	})
	g.Go(func() error { return b.Energy.RunAutosave(ctx) })
	g.Go(func() error { return metrics.Serve(ctx, b.cfg.MetricsAddr, b.log.WithField("component", "metrics")) })

	err := g.Wait()

	if saveErr := b.Energy.Save(); saveErr != nil {
		b.log.WithError(saveErr).Error("bridge: final energy save failed")
	} else {
		b.log.Info("bridge: final energy save complete")
	}

	if err != nil && ctx.Err() != nil && err == ctx.Err() {
		return nil
	}
	return err
}
