package rdmaring

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/emu"
	"github.com/slackhq/rdmaring/verbs"
)

// Control runs and stops the workload built by [Main].
type Control struct {
	l          *logrus.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	provider   *verbs.Provider
	emu        *emu.Device
	bench      *bench
	statsStart func()

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}

	mu     sync.Mutex
	report Report
	err    error
}

// Start runs the workload in the background. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	c.startOnce.Do(func() {
		if c.statsStart != nil {
			go c.statsStart()
		}

		go func() {
			defer close(c.done)
			r, err := c.bench.Run(c.ctx)
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			if err != nil {
				c.l.WithError(err).Error("Loopback workload failed")
			}
			c.mu.Lock()
			c.report, c.err = r, err
			c.mu.Unlock()
		}()
	})
}

// Stop ends the workload and tears down every device object, returns after
// the shutdown is complete.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}

		// Teardown outlives the cancelled run context.
		ctx := context.Background()
		if err := errors.Join(c.bench.Close(ctx), c.provider.Close(ctx)); err != nil {
			c.l.WithError(err).Error("Device teardown failed")
		}
		c.l.Info("Goodbye")
	})
}

// ShutdownBlock blocks until a term or interrupt signal arrives or the
// workload finishes on its own, then calls Control.Stop()
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Info("Workload finished, shutting down")
	}
	c.Stop()
}

// Done is closed once a started workload has finished.
func (c *Control) Done() <-chan struct{} {
	return c.done
}

// Report returns the result of the workload once it has finished.
func (c *Control) Report() (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.report, c.err
}

// Device returns the emulated device, for fault injection.
func (c *Control) Device() *emu.Device {
	return c.emu
}
