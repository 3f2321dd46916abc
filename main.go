// Package rdmaring wires configuration, logging and stats around an emulated
// RDMA device and drives loopback traffic through its rings.
package rdmaring

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring/config"
	"github.com/slackhq/rdmaring/cqp"
	"github.com/slackhq/rdmaring/emu"
	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/util"
	"github.com/slackhq/rdmaring/verbs"
	"github.com/slackhq/rdmaring/wqe"
	"go.yaml.in/yaml/v3"
)

var defaultFeatures = []string{"extended_cqe", "push_mode", "relax_rq_order"}

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	ctx, cancel := context.WithCancel(context.Background())
	// Automatically cancel the context if Main returns an error, to signal all created goroutines to quit.
	defer func() {
		if reterr != nil {
			cancel()
		}
	}()

	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := watchLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	attrs, features, err := deviceFromConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the device config", err)
	}

	mem, err := allocatorFromConfig(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the device config", err)
	}

	bc, err := loadBenchConfig(c, &attrs)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the bench config", err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////
	// All config consumption should live above this line
	// device bring-up and anything touching device memory should be below
	////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

	dev, e, err := emu.NewDevice(l, attrs, features, mem)
	if err != nil {
		return nil, util.NewContextualError("Failed to bring up the device", m{"generation": attrs.Generation}, err)
	}

	p, err := verbs.Open(ctx, dev, providerOptions(c, &attrs)...)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the provider", nil, err)
	}

	b, err := newBench(ctx, l, p, e, bc)
	if err != nil {
		return nil, util.NewContextualError("Failed to set up the workload", nil, errors.Join(err, p.Close(ctx)))
	}

	return &Control{
		l:          l,
		ctx:        ctx,
		cancel:     cancel,
		provider:   p,
		emu:        e,
		bench:      b,
		statsStart: statsStart,
		done:       make(chan struct{}),
	}, nil
}

type m = map[string]any

func deviceFromConfig(c *config.C) (hw.Attrs, hw.Feature, error) {
	gen := wqe.Generation(c.GetInt("device.generation", int(wqe.Gen2)))
	if gen != wqe.Gen1 && gen != wqe.Gen2 {
		return hw.Attrs{}, 0, fmt.Errorf("device.generation must be 1 or 2, got %d", gen)
	}
	attrs := hw.DefaultAttrs(gen)

	attrs.MaxQPs = c.GetUint32("device.max_qps", attrs.MaxQPs)
	attrs.MaxCQs = c.GetUint32("device.max_cqs", attrs.MaxCQs)
	attrs.MaxInlineData = c.GetUint32("device.max_inline_data", attrs.MaxInlineData)
	attrs.MaxPushPages = c.GetUint32("device.max_push_pages", attrs.MaxPushPages)
	attrs.CQPMaxDoneCount = c.GetUint32("device.cqp_max_done_count", attrs.CQPMaxDoneCount)
	attrs.CQPPollDelay = c.GetDuration("device.cqp_poll_delay", attrs.CQPPollDelay)

	var features hw.Feature
	for _, name := range c.GetStringSlice("device.features", defaultFeatures) {
		f, err := hw.ParseFeature(name)
		if err != nil {
			return attrs, 0, err
		}
		features |= f
	}
	if attrs.MaxPushPages == 0 {
		features &^= hw.FeaturePushMode
	}

	if err := attrs.Validate(); err != nil {
		return attrs, 0, err
	}
	return attrs, features, nil
}

func allocatorFromConfig(c *config.C) (hw.Allocator, error) {
	switch kind := c.GetString("device.memory", "default"); kind {
	case "default":
		return hw.NewDefaultAllocator(), nil
	case "heap":
		return hw.NewHeapAllocator(), nil
	default:
		return nil, fmt.Errorf("device.memory was not understood: %s", kind)
	}
}

func providerOptions(c *config.C, attrs *hw.Attrs) []verbs.Option {
	var opts []verbs.Option
	if c.IsSet("cqp.size") || c.IsSet("cqp.ccq_size") {
		opts = append(opts, verbs.WithControlRing(c.GetUint32("cqp.size", cqp.DefaultSize), c.GetUint32("cqp.ccq_size", cqp.DefaultSize)))
	}
	if c.IsSet("cqp.poll_count") || c.IsSet("cqp.poll_delay") {
		opts = append(opts, verbs.WithPolling(c.GetUint32("cqp.poll_count", attrs.CQPMaxDoneCount), c.GetDuration("cqp.poll_delay", attrs.CQPPollDelay)))
	}
	if pd := c.GetUint32("device.pd", 0); pd != 0 {
		opts = append(opts, verbs.WithProtectionDomain(pd))
	}
	return opts
}
