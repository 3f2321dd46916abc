package cmd

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/rdmaring"
	"github.com/slackhq/rdmaring/config"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type selftestResult struct {
	Generation string  `json:"generation" yaml:"generation"`
	Op         string  `json:"op" yaml:"op"`
	Messages   uint64  `json:"messages" yaml:"messages"`
	Bytes      uint64  `json:"bytes" yaml:"bytes"`
	Rate       float64 `json:"rate" yaml:"rate"`
}

func newSelftestCmd(g *globals) *cobra.Command {
	var (
		all      bool
		depth    int
		size     int
		duration time.Duration
		verbose  bool
	)
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Run loopback traffic through the emulated device",
		Long: `Run sends and RDMA writes between connected queue pairs of an emulated
device and check every completion and every payload. With --all both
device generations are tested at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			gens := []wqe.Generation{wqe.Generation(g.generation)}
			if all {
				gens = []wqe.Generation{wqe.Gen1, wqe.Gen2}
			}

			var (
				mu      sync.Mutex
				results []selftestResult
			)
			eg := new(errgroup.Group)
			for _, gen := range gens {
				for _, op := range []string{"send", "write"} {
					eg.Go(func() error {
						r, err := runSelftest(cmd.ErrOrStderr(), verbose, gen, op, depth, size, duration)
						if err != nil {
							return fmt.Errorf("%v %s: %w", gen, op, err)
						}
						mu.Lock()
						results = append(results, r)
						mu.Unlock()
						return nil
					})
				}
			}
			if err := eg.Wait(); err != nil {
				return err
			}

			slices.SortFunc(results, func(a, b selftestResult) int {
				return cmp.Or(cmp.Compare(a.Generation, b.Generation), cmp.Compare(a.Op, b.Op))
			})

			rows := make([]row, 0, len(results))
			for _, r := range results {
				rows = append(rows, row{
					fmt.Sprintf("%s %s", r.Generation, r.Op),
					fmt.Sprintf("ok messages=%d bytes=%d rate=%.0f/s", r.Messages, r.Bytes, r.Rate),
				})
			}
			return g.render(cmd.OutOrStdout(), results, rows)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Test every device generation")
	cmd.Flags().IntVar(&depth, "depth", 8, "Messages in flight per queue pair")
	cmd.Flags().IntVar(&size, "size", 256, "Message size in bytes")
	cmd.Flags().DurationVar(&duration, "duration", 200*time.Millisecond, "How long each run lasts")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log device activity")
	return cmd
}

func runSelftest(logOut io.Writer, verbose bool, gen wqe.Generation, op string, depth, size int, d time.Duration) (selftestResult, error) {
	l := logrus.New()
	l.SetOutput(logOut)
	level := "warning"
	if verbose {
		level = "debug"
	}

	c := config.NewC(l)
	raw := fmt.Sprintf(`
logging: {level: %s}
device: {generation: %d, memory: heap}
bench: {op: %s, depth: %d, message_size: %d, duration: %s}
`, level, gen, op, depth, size, d)
	if err := c.LoadString(raw); err != nil {
		return selftestResult{}, err
	}

	ctrl, err := rdmaring.Main(c, false, Version, l)
	if err != nil {
		return selftestResult{}, err
	}
	ctrl.Start()
	<-ctrl.Done()
	ctrl.Stop()

	r, err := ctrl.Report()
	if err != nil {
		return selftestResult{}, err
	}
	if r.Messages == 0 {
		return selftestResult{}, fmt.Errorf("no messages completed in %s", d)
	}
	return selftestResult{
		Generation: gen.String(),
		Op:         op,
		Messages:   r.Messages,
		Bytes:      r.Bytes,
		Rate:       r.Rate(),
	}, nil
}
