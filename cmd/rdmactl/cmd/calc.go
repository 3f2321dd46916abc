package cmd

import (
	"fmt"

	"github.com/slackhq/rdmaring/hw"
	"github.com/slackhq/rdmaring/queue"
	"github.com/slackhq/rdmaring/wqe"
	"github.com/spf13/cobra"
)

type quantaView struct {
	Generation string `json:"generation" yaml:"generation"`
	Frags      uint32 `json:"frags" yaml:"frags"`
	Inline     uint32 `json:"inline" yaml:"inline"`
	Quanta     uint16 `json:"quanta" yaml:"quanta"`
	SQShift    uint8  `json:"sqShift" yaml:"sqShift"`
	RQShift    uint8  `json:"rqShift" yaml:"rqShift"`
}

func newQuantaCmd(g *globals) *cobra.Command {
	var frags, inline uint32
	cmd := &cobra.Command{
		Use:   "quanta",
		Short: "Show the descriptor size for a fragment count or inline payload",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := g.ops()
			if err != nil {
				return err
			}

			v := quantaView{
				Generation: ops.Generation().String(),
				Frags:      frags,
				Inline:     inline,
				SQShift:    ops.WQEShift(frags, inline),
			}
			if inline > 0 {
				if inline > ops.MaxInline() {
					return fmt.Errorf("%w: %d bytes, %v holds at most %d", queue.ErrInlineTooLarge, inline, ops.Generation(), ops.MaxInline())
				}
				v.Quanta = ops.InlineQuanta(inline)
			} else {
				if v.Quanta, err = wqe.FragQuanta(frags); err != nil {
					return err
				}
			}
			if v.RQShift, err = wqe.RQWQEShift(frags); err != nil {
				return err
			}

			return g.render(cmd.OutOrStdout(), v, []row{
				{"generation", v.Generation},
				{"quanta", v.Quanta},
				{"sq shift", v.SQShift},
				{"rq shift", v.RQShift},
			})
		},
	}
	cmd.Flags().Uint32Var(&frags, "frags", 1, "Scatter/gather elements per request")
	cmd.Flags().Uint32Var(&inline, "inline", 0, "Inline payload bytes; overrides --frags for the send descriptor")
	return cmd
}

type depthView struct {
	Generation string `json:"generation" yaml:"generation"`
	SQQuanta   uint32 `json:"sqQuanta" yaml:"sqQuanta"`
	SQBytes    int    `json:"sqBytes" yaml:"sqBytes"`
	RQEntries  uint32 `json:"rqEntries" yaml:"rqEntries"`
	RQBytes    int    `json:"rqBytes" yaml:"rqBytes"`
	CQBytes    int    `json:"cqBytes,omitempty" yaml:"cqBytes,omitempty"`
}

func newDepthCmd(g *globals) *cobra.Command {
	var (
		sqSize, rqSize, cqSize   uint32
		sqFrags, rqFrags, inline uint32
		avoidMemConflict         bool
	)
	cmd := &cobra.Command{
		Use:   "depth",
		Short: "Show the ring sizes the device needs for a queue pair",
		Long: `Show the send queue depth in quanta and the receive queue depth in
descriptors for the requested number of work requests, including the slots
the device reserves.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := g.ops()
			if err != nil {
				return err
			}
			attrs := hw.DefaultAttrs(ops.Generation())

			sq, err := queue.SQDepth(&attrs, sqSize, ops.WQEShift(sqFrags, inline))
			if err != nil {
				return err
			}
			rqShift, err := wqe.RQWQEShift(rqFrags)
			if err != nil {
				return err
			}
			rq, err := queue.RQDepth(&attrs, rqSize, rqShift)
			if err != nil {
				return err
			}

			v := depthView{
				Generation: ops.Generation().String(),
				SQQuanta:   sq,
				SQBytes:    int(sq) * wqe.QuantumSize,
				RQEntries:  rq,
				RQBytes:    int(rq<<rqShift) * wqe.QuantumSize,
			}
			rows := []row{
				{"generation", v.Generation},
				{"sq quanta", v.SQQuanta},
				{"sq bytes", v.SQBytes},
				{"rq entries", v.RQEntries},
				{"rq bytes", v.RQBytes},
			}
			if cqSize > 0 {
				if cqSize < attrs.MinCQSize || cqSize > attrs.MaxCQSize {
					return fmt.Errorf("completion queue size %d outside %d..%d", cqSize, attrs.MinCQSize, attrs.MaxCQSize)
				}
				v.CQBytes = int(cqSize) * queue.EntrySize(avoidMemConflict)
				rows = append(rows, row{"cq bytes", v.CQBytes})
			}
			return g.render(cmd.OutOrStdout(), v, rows)
		},
	}
	cmd.Flags().Uint32Var(&sqSize, "sq", 64, "Send work requests")
	cmd.Flags().Uint32Var(&rqSize, "rq", 64, "Receive work requests")
	cmd.Flags().Uint32Var(&cqSize, "cq", 0, "Completion queue entries")
	cmd.Flags().Uint32Var(&sqFrags, "sq-frags", 1, "Scatter/gather elements per send")
	cmd.Flags().Uint32Var(&rqFrags, "rq-frags", 1, "Scatter/gather elements per receive")
	cmd.Flags().Uint32Var(&inline, "inline", 0, "Inline payload bytes per send")
	cmd.Flags().BoolVar(&avoidMemConflict, "avoid-mem-conflict", false, "Completion entries take two quanta")
	return cmd
}
