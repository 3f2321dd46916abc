package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/slackhq/rdmaring/wqe"
	"github.com/spf13/cobra"
)

func newDecodeCmd(g *globals) *cobra.Command {
	decodeCmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode ring entries",
		Long: `Decode send queue descriptors and completion queue entries.

Entries are given as hex in memory order, one or more 32 byte quanta. A send
queue header qword can also be given on its own as a 0x prefixed value.

Examples:
  rdmactl decode wqe 0x8000000000000000
  rdmactl decode cqe --gen 1 "$(xxd -p -s 0x40 -l 32 cq.bin)"`,
	}
	decodeCmd.AddCommand(newDecodeWQECmd(g), newDecodeCQECmd(g))
	return decodeCmd
}

type sgeView struct {
	Addr string `json:"addr" yaml:"addr"`
	Len  uint32 `json:"len" yaml:"len"`
	LKey string `json:"lkey" yaml:"lkey"`
}

type wqeView struct {
	Opcode     string    `json:"opcode" yaml:"opcode"`
	Valid      uint8     `json:"valid" yaml:"valid"`
	Quanta     uint16    `json:"quanta" yaml:"quanta"`
	Signaled   bool      `json:"signaled" yaml:"signaled"`
	ReadFence  bool      `json:"readFence" yaml:"readFence"`
	LocalFence bool      `json:"localFence" yaml:"localFence"`
	Push       bool      `json:"push" yaml:"push"`
	Imm        bool      `json:"imm" yaml:"imm"`
	Inline     bool      `json:"inline" yaml:"inline"`
	InlineLen  uint8     `json:"inlineLen" yaml:"inlineLen"`
	AddFragCnt uint8     `json:"addFragCnt" yaml:"addFragCnt"`
	RemStag    string    `json:"remStag" yaml:"remStag"`
	Fragments  []sgeView `json:"fragments,omitempty" yaml:"fragments,omitempty"`
}

func newDecodeWQECmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "wqe <hex>",
		Short: "Decode a send queue descriptor or header",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ops, err := g.ops()
			if err != nil {
				return err
			}

			var (
				hdr uint64
				q   []byte
			)
			if v, ok := parseHeader(args[0]); ok {
				hdr = v
			} else {
				q, err = parseQuanta(args[0], wqe.MaxQuantaPerWR)
				if err != nil {
					return err
				}
				hdr = wqe.Header(q)
			}

			sh := wqe.DecodeSendHeader(hdr)
			v := wqeView{
				Opcode:     sh.Opcode.String(),
				Valid:      uint8(wqe.Valid.Get(hdr)),
				Quanta:     wqe.DescriptorQuanta(ops, hdr),
				Signaled:   sh.Signaled,
				ReadFence:  sh.ReadFence,
				LocalFence: sh.LocalFence,
				Push:       sh.Push,
				Imm:        sh.Imm,
				Inline:     sh.Inline,
				InlineLen:  sh.InlineLen,
				AddFragCnt: sh.AddFragCnt,
				RemStag:    fmt.Sprintf("%#x", sh.RemStag),
			}
			if q != nil && !sh.Inline && hasFragments(sh.Opcode) {
				for i := 0; i <= int(sh.AddFragCnt); i++ {
					off := wqe.FragmentOffset(i)
					if off+16 > len(q) {
						return fmt.Errorf("descriptor has %d fragments but only %d bytes were given", sh.AddFragCnt+1, len(q))
					}
					s := ops.Fragment(q, off)
					v.Fragments = append(v.Fragments, sgeView{
						Addr: fmt.Sprintf("%#x", s.Addr),
						Len:  s.Len,
						LKey: fmt.Sprintf("%#x", s.LKey),
					})
				}
			}

			rows := []row{
				{"opcode", v.Opcode},
				{"valid", v.Valid},
				{"quanta", v.Quanta},
				{"signaled", v.Signaled},
				{"fence", fmt.Sprintf("read=%t local=%t", v.ReadFence, v.LocalFence)},
				{"push", v.Push},
				{"imm", v.Imm},
				{"inline", fmt.Sprintf("%t len=%d", v.Inline, v.InlineLen)},
				{"fragments", int(v.AddFragCnt) + 1},
				{"remote stag", v.RemStag},
			}
			for i, s := range v.Fragments {
				rows = append(rows, row{fmt.Sprintf("sge %d", i), fmt.Sprintf("addr=%s len=%d lkey=%s", s.Addr, s.Len, s.LKey)})
			}
			return g.render(cmd.OutOrStdout(), v, rows)
		},
	}
}

func hasFragments(op wqe.Opcode) bool {
	switch op {
	case wqe.OpNOP, wqe.OpBindMW, wqe.OpFastRegister, wqe.OpLocalInv:
		return false
	}
	return true
}

type cqeView struct {
	Valid       bool   `json:"valid" yaml:"valid"`
	Queue       string `json:"queue" yaml:"queue"`
	Error       bool   `json:"error" yaml:"error"`
	Major       string `json:"major" yaml:"major"`
	Minor       string `json:"minor" yaml:"minor"`
	WQEIdx      uint32 `json:"wqeIdx" yaml:"wqeIdx"`
	Opcode      string `json:"opcode" yaml:"opcode"`
	QPID        uint32 `json:"qpId" yaml:"qpId"`
	Context     string `json:"context" yaml:"context"`
	PayloadLen  uint32 `json:"payloadLen" yaml:"payloadLen"`
	Extended    bool   `json:"extended" yaml:"extended"`
	PushDropped bool   `json:"pushDropped" yaml:"pushDropped"`
	Solicited   bool   `json:"solicited" yaml:"solicited"`
	InvStag     string `json:"invalidatedStag,omitempty" yaml:"invalidatedStag,omitempty"`
	Imm         string `json:"imm,omitempty" yaml:"imm,omitempty"`
}

func newDecodeCQECmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cqe <hex>",
		Short: "Decode a completion queue entry",
		Long: `Decode a completion queue entry. Extended entries take a second
quantum holding the immediate data.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := parseQuanta(args[0], 2)
			if err != nil {
				return err
			}
			var ext []byte
			if len(q) > wqe.CQESize {
				ext = q[wqe.CQESize:]
			}

			e := wqe.DecodeCQE(q[:wqe.CQESize], ext)
			v := cqeView{
				Valid:       e.Valid,
				Queue:       "rq",
				Error:       e.Error,
				Major:       fmt.Sprintf("%#x", e.Major),
				Minor:       wqe.MinorErr(e.Minor).String(),
				WQEIdx:      e.WQEIdx,
				Opcode:      e.Op.String(),
				QPID:        e.QPID,
				Context:     fmt.Sprintf("%#x", e.Context),
				PayloadLen:  e.PayloadLen,
				Extended:    e.Extended,
				PushDropped: e.PushDropped,
				Solicited:   e.SOEvent,
			}
			if e.SQ {
				v.Queue = "sq"
			}
			if e.StagValid {
				v.InvStag = fmt.Sprintf("%#x", e.InvStag)
			}
			if e.ImmValid {
				v.Imm = fmt.Sprintf("%#x", e.Imm)
			}
			if e.Extended && ext == nil {
				cmd.PrintErrln("warning: extended entry given without its second quantum")
			}

			rows := []row{
				{"valid", v.Valid},
				{"queue", v.Queue},
				{"error", v.Error},
				{"major", v.Major},
				{"minor", v.Minor},
				{"wqe index", v.WQEIdx},
				{"opcode", v.Opcode},
				{"qp", v.QPID},
				{"context", v.Context},
				{"payload", v.PayloadLen},
				{"extended", v.Extended},
				{"push dropped", v.PushDropped},
				{"solicited", v.Solicited},
			}
			if v.InvStag != "" {
				rows = append(rows, row{"invalidated stag", v.InvStag})
			}
			if v.Imm != "" {
				rows = append(rows, row{"imm", v.Imm})
			}
			return g.render(cmd.OutOrStdout(), v, rows)
		},
	}
}

// parseHeader reads a 0x prefixed qword value.
func parseHeader(s string) (uint64, bool) {
	s = strings.ReplaceAll(strings.TrimSpace(s), "_", "")
	if !strings.HasPrefix(s, "0x") || len(s) > 18 {
		return 0, false
	}
	v, err := strconv.ParseUint(s[2:], 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseQuanta decodes hex bytes into an aligned buffer of whole quanta.
func parseQuanta(s string, max int) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.NewReplacer(" ", "", "_", "", ":", "").Replace(s)
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) == 0 || len(raw)%wqe.QuantumSize != 0 {
		return nil, fmt.Errorf("got %d bytes, want a multiple of %d", len(raw), wqe.QuantumSize)
	}
	if len(raw) > max*wqe.QuantumSize {
		return nil, errors.New("too many quanta")
	}
	// Headers are read with atomic loads, which need 8 byte alignment.
	q := wqe.AlignedBuffer(len(raw))
	copy(q, raw)
	return q, nil
}
