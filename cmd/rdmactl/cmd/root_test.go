package cmd

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/slackhq/rdmaring/wqe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rdmactl version")
}

func TestRoot_BadFlags(t *testing.T) {
	_, err := run(t, "-o", "xml", "version")
	assert.ErrorContains(t, err, `unknown output format "xml"`)

	_, err = run(t, "--gen", "3", "version")
	assert.ErrorContains(t, err, "unsupported descriptor generation 3")
}

func TestDecodeWQE_Header(t *testing.T) {
	hdr := wqe.NOPHeader(true, 1)
	out, err := run(t, "decode", "wqe", "-o", "json", fmt.Sprintf("%#x", hdr))
	require.NoError(t, err)

	var v wqeView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, wqe.OpNOP.String(), v.Opcode)
	assert.Equal(t, uint8(1), v.Valid)
	assert.True(t, v.Signaled)
	assert.Equal(t, uint16(1), v.Quanta)
	assert.Empty(t, v.Fragments)
}

func TestDecodeWQE_Quanta(t *testing.T) {
	ops, err := wqe.OpsFor(wqe.Gen2)
	require.NoError(t, err)

	// A send with two fragments fills two quanta.
	q := wqe.AlignedBuffer(2 * wqe.QuantumSize)
	ops.SetFragment(q, wqe.FragmentOffset(0), &wqe.SGE{Addr: 0x1000, Len: 64, LKey: 0x105}, 1)
	ops.SetFragment(q, wqe.FragmentOffset(1), &wqe.SGE{Addr: 0x2000, Len: 32, LKey: 0x206}, 1)
	wqe.SetHeader(q, wqe.SQOpcode.Prep(uint64(wqe.OpSend))|wqe.SQAddFragCnt.Prep(1)|wqe.Valid.Prep(1))

	out, err := run(t, "decode", "wqe", "-o", "yaml", hex.EncodeToString(q))
	require.NoError(t, err)

	var v wqeView
	require.NoError(t, yaml.Unmarshal([]byte(out), &v))
	assert.Equal(t, wqe.OpSend.String(), v.Opcode)
	assert.Equal(t, uint16(2), v.Quanta)
	require.Len(t, v.Fragments, 2)
	assert.Equal(t, sgeView{Addr: "0x1000", Len: 64, LKey: "0x105"}, v.Fragments[0])
	assert.Equal(t, sgeView{Addr: "0x2000", Len: 32, LKey: "0x206"}, v.Fragments[1])

	// The second fragment is missing.
	_, err = run(t, "decode", "wqe", hex.EncodeToString(q[:wqe.QuantumSize]))
	assert.ErrorContains(t, err, "only 32 bytes were given")
}

func TestDecodeWQE_BadInput(t *testing.T) {
	_, err := run(t, "decode", "wqe", "zz")
	assert.ErrorContains(t, err, "invalid hex")

	_, err = run(t, "decode", "wqe", "00ff")
	assert.ErrorContains(t, err, "want a multiple of 32")
}

func TestDecodeCQE(t *testing.T) {
	q := wqe.AlignedBuffer(2 * wqe.CQESize)
	e := wqe.CQE{
		SQ:         false,
		Op:         wqe.OpSend,
		WQEIdx:     7,
		QPID:       12,
		Context:    0xabc,
		PayloadLen: 512,
		Extended:   true,
		ImmValid:   true,
		Imm:        0xfeed,
	}
	e.Encode(q[:wqe.CQESize], q[wqe.CQESize:], 1)

	out, err := run(t, "decode", "cqe", "-o", "json", hex.EncodeToString(q))
	require.NoError(t, err)

	var v cqeView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.True(t, v.Valid)
	assert.Equal(t, "rq", v.Queue)
	assert.Equal(t, uint32(7), v.WQEIdx)
	assert.Equal(t, uint32(12), v.QPID)
	assert.Equal(t, "0xabc", v.Context)
	assert.Equal(t, uint32(512), v.PayloadLen)
	assert.Equal(t, "0xfeed", v.Imm)

	out, err = run(t, "decode", "cqe", hex.EncodeToString(q[:wqe.CQESize]))
	require.NoError(t, err)
	assert.Contains(t, out, "warning: extended entry given without its second quantum")
}

func TestQuanta(t *testing.T) {
	tests := []struct {
		args   []string
		quanta uint16
		shift  uint8
	}{
		{[]string{"quanta"}, 1, 0},
		{[]string{"quanta", "--frags", "3"}, 2, 1},
		{[]string{"quanta", "--inline", "101"}, 4, 2},
		{[]string{"quanta", "--gen", "1", "--inline", "48"}, 2, 1},
	}
	for _, tt := range tests {
		out, err := run(t, append(tt.args, "-o", "json")...)
		require.NoError(t, err, tt.args)
		var v quantaView
		require.NoError(t, json.Unmarshal([]byte(out), &v))
		assert.Equal(t, tt.quanta, v.Quanta, tt.args)
		assert.Equal(t, tt.shift, v.SQShift, tt.args)
	}

	_, err := run(t, "quanta", "--gen", "1", "--inline", "49")
	assert.ErrorContains(t, err, "inline data too large")
}

func TestDepth(t *testing.T) {
	out, err := run(t, "depth", "--sq", "16", "--rq", "16", "--cq", "64", "-o", "json")
	require.NoError(t, err)

	var v depthView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	// 16 requests plus the reserved quanta, rounded to a power of 2.
	assert.Equal(t, uint32(512), v.SQQuanta)
	assert.Equal(t, 512*wqe.QuantumSize, v.SQBytes)
	assert.Equal(t, uint32(32), v.RQEntries)
	assert.Equal(t, 64*wqe.CQESize, v.CQBytes)

	_, err = run(t, "depth", "--cq", "2")
	assert.ErrorContains(t, err, "completion queue size 2 outside")
}

func TestSelftest(t *testing.T) {
	out, err := run(t, "selftest", "--all", "--duration", "30ms", "--depth", "4", "--size", "64", "-o", "json")
	require.NoError(t, err)

	var rs []selftestResult
	require.NoError(t, json.Unmarshal([]byte(out), &rs))
	require.Len(t, rs, 4)
	assert.Equal(t, "gen1", rs[0].Generation)
	assert.Equal(t, "send", rs[0].Op)
	for _, r := range rs {
		assert.NotZero(t, r.Messages)
	}
}
