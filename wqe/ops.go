package wqe

import "fmt"

// Generation selects a hardware descriptor layout.
type Generation uint8

const (
	Gen1 Generation = 1
	Gen2 Generation = 2
)

func (g Generation) String() string {
	return fmt.Sprintf("gen%d", uint8(g))
}

// Ops is the set of generation specific encoders. It is resolved once with
// [OpsFor] when a queue is created so the posting path never branches on the
// generation.
type Ops interface {
	Generation() Generation

	// SetFragment writes one fragment at byte offset off of the descriptor
	// q. A nil sge writes an empty fragment.
	SetFragment(q []byte, off int, sge *SGE, polarity uint8)

	// CopyInline copies inline payload into the descriptor q, which spans
	// every quantum of the descriptor.
	CopyInline(q []byte, data [][]byte, polarity uint8)

	// InlineQuanta converts an inline payload size in bytes to the number
	// of quanta the descriptor occupies.
	InlineQuanta(size uint32) uint16

	// MaxInline is the largest inline payload the layout can carry.
	MaxInline() uint32

	// SetBindWindow writes the body of a memory window bind descriptor.
	SetBindWindow(q []byte, b *BindWindow)

	// WQEShift returns log2 of the send descriptor size in quanta used to
	// size a send queue for the given fragment and inline maxima.
	WQEShift(frags, inline uint32) uint8

	// DummyFragment reports whether a descriptor with fragCount fragments
	// must be terminated by an extra zero length valid fragment that is
	// counted in the header's additional fragment count.
	DummyFragment(fragCount uint32) bool

	// InvalidateNext reports whether the slot at newHead must have its
	// valid bit cleared after a descriptor of the given size was allocated.
	InvalidateNext(quanta uint16, newHead uint32) bool

	// RearmFragments rewrites the valid bit of the first count fragments
	// of a receive descriptor.
	RearmFragments(q []byte, count uint32, polarity uint8)

	// Fragment decodes the fragment at byte offset off.
	Fragment(q []byte, off int) SGE

	// Inline gathers size bytes of inline payload from the descriptor q.
	Inline(q []byte, size uint32) []byte

	// BindWindow decodes the body of a memory window bind descriptor.
	BindWindow(q []byte) BindWindow
}

// FragmentOffset returns the byte offset of fragment i of a descriptor whose
// first fragment sits at offset 0.
func FragmentOffset(i int) int {
	if i == 0 {
		return 0
	}
	return 32 + (i-1)*16
}

// OpsFor returns the encoders for a generation.
func OpsFor(g Generation) (Ops, error) {
	switch g {
	case Gen1:
		return gen1{}, nil
	case Gen2:
		return gen2{}, nil
	}
	return nil, fmt.Errorf("unsupported descriptor generation %d", uint8(g))
}

// DescriptorQuanta returns the number of quanta the send descriptor with the
// given header occupies. This is how the device walks a send queue.
func DescriptorQuanta(ops Ops, hdr uint64) uint16 {
	switch Opcode(SQOpcode.Get(hdr)) {
	case OpNOP, OpBindMW, OpFastRegister, OpLocalInv:
		return MinQuanta
	}
	if SQInlineDataFlag.IsSet(hdr) {
		return ops.InlineQuanta(uint32(SQInlineDataLen.Get(hdr)))
	}
	q, err := FragQuanta(uint32(SQAddFragCnt.Get(hdr)) + 1)
	if err != nil {
		return MaxQuantaPerWR
	}
	return q
}

type gen2 struct{}

func (gen2) Generation() Generation { return Gen2 }

func (gen2) SetFragment(q []byte, off int, sge *SGE, polarity uint8) {
	if sge == nil {
		Set64(q, off, 0)
		Set64(q, off+8, Valid.Prep(uint64(polarity)))
		return
	}
	Set64(q, off, sge.Addr)
	Set64(q, off+8, Valid.Prep(uint64(polarity))|
		FragLen.Prep(uint64(sge.Len))|
		FragStag.Prep(uint64(sge.LKey)))
}

// inlineValidShift positions the polarity inside the trailing byte of every
// inline quantum after the first.
const inlineValidShift = 7

func (gen2) CopyInline(q []byte, data [][]byte, polarity uint8) {
	valid := polarity << inlineValidShift
	pos := 8
	remaining := 8
	first := true

	for _, d := range data {
		for len(d) > 0 {
			n := copy(q[pos:pos+min(remaining, len(d))], d)
			pos += n
			d = d[n:]
			remaining -= n
			if remaining == 0 {
				remaining = 31
				if first {
					// The rest of the payload starts after the header.
					first = false
					pos += 16
				} else {
					q[pos] = valid
					pos++
				}
			}
		}
	}

	if !first && remaining < 31 {
		q[pos+remaining] = valid
	}
}

func (gen2) InlineQuanta(size uint32) uint16 {
	switch {
	case size <= 8:
		return MinQuanta
	case size <= 39:
		return 2
	case size <= 70:
		return 3
	case size <= 101:
		return 4
	case size <= 132:
		return 5
	case size <= 163:
		return 6
	case size <= 194:
		return 7
	}
	return 8
}

func (gen2) MaxInline() uint32 { return 101 }

func (gen2) SetBindWindow(q []byte, b *BindWindow) {
	Set64(q, 0, b.VA)
	Set64(q, 8, SQParentMRStag.Prep(uint64(b.MWStag))|SQMWStag.Prep(uint64(b.MRStag)))
	Set64(q, 16, b.Len)
}

func (gen2) WQEShift(frags, inline uint32) uint8 {
	if frags <= 1 && inline <= 8 {
		return 0
	}
	if frags < 4 && inline <= 39 {
		return 1
	}
	if frags < 8 && inline <= 101 {
		return 2
	}
	return 3
}

func (gen2) DummyFragment(fragCount uint32) bool {
	return fragCount != 0 && fragCount&1 == 0
}

func (gen2) InvalidateNext(uint16, uint32) bool { return false }

func (gen2) RearmFragments(q []byte, count uint32, polarity uint8) {
	for i := range int(count) {
		off := FragmentOffset(i) + 8
		Set64(q, off, Valid.Replace(Get64(q, off), uint64(polarity)))
	}
}

func (gen2) Fragment(q []byte, off int) SGE {
	w := Get64(q, off+8)
	return SGE{
		Addr: Get64(q, off),
		Len:  uint32(FragLen.Get(w)),
		LKey: uint32(FragStag.Get(w)),
	}
}

func (gen2) Inline(q []byte, size uint32) []byte {
	out := make([]byte, 0, size)
	n := min(int(size), 8)
	out = append(out, q[8:8+n]...)
	for pos := QuantumSize; len(out) < int(size); pos += QuantumSize {
		n = min(int(size)-len(out), 31)
		out = append(out, q[pos:pos+n]...)
	}
	return out
}

func (gen2) BindWindow(q []byte) BindWindow {
	w := Get64(q, 8)
	return BindWindow{
		VA:     Get64(q, 0),
		MWStag: uint32(SQParentMRStag.Get(w)),
		MRStag: uint32(SQMWStag.Get(w)),
		Len:    Get64(q, 16),
	}
}

type gen1 struct{}

func (gen1) Generation() Generation { return Gen1 }

func (gen1) SetFragment(q []byte, off int, sge *SGE, _ uint8) {
	if sge == nil {
		Set64(q, off, 0)
		Set64(q, off+8, 0)
		return
	}
	Set64(q, off, sge.Addr)
	Set64(q, off+8, Gen1FragLen.Prep(uint64(sge.Len))|Gen1FragStag.Prep(uint64(sge.LKey)))
}

func (gen1) CopyInline(q []byte, data [][]byte, _ uint8) {
	pos := 0
	remaining := 16

	for _, d := range data {
		for len(d) > 0 {
			n := copy(q[pos:pos+min(remaining, len(d))], d)
			pos += n
			d = d[n:]
			remaining -= n
			if remaining == 0 {
				pos += 16
				remaining = 32
			}
		}
	}
}

func (gen1) InlineQuanta(size uint32) uint16 {
	if size <= 16 {
		return MinQuanta
	}
	return 2
}

func (gen1) MaxInline() uint32 { return 48 }

func (gen1) SetBindWindow(q []byte, b *BindWindow) {
	Set64(q, 0, b.VA)
	Set64(q, 8, SQParentMRStag.Prep(uint64(b.MRStag))|SQMWStag.Prep(uint64(b.MWStag)))
	Set64(q, 16, b.Len)
}

func (gen1) WQEShift(frags, inline uint32) uint8 {
	if frags <= 1 && inline <= 16 {
		return 0
	}
	if frags < 4 && inline <= 48 {
		return 1
	}
	return 2
}

func (gen1) DummyFragment(uint32) bool { return false }

func (gen1) InvalidateNext(quanta uint16, newHead uint32) bool {
	return quanta == 1 && newHead&1 == 1
}

// Generation 1 fragments carry no valid bit.
func (gen1) RearmFragments([]byte, uint32, uint8) {}

func (gen1) Fragment(q []byte, off int) SGE {
	w := Get64(q, off+8)
	return SGE{
		Addr: Get64(q, off),
		Len:  uint32(Gen1FragLen.Get(w)),
		LKey: uint32(Gen1FragStag.Get(w)),
	}
}

func (gen1) Inline(q []byte, size uint32) []byte {
	out := make([]byte, 0, size)
	n := min(int(size), 16)
	out = append(out, q[:n]...)
	for pos := QuantumSize; len(out) < int(size); pos += QuantumSize {
		n = min(int(size)-len(out), QuantumSize)
		out = append(out, q[pos:pos+n]...)
	}
	return out
}

func (gen1) BindWindow(q []byte) BindWindow {
	w := Get64(q, 8)
	return BindWindow{
		VA:     Get64(q, 0),
		MRStag: uint32(SQParentMRStag.Get(w)),
		MWStag: uint32(SQMWStag.Get(w)),
		Len:    Get64(q, 16),
	}
}
