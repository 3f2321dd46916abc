package hw

import "fmt"

// Register names a 32 bit device register.
type Register int

const (
	// RegCQPTail reports the control ring tail and an error bit.
	RegCQPTail Register = iota
	// RegCQPDB is the control ring doorbell, written with the ring head.
	RegCQPDB
	// RegCCQPStatus reports control ring creation.
	RegCCQPStatus
	// RegCQPErrCodes holds major/minor codes of the last control error.
	RegCQPErrCodes
	// RegCCQPHigh and RegCCQPLow receive the control ring host context
	// address. Writing RegCCQPLow starts control ring creation.
	RegCCQPHigh
	RegCCQPLow
	// RegWQEAlloc is the send queue doorbell, written with a queue pair id.
	RegWQEAlloc
	// RegCQArm is the completion queue arm doorbell, written with a
	// completion queue id.
	RegCQArm
	// RegPushDB is the push doorbell.
	RegPushDB

	NumRegisters
)

var registerNames = [...]string{
	RegCQPTail:     "CQPTAIL",
	RegCQPDB:       "CQPDB",
	RegCCQPStatus:  "CCQPSTATUS",
	RegCQPErrCodes: "CQPERRCODES",
	RegCCQPHigh:    "CCQPHIGH",
	RegCCQPLow:     "CCQPLOW",
	RegWQEAlloc:    "WQEALLOC",
	RegCQArm:       "CQARM",
	RegPushDB:      "PUSHDB",
}

func (r Register) String() string {
	if r >= 0 && int(r) < len(registerNames) {
		return registerNames[r]
	}
	return fmt.Sprintf("register(%d)", int(r))
}

// Registers is the device register file. Writes to doorbell registers are
// the only way software signals the device; implementations must not block
// on software locks.
type Registers interface {
	Read32(r Register) uint32
	Write32(r Register, v uint32)
}
