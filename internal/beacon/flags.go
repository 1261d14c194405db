package beacon

// Flags is the presence bitmap written after the version field. Bits other
// than FlagNodeID and FlagPeriod are reserved: zero on encode, ignored on decode.
type Flags uint8

const (
	FlagNodeID Flags = 1 << iota
	FlagPeriod
)

func flagsOf(b *Beacon) Flags {
	var f Flags
	if b.NodeID != nil {
		f |= FlagNodeID
	}
	if b.Period != nil {
		f |= FlagPeriod
	}
	return f
}

// HasNodeID reports whether a node identifier follows the sequence number.
func (f Flags) HasNodeID() bool { return f&FlagNodeID != 0 }

// HasPeriod reports whether a period follows the service list.
func (f Flags) HasPeriod() bool { return f&FlagPeriod != 0 }
