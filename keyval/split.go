package keyval

import "github.com/google/uuid"

// SplitTransaction marks one part of a transaction fanned out across
// multiple commit proxies. All parts share ID and TotalParts and carry
// distinct PartIndex values in [0, TotalParts); every part is forced into
// its own commit batch.
type SplitTransaction struct {
	ID         uuid.UUID
	TotalParts uint16
	PartIndex  uint16
}
