package types

import (
	"fmt"
	"strconv"
	"strings"
)

// gponIfIndexBase is the first if-index Huawei assigns to GPON ports.
const gponIfIndexBase = 0xFA000000

// PonIndex is a decoded ONU index of the form "<ifIndex>.<onuId>".
type PonIndex struct {
	IfIndex int64 `json:"if_index"`
	OnuID   int   `json:"onu_id"`
	Frame   int   `json:"frame"`
	Slot    int   `json:"slot"`
	Port    int   `json:"port"`
}

// ParsePonIndex splits an ONU index into its PON if-index and logical ONU id
// and decodes frame/slot/port from the if-index.
func ParsePonIndex(index string) (PonIndex, error) {
	head, tail, ok := strings.Cut(index, ".")
	if !ok || head == "" || tail == "" || strings.Contains(tail, ".") {
		return PonIndex{}, fmt.Errorf("invalid onu index %q: expected <ifIndex>.<onuId>", index)
	}

	ifIndex, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return PonIndex{}, fmt.Errorf("invalid if-index in %q: %w", index, err)
	}
	onuID, err := strconv.Atoi(tail)
	if err != nil {
		return PonIndex{}, fmt.Errorf("invalid onu id in %q: %w", index, err)
	}

	p := PonIndex{IfIndex: ifIndex, OnuID: onuID}
	if ifIndex >= gponIfIndexBase {
		rel := ifIndex - gponIfIndexBase
		p.Frame = int(rel >> 18)
		p.Slot = int((rel >> 13) & 0x1F)
		p.Port = int((rel >> 8) & 0x1F)
	}
	return p, nil
}

// SlotPort formats the frame/slot/port triple the way the OLT CLI prints it.
func (p PonIndex) SlotPort() string {
	return fmt.Sprintf("%d/%d/%d", p.Frame, p.Slot, p.Port)
}
