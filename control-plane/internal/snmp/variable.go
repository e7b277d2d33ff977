package snmp

import (
	"strings"

	"github.com/gosnmp/gosnmp"
)

// ValueType is the decoded kind of a varbind.
type ValueType int

const (
	TypeOther ValueType = iota
	TypeString
	TypeInteger
	TypeNull
	// TypeAbsent covers noSuchObject, noSuchInstance and endOfMibView.
	TypeAbsent
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeNull:
		return "null"
	case TypeAbsent:
		return "absent"
	}
	return "other"
}

// Variable is one decoded varbind. OID carries no leading dot.
type Variable struct {
	OID   string
	Type  ValueType
	Bytes []byte
	Int   int64
}

// String returns the octet-string value.
func (v Variable) String() string {
	return string(v.Bytes)
}

// FromPDU decodes a gosnmp varbind.
func FromPDU(pdu gosnmp.SnmpPDU) Variable {
	v := Variable{OID: strings.TrimPrefix(pdu.Name, ".")}

	switch pdu.Type {
	case gosnmp.OctetString, gosnmp.ObjectDescription:
		v.Type = TypeString
		switch b := pdu.Value.(type) {
		case []byte:
			v.Bytes = b
		case string:
			v.Bytes = []byte(b)
		}
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.Uinteger32, gosnmp.Counter64, gosnmp.TimeTicks:
		v.Type = TypeInteger
		v.Int = gosnmp.ToBigInt(pdu.Value).Int64()
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		v.Type = TypeAbsent
	case gosnmp.Null:
		v.Type = TypeNull
	default:
		v.Type = TypeOther
	}
	return v
}

// Index returns the part of oid below base, or "" when oid is not under base.
func Index(base, oid string) string {
	base = strings.Trim(base, ".")
	oid = strings.TrimPrefix(oid, ".")
	if !strings.HasPrefix(oid, base+".") {
		return ""
	}
	return oid[len(base)+1:]
}

// OIDs builds the instance OIDs of base for each index.
func OIDs(base string, indices []string) []string {
	base = strings.Trim(base, ".")
	out := make([]string, len(indices))
	for i, idx := range indices {
		out[i] = base + "." + idx
	}
	return out
}
