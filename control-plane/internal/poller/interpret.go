package poller

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/onu-poller/control-plane/internal/snmp"
	"github.com/pilot-net/onu-poller/pkg/types"
)

// Placeholder is stored when a reading exists but carries no usable value.
const Placeholder = "N/A"

const (
	// Huawei reports an unreadable optical level as INT32_MAX.
	powerSentinel    = 2147483647
	distanceSentinel = -1
)

type readingKind int

const (
	readingValid readingKind = iota
	readingInvalid
	readingAbsent
)

func (k readingKind) String() string {
	switch k {
	case readingValid:
		return "valid"
	case readingInvalid:
		return "invalid"
	}
	return "absent"
}

type reading struct {
	kind  readingKind
	value string
}

func valid(v string) reading { return reading{kind: readingValid, value: v} }

var invalid = reading{kind: readingInvalid}

// interpret turns a raw varbind into the value stored in field.
func interpret(field types.Field, v snmp.Variable) reading {
	switch v.Type {
	case snmp.TypeAbsent:
		return reading{kind: readingAbsent}
	case snmp.TypeNull, snmp.TypeOther:
		return invalid
	}

	switch field {
	case types.FieldStatus:
		n, ok := asInt(v)
		if !ok {
			return invalid
		}
		switch n {
		case 1:
			return valid("online")
		case 2:
			return valid("offline")
		}
		return invalid

	case types.FieldRxPower, types.FieldTxPower:
		n, ok := asInt(v)
		if !ok || n == powerSentinel {
			return invalid
		}
		return valid(strconv.FormatFloat(float64(n)/100, 'f', 2, 64))

	case types.FieldDistance:
		n, ok := asInt(v)
		if !ok || n == distanceSentinel || n < 0 {
			return invalid
		}
		return valid(fmt.Sprintf("%.3f km", float64(n)/1000))

	case types.FieldLastDownTime:
		if v.Type != snmp.TypeString {
			return invalid
		}
		t, ok := decodeDateAndTime(v.Bytes)
		if !ok {
			return invalid
		}
		return valid(t.Format("2006-01-02 15:04:05"))

	case types.FieldModel, types.FieldPlan:
		s := asString(v)
		if s == "" {
			return invalid
		}
		return valid(s)
	}

	return valid(asString(v))
}

func asInt(v snmp.Variable) (int64, bool) {
	switch v.Type {
	case snmp.TypeInteger:
		return v.Int, true
	case snmp.TypeString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}

func asString(v snmp.Variable) string {
	if v.Type == snmp.TypeInteger {
		return strconv.FormatInt(v.Int, 10)
	}
	return strings.TrimSpace(strings.TrimRight(v.String(), "\x00"))
}

// decodeDateAndTime decodes an SNMPv2-TC DateAndTime octet string
// (8 octets, or 11 with a UTC offset). An all-zero date means "never".
func decodeDateAndTime(b []byte) (time.Time, bool) {
	if len(b) != 8 && len(b) != 11 {
		return time.Time{}, false
	}
	year := int(b[0])<<8 | int(b[1])
	month, day := int(b[2]), int(b[3])
	hour, minute, sec := int(b[4]), int(b[5]), int(b[6])
	if year == 0 || month < 1 || month > 12 || day < 1 || day > 31 || hour > 23 || minute > 59 || sec > 60 {
		return time.Time{}, false
	}

	loc := time.UTC
	if len(b) == 11 {
		offset := (int(b[9])*60 + int(b[10])) * 60
		if b[8] == '-' {
			offset = -offset
		}
		loc = time.FixedZone("", offset)
	}
	return time.Date(year, time.Month(month), day, hour, minute, sec, int(b[7])*100*int(time.Millisecond), loc), true
}
