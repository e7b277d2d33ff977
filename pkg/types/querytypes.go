package types

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// QueryType names what a task reads from the OLT.
type QueryType string

const (
	QueryDiscovery    QueryType = "discovery"
	QueryDescription  QueryType = "description"
	QueryStatus       QueryType = "status"
	QueryPlan         QueryType = "plan"
	QueryRxPower      QueryType = "rx_power"
	QueryTxPower      QueryType = "tx_power"
	QueryLastDownTime QueryType = "last_down_time"
	QueryDistance     QueryType = "distance"
	QueryModel        QueryType = "model"
)

// TimeoutProfile selects the SNMP timeout and retry budget for a query type.
type TimeoutProfile string

const (
	ProfileBaseline TimeoutProfile = "baseline"
	ProfileExtended TimeoutProfile = "extended"
)

// Field is the onu_records column a query type writes to.
type Field string

const (
	FieldDescription   Field = "description"
	FieldStatus        Field = "status"
	FieldPlan          Field = "plan"
	FieldRxPower       Field = "rx_power"
	FieldTxPower       Field = "tx_power"
	FieldLastDownTime  Field = "last_down_time"
	FieldDistance      Field = "distance"
	FieldModel         Field = "model"
	FieldProvisionFlag Field = "provision_flag"
)

// QuerySpec describes how a query type is polled and stored.
type QuerySpec struct {
	Type    QueryType
	OID     string
	Field   Field
	Profile TimeoutProfile

	// Preserve keeps the last known value when a reading is absent or invalid.
	Preserve bool
}

// Validate checks that q has everything needed to drive a poll.
func (q QuerySpec) Validate() error {
	if q.Type == "" {
		return fmt.Errorf("query type is required")
	}
	if q.OID == "" {
		return fmt.Errorf("query type %s has no OID", q.Type)
	}
	if strings.HasPrefix(q.OID, ".") || strings.HasSuffix(q.OID, ".") {
		return fmt.Errorf("query type %s: OID must not start or end with a dot", q.Type)
	}
	if q.Field == "" {
		return fmt.Errorf("query type %s has no target field", q.Type)
	}
	if !fieldColumns[q.Field] {
		return fmt.Errorf("query type %s: unknown field %s", q.Type, q.Field)
	}
	return nil
}

// Huawei MA5600/MA5800 GPON ONT tables.
const huaweiOntBase = "1.3.6.1.4.1.2011.6.128.1.1.2"

var (
	registryMu    sync.RWMutex
	queryRegistry = map[QueryType]QuerySpec{
		QueryDiscovery:    {Type: QueryDiscovery, OID: huaweiOntBase + ".46.1.1", Field: FieldProvisionFlag, Profile: ProfileExtended},
		QueryDescription:  {Type: QueryDescription, OID: huaweiOntBase + ".43.1.9", Field: FieldDescription, Profile: ProfileBaseline},
		QueryStatus:       {Type: QueryStatus, OID: huaweiOntBase + ".43.1.15", Field: FieldStatus, Profile: ProfileBaseline},
		QueryPlan:         {Type: QueryPlan, OID: huaweiOntBase + ".43.1.7", Field: FieldPlan, Profile: ProfileExtended, Preserve: true},
		QueryRxPower:      {Type: QueryRxPower, OID: huaweiOntBase + ".51.1.4", Field: FieldRxPower, Profile: ProfileBaseline},
		QueryTxPower:      {Type: QueryTxPower, OID: huaweiOntBase + ".51.1.3", Field: FieldTxPower, Profile: ProfileBaseline},
		QueryLastDownTime: {Type: QueryLastDownTime, OID: huaweiOntBase + ".101.1.7", Field: FieldLastDownTime, Profile: ProfileExtended},
		QueryDistance:     {Type: QueryDistance, OID: huaweiOntBase + ".46.1.20", Field: FieldDistance, Profile: ProfileExtended, Preserve: true},
		QueryModel:        {Type: QueryModel, OID: huaweiOntBase + ".45.1.4", Field: FieldModel, Profile: ProfileExtended, Preserve: true},
	}

	fieldColumns = map[Field]bool{
		FieldDescription:   true,
		FieldStatus:        true,
		FieldPlan:          true,
		FieldRxPower:       true,
		FieldTxPower:       true,
		FieldLastDownTime:  true,
		FieldDistance:      true,
		FieldModel:         true,
		FieldProvisionFlag: true,
	}
)

// RegisterQuery adds or replaces a query type. Call it during process
// start-up, before any poller reads the registry.
func RegisterQuery(spec QuerySpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	queryRegistry[spec.Type] = spec
	return nil
}

// LookupQuery resolves a query type to its OID and target field.
func LookupQuery(t QueryType) (QuerySpec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	spec, ok := queryRegistry[t]
	return spec, ok
}

// QueryTypes lists all registered query types in name order.
func QueryTypes() []QueryType {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]QueryType, 0, len(queryRegistry))
	for t := range queryRegistry {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsKnownField reports whether f names a writable onu_records column.
func IsKnownField(f Field) bool {
	return fieldColumns[f]
}
