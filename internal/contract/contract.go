// Package contract defines the versioned column contract for the unified
// trip-record artifact. The contract is the single source of truth for
// column order, names, and types: Bronze writes exactly this shape, and
// Silver refuses to read anything else.
package contract

import (
	"sort"

	"github.com/apache/arrow/go/v16/arrow"
)

// Version identifies the contract revision stamped into artifact metadata.
const Version = "1"

// MetadataKey is the artifact metadata key carrying the contract version.
const MetadataKey = "triplake:contract"

// TimestampUS is the contract timestamp representation: microsecond
// precision, no zone.
var TimestampUS = &arrow.TimestampType{Unit: arrow.Microsecond}

// Column is one (name, type) pair of the contract.
type Column struct {
	Name string
	Type arrow.DataType
}

// columns lists the full contract in canonical output order.
var columns = []Column{
	{"vendor_id", arrow.PrimitiveTypes.Int16},
	{"pickup_at", TimestampUS},
	{"dropoff_at", TimestampUS},
	{"passenger_count", arrow.PrimitiveTypes.Int16},
	{"trip_distance_mi", arrow.PrimitiveTypes.Float64},
	{"rate_code_id", arrow.PrimitiveTypes.Int16},
	{"store_and_fwd_flag", arrow.BinaryTypes.String},
	{"pu_location_id", arrow.PrimitiveTypes.Int32},
	{"do_location_id", arrow.PrimitiveTypes.Int32},
	{"payment_type", arrow.PrimitiveTypes.Int16},
	{"fare_amount", arrow.PrimitiveTypes.Float64},
	{"extra", arrow.PrimitiveTypes.Float64},
	{"mta_tax", arrow.PrimitiveTypes.Float64},
	{"tip_amount", arrow.PrimitiveTypes.Float64},
	{"tolls_amount", arrow.PrimitiveTypes.Float64},
	{"improvement_surcharge", arrow.PrimitiveTypes.Float64},
	{"total_amount", arrow.PrimitiveTypes.Float64},
	{"congestion_surcharge", arrow.PrimitiveTypes.Float64},
	{"airport_fee", arrow.PrimitiveTypes.Float64},
	{"cbd_congestion_fee", arrow.PrimitiveTypes.Float64},

	// derived
	{"manual_total", arrow.PrimitiveTypes.Float64},
	{"duration_minutes", arrow.PrimitiveTypes.Float64},
	{"speed_mph", arrow.PrimitiveTypes.Float64},

	// QA flags
	{"qa_in_file_window", arrow.FixedWidthTypes.Boolean},
	{"qa_outlier_distance", arrow.FixedWidthTypes.Boolean},
	{"qa_outlier_speed", arrow.FixedWidthTypes.Boolean},
	{"qa_is_fare_mismatch", arrow.FixedWidthTypes.Boolean},
	{"qa_is_adjustment", arrow.FixedWidthTypes.Boolean},

	// dedup & lineage
	{"dup_key", arrow.BinaryTypes.String},
	{"qa_is_duplicate_in_file", arrow.FixedWidthTypes.Boolean},
	{"source_year", arrow.PrimitiveTypes.Int32},
	{"source_month", arrow.PrimitiveTypes.Int32},
	{"source_file", arrow.BinaryTypes.String},
}

// moneyComponents are the monetary component fields summed into
// manual_total. total_amount is monetary but not a component.
var moneyComponents = []string{
	"fare_amount",
	"extra",
	"mta_tax",
	"tip_amount",
	"tolls_amount",
	"improvement_surcharge",
	"congestion_surcharge",
	"airport_fee",
	"cbd_congestion_fee",
}

// deprecated lists columns from retired experiments. They are tolerated on
// Silver input but excluded from every partition output.
var deprecated = []string{"qa_is_fee_misflag", "fee_misflag_delta"}

// Columns returns the contract columns in canonical order.
func Columns() []Column {
	out := make([]Column, len(columns))
	copy(out, columns)
	return out
}

// Names returns the contract column names in canonical order.
func Names() []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = c.Name
	}
	return out
}

// MoneyComponents returns the nine monetary component column names.
func MoneyComponents() []string {
	out := make([]string, len(moneyComponents))
	copy(out, moneyComponents)
	return out
}

// MoneyColumns returns all monetary column names: the nine components plus
// total_amount.
func MoneyColumns() []string {
	return append(MoneyComponents(), "total_amount")
}

// Deprecated returns column names that are permitted on input but never
// written to partition outputs.
func Deprecated() []string {
	out := make([]string, len(deprecated))
	copy(out, deprecated)
	return out
}

// Schema returns the contract as an Arrow schema with the contract version
// in the schema metadata. All fields are nullable; non-null guarantees
// (e.g. QA flags) are enforced by the writers, not the schema.
func Schema() *arrow.Schema {
	fields := make([]arrow.Field, len(columns))
	for i, c := range columns {
		fields[i] = arrow.Field{Name: c.Name, Type: c.Type, Nullable: true}
	}
	md := arrow.NewMetadata([]string{MetadataKey}, []string{Version})
	return arrow.NewSchema(fields, &md)
}

// Matches validates a set of column names against the contract. It returns
// the contract columns absent from names and the names the contract does not
// know. Deprecated columns are known, so they never appear in extra. Both
// slices are sorted and empty when the input satisfies the contract.
func Matches(names []string) (missing, extra []string) {
	want := make(map[string]bool, len(columns))
	for _, c := range columns {
		want[c.Name] = true
	}
	tolerated := make(map[string]bool, len(deprecated))
	for _, d := range deprecated {
		tolerated[d] = true
	}

	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
		if !want[n] && !tolerated[n] {
			extra = append(extra, n)
		}
	}
	for _, c := range columns {
		if !have[c.Name] {
			missing = append(missing, c.Name)
		}
	}

	sort.Strings(missing)
	sort.Strings(extra)
	return missing, extra
}
