// Package canon normalizes raw trip-record batches toward the contract.
// Recognized vendor column names are renamed to canonical ones, timestamps
// are coerced to microsecond precision, identifier columns widen to int64,
// and monetary/distance columns become float64. Unrecognized columns pass
// through untouched. Bad values degrade to null, never to an error: raw
// files are classified downstream, not repaired here.
package canon

import (
	"github.com/apache/arrow/go/v16/arrow"
	"github.com/apache/arrow/go/v16/arrow/memory"
	"github.com/rotisserie/eris"

	"github.com/sells-group/triplake/internal/contract"
	"github.com/sells-group/triplake/internal/frame"
)

// aliases maps raw column names, as seen in monthly vendor files, to their
// canonical names. Identity entries pin names that are already canonical.
// trip_distance keeps its raw name here; the Bronze builder renames it to
// trip_distance_mi after monetary reconciliation.
var aliases = map[string]string{
	// datetimes (yellow and green feeds)
	"tpep_pickup_datetime":  "pickup_at",
	"tpep_dropoff_datetime": "dropoff_at",
	"lpep_pickup_datetime":  "pickup_at",
	"lpep_dropoff_datetime": "dropoff_at",

	// ids
	"VendorID":     "vendor_id",
	"vendor_id":    "vendor_id",
	"payment_type": "payment_type",
	"PULocationID": "pu_location_id",
	"DOLocationID": "do_location_id",
	"ratecodeid":   "rate_code_id",
	"RatecodeID":   "rate_code_id",

	// numerics
	"passenger_count":       "passenger_count",
	"trip_distance":         "trip_distance",
	"fare_amount":           "fare_amount",
	"extra":                 "extra",
	"mta_tax":               "mta_tax",
	"tip_amount":            "tip_amount",
	"tolls_amount":          "tolls_amount",
	"improvement_surcharge": "improvement_surcharge",
	"congestion_surcharge":  "congestion_surcharge",
	"airport_fee":           "airport_fee",
	"Airport_fee":           "airport_fee",
	"cbd_congestion_fee":    "cbd_congestion_fee",
	"total_amount":          "total_amount",
	"store_and_fwd_flag":    "store_and_fwd_flag",
}

// identifierColumns are widened to int64 during canonicalization; the
// contract cast narrows them later.
var identifierColumns = []string{
	"vendor_id",
	"payment_type",
	"rate_code_id",
	"passenger_count",
	"pu_location_id",
	"do_location_id",
}

// CanonicalName returns the canonical name for a raw column, and whether
// the raw name is recognized at all.
func CanonicalName(raw string) (string, bool) {
	c, ok := aliases[raw]
	return c, ok
}

// Canonicalize returns a batch with recognized columns renamed and coerced:
// pickup/dropoff to microsecond timestamps, identifiers to int64, distance
// and monetary columns to float64, the store-and-forward flag to a string.
// The input batch is left untouched.
func Canonicalize(mem memory.Allocator, rec arrow.Record) (arrow.Record, error) {
	cur, err := frame.Rename(rec, aliases)
	if err != nil {
		return nil, eris.Wrap(err, "canon: rename columns")
	}

	coerce := func(name string, target arrow.DataType) error {
		col, ok := frame.Column(cur, name)
		if !ok {
			return nil
		}
		arr, err := CastTo(mem, col, target)
		if err != nil {
			return eris.Wrapf(err, "canon: coerce %s", name)
		}
		next, err := frame.WithColumn(cur, name, arr)
		arr.Release()
		if err != nil {
			return eris.Wrapf(err, "canon: replace %s", name)
		}
		cur.Release()
		cur = next
		return nil
	}

	for _, name := range []string{"pickup_at", "dropoff_at"} {
		if err := coerce(name, contract.TimestampUS); err != nil {
			cur.Release()
			return nil, err
		}
	}
	for _, name := range identifierColumns {
		if err := coerce(name, arrow.PrimitiveTypes.Int64); err != nil {
			cur.Release()
			return nil, err
		}
	}
	for _, name := range append([]string{"trip_distance"}, contract.MoneyColumns()...) {
		if err := coerce(name, arrow.PrimitiveTypes.Float64); err != nil {
			cur.Release()
			return nil, err
		}
	}
	if err := coerce("store_and_fwd_flag", arrow.BinaryTypes.String); err != nil {
		cur.Release()
		return nil, err
	}

	return cur, nil
}
