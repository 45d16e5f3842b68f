// Package metrics provides constants used across metric definitions.
package metrics

// Operation type constants used in switch statements across metrics.
const (
	// OpDbInsert represents database insert operations.
	OpDbInsert = "db_insert"
	// OpDbQuery represents database query operations.
	OpDbQuery = "db_query"
	// OpDbDelete represents database delete operations.
	OpDbDelete = "db_delete"
	// OpTransaction represents database transaction operations.
	OpTransaction = "transaction"
	// OpProcess represents stream preparation operations.
	OpProcess = "process"
	// OpLagCalc represents pick refinement operations.
	OpLagCalc = "lagcalc"
	// OpStore represents detection storage operations.
	OpStore = "store"
	// OpExport represents file export operations.
	OpExport = "export"
)

// Label value constants used for metric labels.
const (
	// LabelSuccess marks operations that completed.
	LabelSuccess = "success"
	// LabelError marks operations that failed.
	LabelError = "error"
	// LabelCommit is the transaction label for committed transactions.
	LabelCommit = "commit"
	// LabelRollback is the transaction label for rolled back transactions.
	LabelRollback = "rollback"
)

// Histogram bucket configuration constants.
// These define the base values and factors for exponential bucket generation.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms.
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms.
	BucketStart10ms = 0.01

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount10 defines 10 exponential buckets.
	BucketCount10 = 10
	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)

// Correlation value bucket parameters. Correlations live in [0, 1], linear
// buckets resolve the acceptance threshold region evenly.
const (
	// BucketCorrStart is the first correlation bucket boundary.
	BucketCorrStart = 0.0
	// BucketCorrWidth is the width of each correlation bucket.
	BucketCorrWidth = 0.05
	// BucketCorrCount covers 0.0 through 1.0.
	BucketCorrCount = 21
)
