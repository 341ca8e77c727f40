package cache

import "fmt"

// Fingerprint identifies one cacheable request. Two requests with the
// same fingerprint share one cache slot. Dates are YYYY-MM-DD strings
// so the struct stays comparable and map-keyable.
type Fingerprint struct {
	Dataset     string
	Symbol      string
	Start       string
	End         string
	Granularity string
}

// String renders the fingerprint as a stable cache key
func (fp Fingerprint) String() string {
	return fmt.Sprintf("%s:%s:%s:%s:%s", fp.Dataset, fp.Symbol, fp.Start, fp.End, fp.Granularity)
}

// Predicate selects fingerprints for invalidation
type Predicate func(Fingerprint) bool

// MatchExact selects only the given fingerprint
func MatchExact(fp Fingerprint) Predicate {
	return func(other Fingerprint) bool { return other == fp }
}

// MatchSymbol selects all window and granularity variants of one
// symbol within a dataset
func MatchSymbol(dataset, symbol string) Predicate {
	return func(other Fingerprint) bool {
		return other.Dataset == dataset && other.Symbol == symbol
	}
}

// MatchDataset selects every entry of a dataset family
func MatchDataset(dataset string) Predicate {
	return func(other Fingerprint) bool { return other.Dataset == dataset }
}
