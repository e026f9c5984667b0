package core

// NotApplicable is the rows-modified count reported for statements that
// return no columns and are not INSERT, UPDATE or DELETE.
const NotApplicable int64 = -1

// StatementResult is the outcome of one executed statement.
// Row-producing statements carry their column names and every row verbatim.
// Statements without columns carry a single one-cell row holding the
// rows-modified count (or NotApplicable).
type StatementResult struct {
	Columns []string `json:"columns"`
	Values  [][]any  `json:"values"`
}

// RowsModifiedResult builds the result of a statement that produced no columns.
func RowsModifiedResult(n int64) StatementResult {
	return StatementResult{
		Columns: []string{},
		Values:  [][]any{{n}},
	}
}

// RowsModified returns the count carried by a column-less result.
// ok is false for row-producing results.
func (r StatementResult) RowsModified() (n int64, ok bool) {
	if len(r.Columns) != 0 || len(r.Values) != 1 || len(r.Values[0]) != 1 {
		return 0, false
	}
	switch v := r.Values[0][0].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	}
	return 0, false
}

// Progress is emitted after every completed statement of a multi-statement run.
type Progress struct {
	// Percent of script bytes processed so far, in [0, 100].
	Percent float64
	Result  StatementResult
}

// ProgressFunc receives progress events in statement order.
type ProgressFunc func(Progress)

// Facet names an independently persisted part of a logical database.
type Facet string

// Persisted facets.
const (
	FacetDefinition   Facet = "definition"
	FacetQuery        Facet = "query"
	FacetQueryResults Facet = "query-results"
)

// AllFacets returns every facet in reconciliation order.
func AllFacets() []Facet {
	return []Facet{FacetDefinition, FacetQuery, FacetQueryResults}
}

// ParseFacet converts a facet name into a Facet.
func ParseFacet(s string) (Facet, error) {
	switch f := Facet(s); f {
	case FacetDefinition, FacetQuery, FacetQueryResults:
		return f, nil
	}
	return "", &UnknownFacetError{Name: s}
}
