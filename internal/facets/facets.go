// Package facets persists the independently saved parts of a logical
// database in the record store, one collection per facet.
package facets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-viper/mapstructure/v2"

	"github.com/leapstack-labs/sqltrainer/internal/digest"
	"github.com/leapstack-labs/sqltrainer/internal/recordstore"
	"github.com/leapstack-labs/sqltrainer/pkg/core"
)

// Collection names.
const (
	CollectionMeta                = "meta"
	CollectionOriginalDefinitions = "original-definitions"
	CollectionDefinitions         = "definitions"
	CollectionQueries             = "queries"
	CollectionQueryResults        = "query-results"
)

// Meta is the primary record of a logical database.
type Meta struct {
	ID               int64  `mapstructure:"id"`
	Name             string `mapstructure:"name"`
	DefinitionHash   string `mapstructure:"definitionHash"`
	QueryResultsHash string `mapstructure:"queryResultsHash"`
}

// Bundle is every persisted facet of one logical database.
type Bundle struct {
	Meta          Meta
	Definition    []byte
	Texts         []string
	Results       [][]core.StatementResult
	ResultHeights [][]int
}

type definitionRecord struct {
	Definition string `mapstructure:"definition"`
}

type queriesRecord struct {
	Texts string `mapstructure:"texts"`
}

type queryResultsRecord struct {
	Results       string `mapstructure:"results"`
	ResultHeights string `mapstructure:"resultHeights"`
}

// Store reads and writes facets.
type Store struct {
	meta        *recordstore.Collection
	originals   *recordstore.Collection
	definitions *recordstore.Collection
	queries     *recordstore.Collection
	results     *recordstore.Collection
	logger      *slog.Logger
}

// New creates a facet Store over records.
func New(records *recordstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		meta:        records.Collection(CollectionMeta),
		originals:   records.Collection(CollectionOriginalDefinitions),
		definitions: records.Collection(CollectionDefinitions),
		queries:     records.Collection(CollectionQueries),
		results:     records.Collection(CollectionQueryResults),
		logger:      logger,
	}
}

// ResultsHash digests the saved-results facet of a set of queries.
func ResultsHash(hasher digest.Func, results [][]core.StatementResult, heights [][]int) (string, error) {
	type entry struct {
		Results       []core.StatementResult `json:"results"`
		ResultHeights []int                  `json:"resultHeights"`
	}
	entries := make([]entry, len(results))
	for i := range results {
		entries[i] = entry{Results: nonNil(results[i]), ResultHeights: []int{}}
		if i < len(heights) && heights[i] != nil {
			entries[i].ResultHeights = heights[i]
		}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to encode query results: %w", err)
	}
	return hasher(raw), nil
}

// EmptyResultsHash is the results digest of a database with no queries.
func EmptyResultsHash(hasher digest.Func) string {
	return hasher([]byte("[]"))
}

// Create persists a new logical database with empty queries and results
// and returns its meta record.
func (s *Store) Create(ctx context.Context, name string, definition []byte, definitionHash, resultsHash string) (Meta, error) {
	meta := Meta{Name: name, DefinitionHash: definitionHash, QueryResultsHash: resultsHash}
	id, err := s.meta.Add(ctx, recordstore.Record{
		"name":             meta.Name,
		"definitionHash":   meta.DefinitionHash,
		"queryResultsHash": meta.QueryResultsHash,
	})
	if err != nil {
		return Meta{}, fmt.Errorf("failed to create database record: %w", err)
	}
	meta.ID = id

	encoded := base64.StdEncoding.EncodeToString(definition)
	writes := []struct {
		c   *recordstore.Collection
		rec recordstore.Record
	}{
		{s.originals, recordstore.Record{"definition": encoded}},
		{s.definitions, recordstore.Record{"definition": encoded}},
		{s.queries, recordstore.Record{"texts": "[]"}},
		{s.results, recordstore.Record{"results": "[]", "resultHeights": "[]"}},
	}
	for _, w := range writes {
		if err := w.c.AddWithKey(ctx, id, w.rec); err != nil {
			return Meta{}, fmt.Errorf("failed to create %s record: %w", w.c.Name(), err)
		}
	}

	s.logger.Debug("database persisted", slog.Int64("id", id), slog.String("name", name))
	return meta, nil
}

// ListMeta returns every meta record in creation order.
func (s *Store) ListMeta(ctx context.Context) ([]Meta, error) {
	records, err := s.meta.GetAllWithGeneratedKey(ctx, "id")
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	metas := make([]Meta, 0, len(records))
	for _, rec := range records {
		var m Meta
		if err := mapstructure.Decode(rec, &m); err != nil {
			return nil, fmt.Errorf("failed to decode meta record: %w", err)
		}
		metas = append(metas, m)
	}
	return metas, nil
}

// Load reads the remaining facets of meta.
func (s *Store) Load(ctx context.Context, meta Meta) (*Bundle, error) {
	b := &Bundle{Meta: meta}

	definition, err := s.readDefinition(ctx, s.definitions, meta.ID)
	if err != nil {
		return nil, err
	}
	b.Definition = definition

	var q queriesRecord
	if err := s.read(ctx, s.queries, meta.ID, &q); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(q.Texts), &b.Texts); err != nil {
		return nil, fmt.Errorf("failed to decode query texts: %w", err)
	}

	var r queryResultsRecord
	if err := s.read(ctx, s.results, meta.ID, &r); err != nil {
		return nil, err
	}
	if err := decodeJSON(r.Results, &b.Results); err != nil {
		return nil, fmt.Errorf("failed to decode query results: %w", err)
	}
	b.Results = mapCells(b.Results, restoreCell)
	if err := decodeJSON(r.ResultHeights, &b.ResultHeights); err != nil {
		return nil, fmt.Errorf("failed to decode result heights: %w", err)
	}
	return b, nil
}

// Original returns the definition captured at creation.
func (s *Store) Original(ctx context.Context, id int64) ([]byte, error) {
	return s.readDefinition(ctx, s.originals, id)
}

// UpdateDefinition stores a new definition and its hash.
func (s *Store) UpdateDefinition(ctx context.Context, id int64, definition []byte, hash string) error {
	if err := s.update(ctx, s.definitions, id, recordstore.Record{
		"definition": base64.StdEncoding.EncodeToString(definition),
	}); err != nil {
		return err
	}
	return s.update(ctx, s.meta, id, recordstore.Record{"definitionHash": hash})
}

// UpdateQueries stores the query texts.
func (s *Store) UpdateQueries(ctx context.Context, id int64, texts []string) error {
	raw, err := json.Marshal(nonNil(texts))
	if err != nil {
		return fmt.Errorf("failed to encode query texts: %w", err)
	}
	return s.update(ctx, s.queries, id, recordstore.Record{"texts": string(raw)})
}

// UpdateQueryResults stores per-query results and heights with their hash.
func (s *Store) UpdateQueryResults(ctx context.Context, id int64, results [][]core.StatementResult, heights [][]int, hash string) error {
	rawResults, err := json.Marshal(mapCells(nonNil(results), tagBlob))
	if err != nil {
		return fmt.Errorf("failed to encode query results: %w", err)
	}
	rawHeights, err := json.Marshal(nonNil(heights))
	if err != nil {
		return fmt.Errorf("failed to encode result heights: %w", err)
	}
	if err := s.update(ctx, s.results, id, recordstore.Record{
		"results":       string(rawResults),
		"resultHeights": string(rawHeights),
	}); err != nil {
		return err
	}
	return s.update(ctx, s.meta, id, recordstore.Record{"queryResultsHash": hash})
}

// Delete removes every facet of id.
func (s *Store) Delete(ctx context.Context, id int64) error {
	var errs []error
	for _, c := range s.collections() {
		if err := c.Delete(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Clear drops every facet collection.
func (s *Store) Clear(ctx context.Context) error {
	for _, c := range s.collections() {
		if err := c.Drop(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) collections() []*recordstore.Collection {
	return []*recordstore.Collection{s.meta, s.originals, s.definitions, s.queries, s.results}
}

func (s *Store) read(ctx context.Context, c *recordstore.Collection, id int64, out any) error {
	rec, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mapstructure.Decode(rec, out); err != nil {
		return fmt.Errorf("failed to decode %s record: %w", c.Name(), err)
	}
	return nil
}

func (s *Store) readDefinition(ctx context.Context, c *recordstore.Collection, id int64) ([]byte, error) {
	var d definitionRecord
	if err := s.read(ctx, c, id, &d); err != nil {
		return nil, err
	}
	definition, err := base64.StdEncoding.DecodeString(d.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", c.Name(), err)
	}
	return definition, nil
}

func (s *Store) update(ctx context.Context, c *recordstore.Collection, id int64, partial recordstore.Record) error {
	n, err := c.Update(ctx, id, partial)
	if err != nil {
		return err
	}
	if n == 0 {
		return &core.NotFoundError{Kind: c.Name() + " record", ID: id}
	}
	return nil
}

// blobKey marks a BLOB cell in stored results; text cells are always
// plain JSON strings.
const blobKey = "$blob"

// mapCells returns a copy of results with fn applied to every cell.
func mapCells(results [][]core.StatementResult, fn func(any) any) [][]core.StatementResult {
	out := make([][]core.StatementResult, len(results))
	for i, query := range results {
		if query == nil {
			continue
		}
		out[i] = make([]core.StatementResult, len(query))
		for j, r := range query {
			values := make([][]any, len(r.Values))
			for k, row := range r.Values {
				values[k] = make([]any, len(row))
				for c, v := range row {
					values[k][c] = fn(v)
				}
			}
			out[i][j] = core.StatementResult{Columns: r.Columns, Values: values}
		}
	}
	return out
}

func tagBlob(v any) any {
	if b, ok := v.([]byte); ok {
		return map[string]string{blobKey: base64.StdEncoding.EncodeToString(b)}
	}
	return v
}

// restoreCell gives a decoded cell the type a fresh run produces.
func restoreCell(v any) any {
	switch v := v.(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
	case map[string]any:
		if enc, ok := v[blobKey].(string); ok && len(v) == 1 {
			if b, err := base64.StdEncoding.DecodeString(enc); err == nil {
				return b
			}
		}
	}
	return v
}

func decodeJSON(text string, out any) error {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	return dec.Decode(out)
}

func nonNil[S ~[]E, E any](s S) S {
	if s == nil {
		return S{}
	}
	return s
}
