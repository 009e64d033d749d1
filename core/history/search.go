package history

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
)

// searchIndex is the slice of bleve the store uses.
type searchIndex interface {
	Index(id string, data interface{}) error
	Delete(id string) error
	Search(req *bleve.SearchRequest) (*bleve.SearchResult, error)
	NewBatch() *bleve.Batch
	Batch(b *bleve.Batch) error
	Close() error
}

func newSearchIndex() (searchIndex, error) {
	return bleve.NewMemOnly(buildSearchMapping())
}

// buildSearchMapping indexes identifiers with the keyword analyzer (exact
// match for project_id:... style queries) and the entity/field word lists
// with the standard analyzer for free text.
func buildSearchMapping() mapping.IndexMapping {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	textField := bleve.NewTextFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("project_id", keywordField)
	doc.AddFieldMappingsAt("user_id", keywordField)
	doc.AddFieldMappingsAt("reason", keywordField)
	doc.AddFieldMappingsAt("strategy", keywordField)
	doc.AddFieldMappingsAt("entities", textField)
	doc.AddFieldMappingsAt("fields", textField)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	return m
}

func searchDoc(record *ConflictHistoryRecord) map[string]interface{} {
	seen := make(map[string]struct{}, len(record.ConflictedFields))
	var names []string
	for _, f := range record.ConflictedFields {
		if _, ok := seen[f.Field]; ok {
			continue
		}
		seen[f.Field] = struct{}{}
		names = append(names, f.Field)
	}

	return map[string]interface{}{
		"project_id": record.ProjectID,
		"user_id":    record.UserID,
		"reason":     string(record.Reason),
		"strategy":   string(record.ResolutionStrategy),
		"entities":   strings.Join(record.ConflictedEntityIDs, " "),
		"fields":     strings.Join(names, " "),
	}
}

// rebuildIndex reloads the search index from cold storage. The index is
// memory-only, so this runs on every open.
func (s *Store) rebuildIndex() error {
	rows, err := s.db.Query(`SELECT ` + recordColumns + ` FROM conflict_history`)
	if err != nil {
		return err
	}
	defer rows.Close()

	batch := s.index.NewBatch()
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := batch.Index(record.ID, searchDoc(record)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return s.index.Batch(batch)
}

// indexRecord and deindexRecord keep the index best-effort: a failed index
// write never fails the durable operation that triggered it.
func (s *Store) indexRecord(record *ConflictHistoryRecord) {
	_ = s.index.Index(record.ID, searchDoc(record))
}

func (s *Store) deindexRecord(id string) {
	_ = s.index.Delete(id)
}

// Search runs a bleve query-string search over the episode metadata and
// returns matching records, best match first. Field-scoped terms like
// project_id:p1 or reason:concurrent_edit match exactly.
func (s *Store) Search(queryStr string, limit int) ([]*ConflictHistoryRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}

	var q query.Query
	if strings.TrimSpace(queryStr) == "" {
		q = bleve.NewMatchAllQuery()
	} else {
		q = bleve.NewQueryStringQuery(queryStr)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit

	result, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching history: %w", err)
	}

	records := make([]*ConflictHistoryRecord, 0, len(result.Hits))
	for _, hit := range result.Hits {
		record, err := s.Get(hit.ID)
		if errors.Is(err, ErrRecordNotFound) {
			// The index can briefly trail a deletion.
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}
