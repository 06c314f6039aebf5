package facts

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"go.uber.org/zap"
)

// factDocument is the indexed projection of a fact.
type factDocument struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
	Source    string `json:"source"`
}

// searchIndex wraps the on-disk bleve index for fact search.
type searchIndex struct {
	index  bleve.Index
	logger *zap.Logger
}

// openSearchIndex opens an existing index at path or creates one with the
// fact document mapping.
func openSearchIndex(path string, logger *zap.Logger) (*searchIndex, error) {
	index, err := bleve.Open(path)
	if err != nil {
		index, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create fact index: %w", err)
		}
	}
	return &searchIndex{index: index, logger: logger}, nil
}

func buildIndexMapping() *mapping.IndexMappingImpl {
	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = standard.Name
	textField.Store = true
	textField.Index = true
	docMapping.AddFieldMappingsAt("subject", textField)
	docMapping.AddFieldMappingsAt("predicate", textField)
	docMapping.AddFieldMappingsAt("object", textField)

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Analyzer = keyword.Name
	sourceField.Store = true
	sourceField.Index = true
	docMapping.AddFieldMappingsAt("source", sourceField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	return indexMapping
}

func (si *searchIndex) indexFact(f *Fact) error {
	return si.index.Index(f.ID, factDocument{
		Subject:   f.Subject,
		Predicate: f.Predicate,
		Object:    f.Object,
		Source:    f.Source,
	})
}

func (si *searchIndex) indexBatch(all []*Fact) error {
	batch := si.index.NewBatch()
	for _, f := range all {
		doc := factDocument{
			Subject:   f.Subject,
			Predicate: f.Predicate,
			Object:    f.Object,
			Source:    f.Source,
		}
		if err := batch.Index(f.ID, doc); err != nil {
			return fmt.Errorf("failed to batch fact %s: %w", f.ID, err)
		}
	}
	return si.index.Batch(batch)
}

func (si *searchIndex) remove(id string) error {
	return si.index.Delete(id)
}

type indexHit struct {
	id    string
	score float64
}

func (si *searchIndex) search(query string, limit int) ([]indexHit, error) {
	mq := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(mq)
	req.Size = limit

	result, err := si.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("fact search failed: %w", err)
	}
	hits := make([]indexHit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hits = append(hits, indexHit{id: h.ID, score: h.Score})
	}
	return hits, nil
}

func (si *searchIndex) count() (uint64, error) {
	return si.index.DocCount()
}

func (si *searchIndex) close() error {
	return si.index.Close()
}
