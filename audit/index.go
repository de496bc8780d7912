package audit

import (
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"

	"github.com/vinayprograms/watchkit/errors"
)

// Index maps task ids to the partitions that mention them, so a task-id
// query opens only the handful of day files involved instead of the whole
// retention window. The index is an accelerator, never the record: it can
// be deleted and rebuilt from the partitions at any time.
type Index struct {
	idx bleve.Index
}

// indexDoc is what gets indexed per appended entry.
type indexDoc struct {
	TaskID    string `json:"task_id"`
	Partition string `json:"partition"`
	Action    string `json:"action"`
}

// OpenIndex creates or opens a bleve index at path.
func OpenIndex(path string) (*Index, error) {
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "open audit index")
		}
		return &Index{idx: idx}, nil
	}

	mapping := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()

	exact := bleve.NewTextFieldMapping()
	exact.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("task_id", exact)

	stored := bleve.NewTextFieldMapping()
	stored.Analyzer = keyword.Name
	stored.Store = true
	docMapping.AddFieldMappingsAt("partition", stored)

	mapping.DefaultMapping = docMapping

	idx, err := bleve.New(path, mapping)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "create audit index")
	}
	return &Index{idx: idx}, nil
}

// Add indexes one entry under its id.
func (x *Index) Add(e Entry, partition string) error {
	return x.idx.Index(e.ID, indexDoc{
		TaskID:    e.TaskID,
		Partition: partition,
		Action:    e.Action,
	})
}

// Partitions returns the distinct partition names holding entries for a
// task id.
func (x *Index) Partitions(taskID string) ([]string, error) {
	q := bleve.NewTermQuery(taskID)
	q.SetField("task_id")

	req := bleve.NewSearchRequest(q)
	req.Size = 10000
	req.Fields = []string{"partition"}

	res, err := x.idx.Search(req)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeResourceExhausted, "search audit index")
	}

	seen := make(map[string]bool)
	var out []string
	for _, hit := range res.Hits {
		p, _ := hit.Fields["partition"].(string)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out, nil
}

// Close releases the index.
func (x *Index) Close() error {
	return x.idx.Close()
}
