package logindex

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/farmkit/logging"
)

// DefaultRetention is the number of entries kept when none is configured.
const DefaultRetention = 10000

// DefaultLimit caps search results when the query sets no limit.
const DefaultLimit = 100

// levelOrder lists levels from least to most severe.
var levelOrder = []logging.Level{logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError}

// Query selects entries. Zero fields match everything.
type Query struct {
	// Text is matched against the message and fields.
	Text string

	Account string

	// MinLevel drops entries below this severity.
	MinLevel logging.Level

	Since time.Time
	Until time.Time

	// Limit defaults to DefaultLimit.
	Limit int
}

// Index is an in-memory full-text index of log entries.
type Index struct {
	mu        sync.Mutex
	index     bleve.Index
	retention int
	seq       uint64
	order     []string
	entries   map[string]logging.Entry
}

// New creates an index keeping at most retention entries.
func New(retention int) (*Index, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("create log index: %w", err)
	}
	return &Index{
		index:     idx,
		retention: retention,
		entries:   make(map[string]logging.Entry),
	}, nil
}

func buildMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()

	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	keyword := bleve.NewKeywordFieldMapping()
	date := bleve.NewDateTimeFieldMapping()

	doc.AddFieldMappingsAt("message", text)
	doc.AddFieldMappingsAt("fields", text)
	doc.AddFieldMappingsAt("account", keyword)
	doc.AddFieldMappingsAt("component", keyword)
	doc.AddFieldMappingsAt("level", keyword)
	doc.AddFieldMappingsAt("time", date)

	m := bleve.NewIndexMapping()
	m.DefaultMapping = doc
	m.DefaultAnalyzer = standard.Name
	return m
}

// Add indexes one entry, evicting the oldest if the index is full.
func (x *Index) Add(e logging.Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	x.seq++
	id := fmt.Sprintf("%016d", x.seq)
	doc := map[string]interface{}{
		"message":   e.Message,
		"fields":    flattenFields(e.Fields),
		"account":   e.Account,
		"component": e.Component,
		"level":     string(e.Level),
		"time":      e.Time,
	}
	if err := x.index.Index(id, doc); err != nil {
		return fmt.Errorf("index log entry: %w", err)
	}
	x.entries[id] = e
	x.order = append(x.order, id)

	for len(x.order) > x.retention {
		oldest := x.order[0]
		x.order = x.order[1:]
		delete(x.entries, oldest)
		if err := x.index.Delete(oldest); err != nil {
			return fmt.Errorf("evict log entry: %w", err)
		}
	}
	return nil
}

// Search returns matching entries, newest first.
func (x *Index) Search(q Query) ([]logging.Entry, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	req := bleve.NewSearchRequest(buildQuery(q))
	req.Size = limit
	req.SortBy([]string{"-time", "-_id"})

	x.mu.Lock()
	defer x.mu.Unlock()

	res, err := x.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search logs: %w", err)
	}
	out := make([]logging.Entry, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if e, ok := x.entries[hit.ID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func buildQuery(q Query) query.Query {
	var parts []query.Query

	if text := strings.TrimSpace(q.Text); text != "" {
		msg := bleve.NewMatchQuery(text)
		msg.SetField("message")
		fields := bleve.NewMatchQuery(text)
		fields.SetField("fields")
		parts = append(parts, bleve.NewDisjunctionQuery(msg, fields))
	}
	if q.Account != "" {
		t := bleve.NewTermQuery(q.Account)
		t.SetField("account")
		parts = append(parts, t)
	}
	if q.MinLevel != "" {
		var levels []query.Query
		include := false
		for _, l := range levelOrder {
			if l == q.MinLevel {
				include = true
			}
			if include {
				t := bleve.NewTermQuery(string(l))
				t.SetField("level")
				levels = append(levels, t)
			}
		}
		if len(levels) > 0 {
			parts = append(parts, bleve.NewDisjunctionQuery(levels...))
		}
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		r := bleve.NewDateRangeQuery(q.Since, q.Until)
		r.SetField("time")
		parts = append(parts, r)
	}

	if len(parts) == 0 {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewConjunctionQuery(parts...)
}

// flattenFields renders structured fields as "key=value" text.
func flattenFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range fields {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, v)
	}
	return b.String()
}

// Len reports how many entries are retained.
func (x *Index) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.order)
}

// Close releases the index.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.index.Close()
}
