package localstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/models"
)

// Emitted is the result of emit(key, value) inside a map expression.
type Emitted struct {
	Key   any
	Value any
}

// mapLanguage evaluates view map functions. A map function is a gval
// expression over the parameter `doc`, for example
//
//	(doc.type == "user") ? emit(doc.name, doc.age) : null
//
// Its result is interpreted as: null or false emits nothing, emit(k, v) emits
// one row, a list of emit results emits several rows, and any other value
// is emitted as the key with a null value. JSONPath ($.doc.field) works too.
var mapLanguage = gval.Full(
	jsonpath.PlaceholderExtension(),
	gval.Constant("null", nil),
	gval.Function("emit", func(args ...any) (any, error) {
		switch len(args) {
		case 1:
			return Emitted{Key: args[0]}, nil
		case 2:
			return Emitted{Key: args[0], Value: args[1]}, nil
		}
		return nil, fmt.Errorf("emit() expects a key and an optional value, got %d arguments", len(args))
	}),
)

type viewCache struct {
	mu    sync.Mutex
	byMap map[string]gval.Evaluable
}

func newViewCache() *viewCache {
	return &viewCache{byMap: map[string]gval.Evaluable{}}
}

func (c *viewCache) compile(src string) (gval.Evaluable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev, ok := c.byMap[src]; ok {
		return ev, nil
	}
	ev, err := mapLanguage.NewEvaluable(src)
	if err != nil {
		return nil, fmt.Errorf("%w: compile map function: %v", constants.ErrValidation, err)
	}
	c.byMap[src] = ev
	return ev, nil
}

// CompileMap reports whether src is a valid map function.
func CompileMap(src string) error {
	_, err := mapLanguage.NewEvaluable(src)
	return err
}

// Query runs view `view` of design document `_design/ddoc` over every live
// ordinary document.
func (s *Store) Query(ctx context.Context, ddoc, view string, params models.ViewParams) (*models.ViewResult, error) {
	design, err := s.Get(ctx, models.DesignDocID(ddoc), GetOptions{})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: design document %s", ErrNotFound, ddoc)
		}
		return nil, err
	}
	def, ok := models.DesignDocumentFrom(design).Views[view]
	if !ok {
		return nil, fmt.Errorf("%w: view %s/%s", ErrNotFound, ddoc, view)
	}
	// Maps stored in the gateway's wrapped form run as their inner expression.
	ev, err := s.views.compile(models.UnwrapSyncGatewayMap(def.Map))
	if err != nil {
		return nil, err
	}

	ids, err := s.liveIDs(ctx)
	if err != nil {
		return nil, err
	}

	var rows []models.ViewRow
	for _, id := range ids {
		if models.IsDesignID(id) {
			continue
		}
		doc, err := s.Get(ctx, id, GetOptions{})
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out, err := ev(ctx, map[string]any{"doc": map[string]any(doc)})
		if err != nil {
			// A map function failing on one document skips that document.
			continue
		}
		for _, e := range emitted(out) {
			row := models.ViewRow{ID: id, Key: e.Key, Value: e.Value}
			if params.IncludeDocs {
				row.Doc = doc
			}
			rows = append(rows, row)
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if c := Collate(rows[i].Key, rows[j].Key); c != 0 {
			return c < 0
		}
		return rows[i].ID < rows[j].ID
	})
	total := len(rows)
	if params.Descending {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	filtered := rows[:0]
	for _, row := range rows {
		if inRange(row.Key, params) {
			filtered = append(filtered, row)
		}
	}
	rows = filtered

	if params.Skip > 0 {
		if params.Skip >= len(rows) {
			rows = rows[:0]
		} else {
			rows = rows[params.Skip:]
		}
	}
	if params.Limit > 0 && params.Limit < len(rows) {
		rows = rows[:params.Limit]
	}
	if rows == nil {
		rows = []models.ViewRow{}
	}
	return &models.ViewResult{TotalRows: total, Offset: params.Skip, Rows: rows}, nil
}

func emitted(out any) []Emitted {
	switch v := out.(type) {
	case nil:
		return nil
	case bool:
		if !v {
			return nil
		}
	case Emitted:
		return []Emitted{v}
	case []any:
		var list []Emitted
		for _, item := range v {
			e, ok := item.(Emitted)
			if !ok {
				// Not a list of emits: the array itself is the key.
				return []Emitted{{Key: v}}
			}
			list = append(list, e)
		}
		if len(list) == 0 {
			return nil
		}
		return list
	}
	return []Emitted{{Key: out}}
}

// inRange applies key, startkey and endkey. With Descending, startkey is the
// upper bound.
func inRange(key any, p models.ViewParams) bool {
	if p.Key != nil && Collate(key, p.Key) != 0 {
		return false
	}
	lower, upper := p.StartKey, p.EndKey
	if p.Descending {
		lower, upper = upper, lower
	}
	if lower != nil && Collate(key, lower) < 0 {
		return false
	}
	if upper != nil && Collate(key, upper) > 0 {
		return false
	}
	return true
}
