package models

import (
	"strings"
	"unicode"

	"github.com/couchlike/couchlike.go/pkg/constants"
)

// The Sync Gateway stores every user map function wrapped in this template,
// which hides its own metadata documents and tombstones from the view.
const (
	SyncGatewayMapPrefix = `function(doc,meta) { var sync = doc._sync; if (sync === undefined || meta.id.substring(0,6) == "_sync:") return; if ((sync.flags & 1) || sync.deleted) return; delete doc.sync; meta.rev = sync.rev; (`
	SyncGatewayMapSuffix = `) (doc, meta); }`
)

// ViewDefinition is a single view of a design document. Map is opaque source
// handed to the engine verbatim.
type ViewDefinition struct {
	Map    string `json:"map"`
	Reduce string `json:"reduce,omitempty"`
}

// NormalizeSource strips every whitespace rune from map source.
func NormalizeSource(src string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, src)
}

// Equal compares the whitespace-free sources of two views.
func (v ViewDefinition) Equal(o ViewDefinition) bool {
	return NormalizeSource(v.Map) == NormalizeSource(o.Map)
}

// WrapSyncGatewayMap returns src the way the gateway will store it.
func WrapSyncGatewayMap(src string) string {
	return SyncGatewayMapPrefix + src + SyncGatewayMapSuffix
}

// UnwrapSyncGatewayMap reverses WrapSyncGatewayMap. Sources that were never
// wrapped are returned unchanged.
func UnwrapSyncGatewayMap(src string) string {
	if strings.HasPrefix(src, SyncGatewayMapPrefix) && strings.HasSuffix(src, SyncGatewayMapSuffix) {
		return src[len(SyncGatewayMapPrefix) : len(src)-len(SyncGatewayMapSuffix)]
	}
	return src
}

// DesignDocument holds the views of one `_design/<name>` document.
type DesignDocument struct {
	ID       string
	Rev      string
	Language string
	Views    map[string]ViewDefinition
	// Extra keeps fields this package does not interpret (options, filters...).
	Extra map[string]any
}

// DesignDocID returns the full id for a design document name. Names already
// carrying the prefix are returned as-is.
func DesignDocID(name string) string {
	if IsDesignID(name) {
		return name
	}
	return constants.DesignPrefix + name
}

// DesignDocName returns the name part of a `_design/<name>` id, or "".
func DesignDocName(id string) string {
	parts := strings.Split(id, "/")
	if len(parts) == 2 && parts[0] == "_design" {
		return parts[1]
	}
	return ""
}

// NewDesignDocument returns the empty skeleton written on first view set.
func NewDesignDocument(name string) *DesignDocument {
	return &DesignDocument{
		ID:       DesignDocID(name),
		Language: constants.DesignLanguage,
		Views:    map[string]ViewDefinition{},
	}
}

// DesignDocumentFrom reads a design document out of a generic document.
func DesignDocumentFrom(doc Document) *DesignDocument {
	if doc == nil {
		return nil
	}
	dd := &DesignDocument{
		ID:    doc.ID(),
		Rev:   doc.Rev(),
		Views: map[string]ViewDefinition{},
		Extra: map[string]any{},
	}
	for k, v := range doc {
		switch k {
		case constants.FieldID, constants.FieldRev:
		case "language":
			dd.Language, _ = v.(string)
		case "views":
			views, _ := v.(map[string]any)
			for name, raw := range views {
				def, _ := raw.(map[string]any)
				m, _ := def["map"].(string)
				r, _ := def["reduce"].(string)
				dd.Views[name] = ViewDefinition{Map: m, Reduce: r}
			}
		default:
			dd.Extra[k] = v
		}
	}
	return dd
}

// Document renders the design document in its wire shape.
func (dd *DesignDocument) Document() Document {
	doc := Document{}
	for k, v := range dd.Extra {
		doc[k] = v
	}
	doc[constants.FieldID] = dd.ID
	if dd.Rev != "" {
		doc[constants.FieldRev] = dd.Rev
	}
	if dd.Language != "" {
		doc["language"] = dd.Language
	}
	views := make(map[string]any, len(dd.Views))
	for name, def := range dd.Views {
		v := map[string]any{"map": def.Map}
		if def.Reduce != "" {
			v["reduce"] = def.Reduce
		}
		views[name] = v
	}
	doc["views"] = views
	return doc
}
