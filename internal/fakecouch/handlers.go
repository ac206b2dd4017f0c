package fakecouch

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/couchlike/couchlike.go/pkg/constants"
	"github.com/couchlike/couchlike.go/pkg/localstore"
	"github.com/couchlike/couchlike.go/pkg/models"
)

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter().UseEncodedPath()
	r.HandleFunc("/", s.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/"+s.database, s.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/"+s.database+"/", s.handleInfo).Methods(http.MethodGet)

	db := r.PathPrefix("/" + s.database).Subrouter()
	db.HandleFunc("/_changes", s.handleChanges).Methods(http.MethodGet, http.MethodPost)
	db.HandleFunc("/_all_docs", s.handleAllDocs).Methods(http.MethodGet, http.MethodPost)
	db.HandleFunc("/_bulk_docs", s.handleBulkDocs).Methods(http.MethodPost)
	db.HandleFunc("/_design/{ddoc}/_view/{view}", s.handleView).Methods(http.MethodGet, http.MethodPost)
	db.HandleFunc("/_design/{ddoc}", s.handleDesignGet).Methods(http.MethodGet)
	db.HandleFunc("/_design/{ddoc}", s.handleDesignPut).Methods(http.MethodPut)
	db.HandleFunc("/_design/{ddoc}", s.handleDesignDelete).Methods(http.MethodDelete)
	db.HandleFunc("/_local/{id}", s.handleDocGet).Methods(http.MethodGet)
	db.HandleFunc("/_local/{id}", s.handleDocPut).Methods(http.MethodPut)
	db.HandleFunc("/_local/{id}", s.handleDocDelete).Methods(http.MethodDelete)
	db.HandleFunc("/{id}", s.handleDocGet).Methods(http.MethodGet)
	db.HandleFunc("/{id}", s.handleDocPut).Methods(http.MethodPut)
	db.HandleFunc("/{id}", s.handleDocDelete).Methods(http.MethodDelete)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusNotFound, "not_found", "no_db_file")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Only GET,PUT,DELETE allowed")
	})
	return r
}

// docID rebuilds the document id from the route, restoring the prefix the
// route consumed.
func docID(r *http.Request) string {
	vars := mux.Vars(r)
	if ddoc, ok := vars["ddoc"]; ok {
		name, _ := url.PathUnescape(ddoc)
		return constants.DesignPrefix + name
	}
	id, _ := url.PathUnescape(vars["id"])
	if strings.Contains(r.URL.EscapedPath(), "/"+strings.TrimSuffix(constants.LocalPrefix, "/")+"/") {
		return constants.LocalPrefix + id
	}
	return id
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.count("root")
	if s.flavor == FlavorSyncGateway {
		s.writeJSON(w, http.StatusOK, map[string]any{
			"couchdb": "Welcome",
			"vendor":  map[string]any{"name": "Couchbase Sync Gateway", "version": "3.1"},
			"version": "Couchbase Sync Gateway/3.1.0(1;fake)",
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"couchdb": "Welcome",
		"version": "3.3.3",
		"vendor":  map[string]any{"name": "The Apache Software Foundation"},
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.count("info")
	info, err := s.store.Info(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDocGet(w http.ResponseWriter, r *http.Request) {
	s.count("get")
	s.getDocument(w, r, docID(r))
}

func (s *Server) handleDesignGet(w http.ResponseWriter, r *http.Request) {
	s.count("design_get")
	s.getDocument(w, r, docID(r))
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request, id string) {
	q := r.URL.Query()
	if q.Get("open_revs") == "all" {
		leaves, err := s.store.Revisions(r.Context(), id)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		out := make([]map[string]any, 0, len(leaves))
		for _, leaf := range leaves {
			out = append(out, map[string]any{"ok": leaf})
		}
		s.writeJSON(w, http.StatusOK, out)
		return
	}

	doc, err := s.store.Get(r.Context(), id, localstore.GetOptions{
		Conflicts: q.Get("conflicts") == "true",
		Rev:       q.Get("rev"),
	})
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDocPut(w http.ResponseWriter, r *http.Request) {
	s.count("put")
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	s.putDocument(w, r, doc)
}

func (s *Server) handleDesignPut(w http.ResponseWriter, r *http.Request) {
	s.count("design_put")
	doc, ok := s.readDocument(w, r)
	if !ok {
		return
	}
	if s.flavor == FlavorSyncGateway {
		wrapViews(doc)
	}
	s.putDocument(w, r, doc)
}

// wrapViews stores map functions the way Sync Gateway does.
func wrapViews(doc models.Document) {
	views, _ := doc["views"].(map[string]any)
	for _, raw := range views {
		def, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if src, ok := def["map"].(string); ok && models.UnwrapSyncGatewayMap(src) == src {
			def["map"] = models.WrapSyncGatewayMap(src)
		}
	}
}

func (s *Server) readDocument(w http.ResponseWriter, r *http.Request) (models.Document, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return nil, false
	}
	var doc models.Document
	if err := s.json.Unmarshal(body, &doc); err != nil || doc == nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "Document must be a JSON object")
		return nil, false
	}
	doc[constants.FieldID] = docID(r)
	return doc, true
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request, doc models.Document) {
	newEdits := r.URL.Query().Get("new_edits") != "false"
	if rev := r.URL.Query().Get("rev"); rev != "" && doc.Rev() == "" {
		doc.SetRev(rev)
	}
	rev, err := s.store.Put(r.Context(), doc, newEdits)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"ok": true, "id": doc.ID(), "rev": rev})
}

func (s *Server) handleDocDelete(w http.ResponseWriter, r *http.Request) {
	s.count("delete")
	s.deleteDocument(w, r)
}

func (s *Server) handleDesignDelete(w http.ResponseWriter, r *http.Request) {
	s.count("design_delete")
	s.deleteDocument(w, r)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	id := docID(r)
	rev := r.URL.Query().Get("rev")
	if rev == "" {
		s.writeError(w, http.StatusConflict, "conflict", "Document update conflict.")
		return
	}
	newRev, err := s.store.Delete(r.Context(), id, rev)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": id, "rev": newRev})
}

func (s *Server) handleAllDocs(w http.ResponseWriter, r *http.Request) {
	s.count("all_docs")
	q := r.URL.Query()
	var keys []string
	if r.Method == http.MethodPost {
		var body struct {
			Keys []string `json:"keys"`
		}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			if err := s.json.Unmarshal(raw, &body); err != nil {
				s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
				return
			}
		}
		keys = body.Keys
	} else if raw := q.Get("keys"); raw != "" {
		if err := s.json.Unmarshal([]byte(raw), &keys); err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}

	rows, err := s.store.AllDocs(r.Context(), keys, q.Get("include_docs") == "true")
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	info, err := s.store.Info(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if row.Error != "" {
			out = append(out, map[string]any{"key": row.Key, "error": row.Error})
			continue
		}
		value := map[string]any{"rev": row.Rev}
		if row.Deleted {
			value["deleted"] = true
		}
		entry := map[string]any{"id": row.ID, "key": row.Key, "value": value}
		if q.Get("include_docs") == "true" {
			if row.Doc != nil {
				entry["doc"] = row.Doc
			} else {
				entry["doc"] = nil
			}
		}
		out = append(out, entry)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"total_rows": info["doc_count"], "offset": 0, "rows": out})
}

func (s *Server) handleBulkDocs(w http.ResponseWriter, r *http.Request) {
	s.count("bulk_docs")
	var body struct {
		Docs     []models.Document `json:"docs"`
		NewEdits *bool             `json:"new_edits"`
	}
	raw, err := io.ReadAll(r.Body)
	if err == nil {
		err = s.json.Unmarshal(raw, &body)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "Request body must be a JSON object")
		return
	}
	newEdits := body.NewEdits == nil || *body.NewEdits
	results, err := s.store.BulkDocs(r.Context(), body.Docs, newEdits)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, results)
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.count("view")
	vars := mux.Vars(r)
	ddoc, _ := url.PathUnescape(vars["ddoc"])
	view, _ := url.PathUnescape(vars["view"])

	params, err := s.viewParams(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "query_parse_error", err.Error())
		return
	}
	if s.flavor == FlavorSyncGateway {
		// The gateway's view engine never embeds documents.
		params.IncludeDocs = false
	}
	res, err := s.store.Query(r.Context(), ddoc, view, params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) viewParams(q url.Values) (models.ViewParams, error) {
	var p models.ViewParams
	for name, dst := range map[string]*any{"key": &p.Key, "startkey": &p.StartKey, "endkey": &p.EndKey} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		if err := s.json.Unmarshal([]byte(raw), dst); err != nil {
			return p, errors.New("invalid value for " + name)
		}
	}
	var err error
	if v := q.Get("limit"); v != "" {
		if p.Limit, err = strconv.Atoi(v); err != nil {
			return p, errors.New("invalid value for limit")
		}
	}
	if v := q.Get("skip"); v != "" {
		if p.Skip, err = strconv.Atoi(v); err != nil {
			return p, errors.New("invalid value for skip")
		}
	}
	p.Descending = q.Get("descending") == "true"
	p.IncludeDocs = q.Get("include_docs") == "true"
	return p, nil
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, localstore.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "missing")
	case errors.Is(err, localstore.ErrConflict):
		s.writeError(w, http.StatusConflict, "conflict", "Document update conflict.")
	case errors.Is(err, constants.ErrValidation):
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	default:
		s.log.Error("store failure", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal_server_error", err.Error())
	}
}
