package fakecouch

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lxzan/gws"

	"github.com/couchlike/couchlike.go/pkg/localstore"
)

// changesOptions mirrors the query parameters of `_changes`.
type changesOptions struct {
	Feed        string `json:"feed"`
	Since       any    `json:"since"`
	IncludeDocs bool   `json:"include_docs"`
	Style       string `json:"style"`
	Conflicts   bool   `json:"conflicts"`
	ActiveOnly  bool   `json:"active_only"`
	Heartbeat   int    `json:"heartbeat"`
	Limit       int    `json:"limit"`
}

func (o changesOptions) store() (localstore.ChangesOptions, error) {
	var since int64
	switch v := o.Since.(type) {
	case nil:
	case float64:
		since = int64(v)
	case string:
		if v != "" && v != "now" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return localstore.ChangesOptions{}, errors.New("malformed sequence supplied in 'since' parameter")
			}
			since = n
		}
	}
	return localstore.ChangesOptions{
		Since:       since,
		Limit:       o.Limit,
		IncludeDocs: o.IncludeDocs,
		Conflicts:   o.Style == "all_docs",
		ActiveOnly:  o.ActiveOnly,
	}, nil
}

func changesOptionsFrom(q url.Values) changesOptions {
	o := changesOptions{
		Feed:        q.Get("feed"),
		IncludeDocs: q.Get("include_docs") == "true",
		Style:       q.Get("style"),
		Conflicts:   q.Get("conflicts") == "true",
		ActiveOnly:  q.Get("active_only") == "true",
	}
	if since := q.Get("since"); since != "" {
		o.Since = since
	}
	o.Heartbeat, _ = strconv.Atoi(q.Get("heartbeat"))
	o.Limit, _ = strconv.Atoi(q.Get("limit"))
	return o
}

func changeRow(c localstore.Change) map[string]any {
	changes := make([]map[string]any, 0, len(c.Revs))
	for _, rev := range c.Revs {
		changes = append(changes, map[string]any{"rev": rev})
	}
	row := map[string]any{"seq": c.Seq, "id": c.ID, "changes": changes}
	if c.Deleted {
		row["deleted"] = true
	}
	if c.Doc != nil {
		row["doc"] = c.Doc
	}
	return row
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	s.count("changes")
	opts := changesOptionsFrom(r.URL.Query())

	if opts.Feed == "websocket" {
		if s.flavor != FlavorSyncGateway {
			s.writeError(w, http.StatusBadRequest, "bad_request", "Supported `feed` types are normal, longpoll, continuous and eventsource")
			return
		}
		s.serveWebsocket(w, r)
		return
	}

	storeOpts, err := opts.store()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	switch opts.Feed {
	case "continuous":
		s.serveContinuous(w, r, storeOpts, opts.Heartbeat)
	case "longpoll":
		changes, last, err := s.store.WaitChanges(r.Context(), storeOpts)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeChanges(w, changes, last)
	default:
		changes, last, err := s.store.Changes(r.Context(), storeOpts)
		if err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.writeChanges(w, changes, last)
	}
}

func (s *Server) writeChanges(w http.ResponseWriter, changes []localstore.Change, last int64) {
	results := make([]map[string]any, 0, len(changes))
	for _, c := range changes {
		results = append(results, changeRow(c))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "last_seq": last})
}

func (s *Server) serveContinuous(w http.ResponseWriter, r *http.Request, opts localstore.ChangesOptions, heartbeatMillis int) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}

	heartbeat := time.Duration(heartbeatMillis) * time.Millisecond
	if heartbeat <= 0 {
		heartbeat = time.Minute
	}
	for {
		ctx, cancel := context.WithTimeout(r.Context(), heartbeat)
		changes, last, err := s.store.WaitChanges(ctx, opts)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			if _, err := w.Write([]byte("\n")); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			continue
		default:
			return
		}

		opts.Since = last
		for _, c := range changes {
			raw, err := s.json.Marshal(changeRow(c))
			if err != nil {
				s.log.Error("encode change", "error", err)
				return
			}
			if _, err := w.Write(append(raw, '\n')); err != nil {
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// feedSocket handles one websocket change feed. The client sends its options
// as the first message; every batch of changes is then sent as a JSON array.
type feedSocket struct {
	gws.BuiltinEventHandler
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
	// started guards against a second options message.
	started bool
}

func (s *Server) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(s.ctx)
	handler := &feedSocket{server: s, ctx: ctx, cancel: cancel}
	upgrader := gws.NewUpgrader(handler, &gws.ServerOption{})
	socket, err := upgrader.Upgrade(w, r)
	if err != nil {
		cancel()
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	go socket.ReadLoop()
}

func (f *feedSocket) OnClose(socket *gws.Conn, err error) {
	f.cancel()
}

func (f *feedSocket) OnPing(socket *gws.Conn, payload []byte) {
	_ = socket.WritePong(payload)
}

func (f *feedSocket) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()
	if f.started {
		return
	}
	var opts changesOptions
	if err := f.server.json.Unmarshal(message.Bytes(), &opts); err != nil {
		socket.WriteClose(1003, []byte("invalid options"))
		return
	}
	storeOpts, err := opts.store()
	if err != nil {
		socket.WriteClose(1003, []byte(err.Error()))
		return
	}
	f.started = true
	go f.pump(socket, storeOpts)
}

func (f *feedSocket) pump(socket *gws.Conn, opts localstore.ChangesOptions) {
	for {
		changes, last, err := f.server.store.WaitChanges(f.ctx, opts)
		if err != nil {
			socket.WriteClose(1000, nil)
			return
		}
		opts.Since = last
		batch := make([]map[string]any, 0, len(changes))
		for _, c := range changes {
			batch = append(batch, changeRow(c))
		}
		raw, err := f.server.json.Marshal(batch)
		if err != nil {
			f.server.log.Error("encode changes", "error", err)
			return
		}
		if err := socket.WriteMessage(gws.OpcodeText, raw); err != nil {
			return
		}
	}
}
