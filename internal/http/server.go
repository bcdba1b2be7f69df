package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"swarmlog/pkg/access"
	"swarmlog/pkg/blockstore"
	"swarmlog/pkg/pubsub"
	"swarmlog/pkg/store"
	"swarmlog/pkg/streams"
	"swarmlog/pkg/tree"
	"swarmlog/pkg/types"
)

const (
	contentTypeJSON        = "application/json"
	contentTypeNDJSON      = "application/x-ndjson"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 16 << 20
)

type iEventStore interface {
	access.ConsumerAccess

	NodeID() types.NodeID
	Lamport() types.LamportTimestamp
	RootMap() streams.RootMap
	Present() map[types.StreamID]types.Offset
	Append(ctx context.Context, nr types.StreamNr, events []store.AppendEvent) ([]store.Appended, error)
}

type iBlockGetter interface {
	GetBlock(ctx context.Context, link tree.Link) ([]byte, error)
}

// iPeerTransport receives what peers push to this node.
type iPeerTransport interface {
	Deliver(msg pubsub.Message)
	ServeWS(w http.ResponseWriter, r *http.Request)
}

// Server represents the HTTP API of a node
type Server struct {
	store      iEventStore
	blocks     iBlockGetter
	transport  iPeerTransport
	httpServer *http.Server
	URL        string
	addr       string

	readHeaderTimeout time.Duration
}

// NewServer creates a new server instance
func NewServer(store iEventStore, blocks iBlockGetter, transport iPeerTransport, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	return &Server{
		store:             store,
		blocks:            blocks,
		transport:         transport,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		readHeaderTimeout: time.Second,
	}
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/api/node", s.handleNode)
	r.Get("/api/streams", s.handleStreams)
	r.Get("/api/rootmap", s.handleRootMap)
	r.Post("/api/events", s.handleAppend)
	r.Get("/api/events", s.handleQuery)

	r.Get(pubsub.BlocksEndpoint+"{cid}", s.handleBlock)
	if s.transport != nil {
		r.Post(pubsub.GossipEndpoint+"{topic}", s.handleGossip)
		r.Get(pubsub.WSEndpoint, s.transport.ServeWS)
	}

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleNode(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewValueResponse(NodeInfo{
		ID:      s.store.NodeID().String(),
		Lamport: uint64(s.store.Lamport()),
	}))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	ids := s.store.StreamIDs()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(out))
}

func (s *Server) handleRootMap(w http.ResponseWriter, r *http.Request) {
	rm := s.store.RootMap()
	ids := make([]types.StreamID, 0, len(rm))
	for id := range rm {
		ids = append(ids, id)
	}
	types.SortStreamIDs(ids)

	out := make([]RootEntry, len(ids))
	for i, id := range ids {
		e := rm[id]
		out[i] = RootEntry{
			Stream:  id.String(),
			Root:    e.Link.String(),
			Lamport: uint64(e.Lamport),
			Offset:  uint64(e.Offset),
		}
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(out))
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req AppendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if len(req.Events) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing events"))
		return
	}

	events := make([]store.AppendEvent, len(req.Events))
	for i, ev := range req.Events {
		events[i] = store.AppendEvent{Tags: types.NewTagSet(ev.Tags...), Payload: ev.Payload}
	}
	res, err := s.store.Append(r.Context(), types.StreamNr(req.Stream), events)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(res))
}

// parseTags reads "a,b|c" as (a AND b) OR c. An empty value matches everything.
func parseTags(raw string, local bool) access.TagSubscriptions {
	if raw == "" {
		return access.TagSubscriptions{{Tags: types.TagSet{}, Local: local}}
	}
	groups := strings.Split(raw, "|")
	subs := make(access.TagSubscriptions, 0, len(groups))
	for _, g := range groups {
		subs = append(subs, access.TagSubscription{
			Tags:  types.NewTagSet(strings.Split(g, ",")...),
			Local: local,
		})
	}
	return subs
}

// handleQuery streams events as newline delimited json. With upto=present the
// query ends at the data present now, otherwise it follows new events until
// the client disconnects.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	local := false
	if raw := q.Get("local"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid local flag"))
			return
		}
		local = v
	}
	tags := parseTags(q.Get("tags"), local)

	var sel access.EventSelection
	switch q.Get("upto") {
	case "present":
		sel = access.Upto(tags, access.OffsetsFrom(s.store.Present()))
	case "":
		sel = access.After(tags, access.MinOffsets())
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid upto"))
		return
	}

	var (
		events <-chan types.Event
		err    error
	)
	switch q.Get("order") {
	case "", "asc":
		events, err = access.StreamEventsForward(r.Context(), s.store, sel)
	case "desc":
		events, err = access.StreamEventsBackward(r.Context(), s.store, sel)
	case "source":
		events, err = access.StreamEventsSourceOrdered(r.Context(), s.store, sel)
	default:
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid order"))
		return
	}

	var (
		unbounded *access.UnboundedStreamBackError
		unknown   *access.UnknownStreamError
	)
	switch {
	case errors.As(err, &unbounded):
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	case errors.As(err, &unknown):
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
		return
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	w.Header().Set("Content-Type", contentTypeNDJSON)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(ev); err != nil {
			slog.Debug("query client went away", "error", err)
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	link, err := tree.ParseLink(chi.URLParam(r, "cid"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	data, err := s.blocks.GetBlock(r.Context(), link)
	if errors.Is(err, blockstore.ErrNotFound) {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Block not found"))
		return
	}
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(data); err != nil {
		slog.Warn("Failed to write block", "cid", link.String(), "error", err)
	}
}

func (s *Server) handleGossip(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	topic, err := url.PathUnescape(chi.URLParam(r, "topic"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid topic"))
		return
	}
	s.transport.Deliver(pubsub.Message{
		Peer:  r.Header.Get(pubsub.PeerHeader),
		Topic: topic,
		Data:  data,
	})
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
