package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/nettinglabs/cownet/pkg/book"
	"github.com/nettinglabs/cownet/pkg/engine"
	"github.com/nettinglabs/cownet/pkg/storage"
)

// Server exposes the node's REST API, the live event websocket and the
// metrics endpoint. Reads of matching state go through the loop's View so
// they observe a consistent snapshot.
type Server struct {
	loop    *engine.Loop
	store   *storage.Store
	router  *mux.Router
	hub     *Hub
	metrics http.Handler
	log     *zap.SugaredLogger
}

func NewServer(loop *engine.Loop, store *storage.Store, metricsHandler http.Handler, log *zap.SugaredLogger) *Server {
	s := &Server{
		loop:    loop,
		store:   store,
		router:  mux.NewRouter(),
		hub:     NewHub(log),
		metrics: metricsHandler,
		log:     log,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/venues", s.handleGetVenues).Methods("GET")
	api.HandleFunc("/venues/{venue}/book", s.handleGetBook).Methods("GET")
	api.HandleFunc("/orders", s.handleSubmitOrder).Methods("POST")
	api.HandleFunc("/tasks", s.handleGetTasks).Methods("GET")
	api.HandleFunc("/settlements", s.handleGetSettlements).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}
}

// Start blocks serving HTTP on addr.
func (s *Server) Start(addr string) error {
	go s.hub.Run()

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
	})

	s.log.Infow("api_listening", "addr", addr)
	return http.ListenAndServe(addr, c.Handler(s.router))
}

// Broadcast is wired in as the loop's event sink: every lifecycle event
// fans out to websocket subscribers.
func (s *Server) Broadcast(kind string, payload any) {
	msg, err := json.Marshal(map[string]any{"type": kind, "data": payload})
	if err != nil {
		return
	}
	s.hub.Broadcast(msg)
}

func (s *Server) handleGetVenues(w http.ResponseWriter, r *http.Request) {
	var venues []string
	err := s.loop.View(r.Context(), func(l *engine.Loop) {
		venues = l.Venues()
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable", err.Error())
		return
	}
	respondJSON(w, venues)
}

func (s *Server) handleGetBook(w http.ResponseWriter, r *http.Request) {
	venue := mux.Vars(r)["venue"]

	var resp BookResponse
	var found bool
	err := s.loop.View(r.Context(), func(l *engine.Loop) {
		b, ok := l.Book(venue)
		if !ok {
			return
		}
		found = true
		demand, supply := b.Snapshot()
		resp.Venue = venue
		for _, o := range demand {
			resp.Demand = append(resp.Demand, toOrderView(o))
		}
		for _, o := range supply {
			resp.Supply = append(resp.Supply, toOrderView(o))
		}
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable", err.Error())
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "unknown venue", venue)
		return
	}
	respondJSON(w, resp)
}

func (s *Server) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}
	var dir book.Direction
	switch req.Direction {
	case "AtoB":
		dir = book.AtoB
	case "BtoA":
		dir = book.BtoA
	default:
		respondError(w, http.StatusBadRequest, "invalid direction", req.Direction)
		return
	}
	o := book.Order{
		ID:        req.ID,
		Trader:    req.Trader,
		AmountIn:  req.AmountIn,
		AmountOut: req.AmountOut,
		Direction: dir,
		Venue:     req.Venue,
	}
	if err := o.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
		return
	}
	s.loop.SubmitOrder(o)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted", "id": o.ID})
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	var tasks []TaskView
	err := s.loop.View(r.Context(), func(l *engine.Loop) {
		for _, t := range l.Coordinator().Tasks() {
			tasks = append(tasks, TaskView{
				ID:           t.ID,
				MatchHash:    t.MatchHash.Hex(),
				Creator:      t.Creator.Hex(),
				ThresholdPct: t.ThresholdPct,
				State:        t.State.String(),
				Responses:    len(t.Responses),
				CreatedAt:    t.CreatedAt.Format(time.RFC3339),
				Deadline:     t.Deadline.Format(time.RFC3339),
			})
		}
	})
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "engine unavailable", err.Error())
		return
	}
	respondJSON(w, tasks)
}

func (s *Server) handleGetSettlements(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		respondJSON(w, []storage.SettlementRecord{})
		return
	}
	recs, err := s.store.ListSettlements(100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "journal read failed", err.Error())
		return
	}
	respondJSON(w, recs)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}
