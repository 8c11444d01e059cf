// Package service exposes the engine over HTTP: read endpoints for the
// dashboard, write endpoints for operators, and a websocket feed of live
// engine events.
package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/locavenet/locave/src/bot"
	"github.com/locavenet/locave/src/node"
	"github.com/sirupsen/logrus"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	node        *node.Node
	bridge      *bot.Bridge
	logger      *logrus.Entry

	mux      *http.ServeMux
	upgrader websocket.Upgrader
}

// NewService creates the HTTP service. The bridge may be nil when the base
// runs without a Telegram bot.
func NewService(bindAddress string, n *node.Node, bridge *bot.Bridge, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		node:        n,
		bridge:      bridge,
		logger:      logger,
		mux:         http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	service.registerHandlers()

	return &service
}

func (s *Service) registerHandlers() {
	s.logger.Debug("Registering API handlers")
	s.mux.HandleFunc("/stats", s.makeHandler(s.GetStats))
	s.mux.HandleFunc("/nodes", s.makeHandler(s.GetNodes))
	s.mux.HandleFunc("/messages", s.makeHandler(s.GetMessages))
	s.mux.HandleFunc("/topology", s.makeHandler(s.GetTopology))
	s.mux.HandleFunc("/deploy/", s.makeHandler(s.Deploy))
	s.mux.HandleFunc("/ble/", s.makeHandler(s.GetBleSightings))
	s.mux.HandleFunc("/broadcast", s.makeHandler(s.PostBroadcast))
	s.mux.HandleFunc("/message", s.makeHandler(s.PostMessage))
	s.mux.HandleFunc("/ping/", s.makeHandler(s.PostPing))
	s.mux.HandleFunc("/suspend", s.makeHandler(s.PostSuspend))
	s.mux.HandleFunc("/resume", s.makeHandler(s.PostResume))
	s.mux.HandleFunc("/bot/status", s.makeHandler(s.GetBotStatus))
	s.mux.HandleFunc("/bot/info", s.makeHandler(s.GetBotInfo))
	s.mux.HandleFunc("/bot/token", s.makeHandler(s.PostBotToken))
	s.mux.HandleFunc("/bot/restart", s.makeHandler(s.PostBotRestart))

	// The events handler holds its connection open, so it bypasses the
	// serialising wrapper.
	s.mux.HandleFunc("/events", s.GetEvents)
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving API")

	err := http.ListenAndServe(s.bindAddress, s.mux)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, s.node.Stats())
}

// GetNodes returns the live node table; ?all=1 includes stale records.
func (s *Service) GetNodes(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("all") == "1" {
		returnJSON(w, s.node.AllNodes())
		return
	}
	returnJSON(w, s.node.Nodes())
}

// GetMessages returns the message log, most recent first; ?limit=N caps it.
func (s *Service) GetMessages(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if param := r.URL.Query().Get("limit"); param != "" {
		l, err := strconv.Atoi(param)
		if err != nil {
			s.logger.WithError(err).Errorf("Parsing limit parameter %s", param)

			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}
		limit = l
	}

	returnJSON(w, s.node.Messages(limit))
}

// GetTopology ...
func (s *Service) GetTopology(w http.ResponseWriter, r *http.Request) {
	returnJSON(w, s.node.Topology())
}

// Deploy routes the placement-survey endpoints:
// GET /deploy/{node}, POST /deploy/{node}/start, POST /deploy/{node}/end.
func (s *Service) Deploy(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path[len("/deploy/"):], "/"), "/")

	id, err := parseNodeID(parts[0])
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing node parameter %s", parts[0])

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if len(parts) == 1 {
		quality, ok := s.node.DeployQuality(id)
		if !ok {
			http.Error(w, "no open survey", http.StatusNotFound)
			return
		}
		returnJSON(w, map[string]interface{}{"node": id, "quality": quality})
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "start":
		if err := s.node.StartDeploy(id); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		returnJSON(w, map[string]interface{}{"node": id, "started": true})

	case "end":
		s.node.EndDeploy(id)
		returnJSON(w, map[string]interface{}{"node": id, "ended": true})

	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

// GetBleSightings ...
func (s *Service) GetBleSightings(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/ble/"):]

	id, err := parseNodeID(param)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing node parameter %s", param)

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	returnJSON(w, s.node.BleSightings(id))
}

type messageRequest struct {
	Dest    uint8  `json:"dest"`
	Content string `json:"content"`
}

// PostBroadcast sends a message to every node.
func (s *Service) PostBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := s.node.Broadcast(req.Content)
	if err != nil {
		s.logger.WithError(err).Error("Broadcasting message")

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	returnJSON(w, msg)
}

// PostMessage sends a message to one node.
func (s *Service) PostMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := s.node.Submit(req.Content, req.Dest)
	if err != nil {
		s.logger.WithError(err).Error("Submitting message")

		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	returnJSON(w, msg)
}

// PostPing ...
func (s *Service) PostPing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	param := r.URL.Path[len("/ping/"):]

	dest, err := strconv.Atoi(param)
	if err != nil || dest < 0 || dest > 255 {
		http.Error(w, "bad destination", http.StatusBadRequest)
		return
	}

	if err := s.node.Ping(uint8(dest)); err != nil {
		s.logger.WithError(err).Error("Sending ping")

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	returnJSON(w, map[string]interface{}{"dest": dest, "sent": true})
}

// PostSuspend pauses message processing; liveness tracking continues.
func (s *Service) PostSuspend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.node.Suspend()

	returnJSON(w, s.node.Stats())
}

// PostResume ...
func (s *Service) PostResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.node.Resume()

	returnJSON(w, s.node.Stats())
}

// GetBotStatus ...
func (s *Service) GetBotStatus(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge not configured", http.StatusServiceUnavailable)
		return
	}

	returnJSON(w, map[string]interface{}{"online": s.bridge.Online()})
}

// GetBotInfo ...
func (s *Service) GetBotInfo(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge not configured", http.StatusServiceUnavailable)
		return
	}

	returnJSON(w, s.bridge.Info())
}

type tokenRequest struct {
	Token string `json:"token"`
}

// PostBotToken ...
func (s *Service) PostBotToken(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.bridge.SetToken(req.Token); err != nil {
		s.logger.WithError(err).Error("Updating bot token")

		code := http.StatusInternalServerError
		if bot.IsTokenUpdate(err) {
			code = http.StatusBadRequest
		}
		http.Error(w, err.Error(), code)

		return
	}

	returnJSON(w, map[string]interface{}{"updated": true})
}

// PostBotRestart ...
func (s *Service) PostBotRestart(w http.ResponseWriter, r *http.Request) {
	if s.bridge == nil {
		http.Error(w, "bridge not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.bridge.Restart(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	returnJSON(w, map[string]interface{}{"restarted": true})
}

// GetEvents upgrades the connection to a websocket and streams engine events
// until the client goes away.
func (s *Service) GetEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("Upgrading events connection")
		return
	}

	events, unsub := s.node.Subscribe()
	defer unsub()
	defer conn.Close()

	// Drain client frames so closes are noticed even while no events flow.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func parseNodeID(param string) (uint8, error) {
	id, err := strconv.Atoi(param)
	if err != nil {
		return 0, err
	}
	if id < 0 || id > 255 {
		return 0, strconv.ErrRange
	}
	return uint8(id), nil
}

func returnJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(v)
}
