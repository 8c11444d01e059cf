// Package node hosts the engine coordinator: the single place where frames
// from the link, user submissions, and the periodic clock meet. It owns the
// topology tracker, the message log, and the deploy sessions, and publishes
// everything noteworthy on an event bus for live subscribers.
package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/locavenet/locave/src/delivery"
	"github.com/locavenet/locave/src/deploy"
	"github.com/locavenet/locave/src/net"
	"github.com/locavenet/locave/src/node/state"
	"github.com/locavenet/locave/src/topology"
	"github.com/locavenet/locave/src/wire"
	"github.com/sirupsen/logrus"
)

// SequenceSource hands out wire sequence numbers for outbound frames. The
// badger-backed BridgeStore implements it so sequences survive restarts.
type SequenceSource interface {
	NextSequence() (uint8, error)
}

type inmemSequence struct {
	sync.Mutex
	seq uint8
}

func (s *inmemSequence) NextSequence() (uint8, error) {
	s.Lock()
	defer s.Unlock()
	s.seq++
	return s.seq, nil
}

// MessageSink receives inbound chat messages so they can be bridged out of
// the mesh. Messages originating from the bridge itself are not handed back.
type MessageSink interface {
	Deliver(msg delivery.Message)
}

// WeatherFetcher supplies the surface weather reading that gets broadcast
// into the cave periodically.
type WeatherFetcher interface {
	Current() (wire.Weather, error)
}

// deploySession is one node being walked into position.
type deploySession struct {
	heuristic  *deploy.Heuristic
	lastSample time.Time
	notified   bool
}

// Node is the engine coordinator.
type Node struct {
	state.Manager

	conf   *Config
	logger *logrus.Entry

	coreLock sync.Mutex

	trans net.Transport
	netCh <-chan []byte

	controlTimer *ControlTimer

	topology *topology.Tracker
	delivery *delivery.Tracker

	deploys map[uint8]*deploySession

	// pendingAcks maps the wire sequence of an outbound frame to the message
	// id awaiting its confirmation.
	pendingAcks map[uint8]int

	seqs    SequenceSource
	sink    MessageSink
	weather WeatherFetcher

	bus *EventBus

	shutdownCh chan struct{}

	lastPing    time.Time
	lastWeather time.Time

	start time.Time

	now func() time.Time
}

// NewNode is a factory method that returns a Node instance. A nil sequence
// source gets an in-memory counter, which is fine for tests but loses its
// place on restart.
func NewNode(conf *Config, trans net.Transport, seqs SequenceSource) *Node {
	if seqs == nil {
		seqs = &inmemSequence{}
	}

	node := Node{
		conf:         conf,
		logger:       conf.Logger.WithField("prefix", "engine"),
		trans:        trans,
		netCh:        trans.Consumer(),
		controlTimer: NewPeriodicControlTimer(),
		topology:     topology.NewTracker(conf.NodeTTL),
		delivery:     delivery.NewTracker(conf.DeliveryDeadline, conf.MessageLogSize),
		deploys:      make(map[uint8]*deploySession),
		pendingAcks:  make(map[uint8]int),
		seqs:         seqs,
		bus:          NewEventBus(),
		shutdownCh:   make(chan struct{}),
		now:          time.Now,
	}

	// Set before any goroutine can read it through Stats.
	node.start = node.now()

	return &node
}

// SetMessageSink wires the bridge that receives inbound chat messages. Call
// before Run.
func (n *Node) SetMessageSink(sink MessageSink) {
	n.sink = sink
}

// SetWeatherFetcher wires the surface weather source. Call before Run; when
// unset, no weather is broadcast.
func (n *Node) SetWeatherFetcher(weather WeatherFetcher) {
	n.weather = weather
}

// Init intialises the node
func (n *Node) Init() error {
	n.logger.Debug("Init")

	n.trans.Listen()
	n.SetState(state.Running)

	return nil
}

// RunAsync calls Run as a separate thread
func (n *Node) RunAsync() {
	go n.Run()
}

// Run invokes the main loop of the node
func (n *Node) Run() {
	//The ControlTimer paces the periodic work: delivery sweeps, deploy
	//bookkeeping, liveness pings, and weather broadcasts.
	go n.controlTimer.Run(n.conf.HeartbeatTimeout)

	for {
		s := n.GetState()

		n.logger.WithField("state", s.String()).Debug("Run loop")

		switch s {
		case state.Running:
			n.running()
		case state.Suspended:
			n.suspended()
		case state.Shutdown:
			return
		}
	}
}

// running consumes frames in arrival order and drives the periodic work.
func (n *Node) running() {
	for {
		select {
		case frame := <-n.netCh:
			n.processFrame(frame)
		case <-n.controlTimer.tickCh:
			n.tick()
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}

		if n.GetState() != state.Running {
			return
		}
	}
}

// suspended keeps draining the link so liveness stays current, but processes
// no messages and sends nothing.
func (n *Node) suspended() {
	for {
		select {
		case frame := <-n.netCh:
			if ev, err := wire.Decode(frame); err == nil {
				hdr := ev.Header()
				n.topology.Touch(hdr.Source, hdr.HopTTL)
			}
		case <-n.controlTimer.tickCh:
			n.resetTimer()
		case <-n.shutdownCh:
			return
		}

		if n.GetState() != state.Suspended {
			return
		}
	}
}

func (n *Node) resetTimer() {
	if !n.controlTimer.set {
		n.controlTimer.resetCh <- n.conf.HeartbeatTimeout
	}
}

// processFrame decodes one frame and routes the event. A frame that fails to
// decode is logged and dropped; engine state is untouched.
func (n *Node) processFrame(frame []byte) {
	ev, err := wire.Decode(frame)
	if err != nil {
		n.logger.WithError(err).Debug("Discarding frame")
		return
	}

	hdr := ev.Header()
	n.topology.Touch(hdr.Source, hdr.HopTTL)

	switch e := ev.(type) {
	case wire.TextMessage:
		n.handleText(e)

	case wire.DeliveryAck:
		n.handleAck(e)

	case wire.NeighborReport:
		n.topology.ApplyNeighbors(e)
		n.publishNodeUpdate(EventNodeUpdate, e.Hdr.Source)

	case wire.TelemetryReport:
		n.topology.ApplyTelemetry(e)
		n.publishNodeUpdate(EventTelemetry, e.Hdr.Source)

	case wire.ModeReport:
		n.topology.ApplyMode(e)
		n.publishNodeUpdate(EventMode, e.Hdr.Source)

	case wire.BleScanReport:
		n.topology.ApplyBleScan(e)
		n.bus.Publish(Event{Kind: EventBleScan, Data: map[string]interface{}{
			"node":    e.Hdr.Source,
			"beacons": e.Beacons,
		}})

	case wire.DeployPing:
		n.handleDeployPing(e)

	case wire.Hello, wire.Ping, wire.Pong:
		// Liveness already refreshed by Touch.

	default:
		n.logger.WithField("type", hdr.Type.String()).Debug("Unhandled event")
	}
}

func (n *Node) publishNodeUpdate(kind EventKind, id uint8) {
	if view, ok := n.topology.Get(id); ok {
		n.bus.Publish(Event{Kind: kind, Data: view})
	}
}

// handleText records an inbound chat message, confirms it back to the sender,
// and hands it to the bridge.
func (n *Node) handleText(msg wire.TextMessage) {
	rec := n.delivery.Ingest(msg.Content, msg.Hdr.Source, msg.Hdr.Dest)

	n.logger.WithFields(logrus.Fields{
		"id":     rec.ID,
		"source": msg.Hdr.Source,
		"seq":    msg.Hdr.Seq,
	}).Debug("Inbound message")

	if msg.Hdr.Source >= 1 && msg.Hdr.Source <= wire.MaxNodeID {
		if err := n.sendConfirm(msg.Hdr.Source, msg.Hdr.Seq); err != nil {
			n.logger.WithError(err).Error("Sending confirmation")
		}
	}

	n.bus.Publish(Event{Kind: EventMessage, Data: rec})

	if n.sink != nil && msg.Hdr.Source != wire.TelegramID {
		n.sink.Deliver(rec)
	}
}

// handleAck resolves a confirmation to the message that is waiting for it.
// Acks for unknown or already settled sequences are dropped.
func (n *Node) handleAck(ack wire.DeliveryAck) {
	n.coreLock.Lock()
	id, ok := n.pendingAcks[ack.AckedSeq]
	if ok {
		delete(n.pendingAcks, ack.AckedSeq)
	}
	n.coreLock.Unlock()

	if !ok {
		n.logger.WithField("seq", ack.AckedSeq).Debug("Ack for unknown sequence")
		return
	}

	if msg, changed := n.delivery.OnAck(id); changed {
		n.logger.WithField("id", msg.ID).Debug("Message confirmed")
		n.bus.Publish(Event{Kind: EventMessageUpdate, Data: msg})
	}
}

func (n *Node) handleDeployPing(ping wire.DeployPing) {
	n.coreLock.Lock()
	session, ok := n.deploys[ping.Hdr.Source]
	if ok {
		session.heuristic.Observe(ping.RSSI, true)
		session.lastSample = n.now()
		session.notified = false
	}
	n.coreLock.Unlock()

	if !ok {
		// Deploy ping from a node nobody is surveying.
		return
	}

	n.bus.Publish(Event{Kind: EventDeploy, Data: map[string]interface{}{
		"node":    ping.Hdr.Source,
		"rssi":    ping.RSSI,
		"quality": session.heuristic.Quality(),
	}})
}

// tick runs the periodic work: fail overdue messages, mark deploy misses,
// ping the chain, and broadcast the weather.
func (n *Node) tick() {
	now := n.now()

	for _, msg := range n.delivery.Sweep() {
		n.logger.WithField("id", msg.ID).Debug("Message delivery timed out")
		n.bus.Publish(Event{Kind: EventMessageUpdate, Data: msg})
	}

	n.coreLock.Lock()
	for seq, id := range n.pendingAcks {
		if msg, ok := n.delivery.Get(id); !ok || msg.State != delivery.Pending {
			delete(n.pendingAcks, seq)
		}
	}

	for id, session := range n.deploys {
		if now.Sub(session.lastSample) >= n.conf.PingInterval {
			session.heuristic.Observe(0, false)
			session.lastSample = now
		}
		if !session.notified && session.heuristic.IsStationaryTimeout() {
			session.notified = true
			n.logger.WithField("node", id).Debug("Deploy node stationary")
			n.bus.Publish(Event{Kind: EventDeploy, Data: map[string]interface{}{
				"node":       id,
				"quality":    session.heuristic.Quality(),
				"stationary": true,
			}})
		}
	}
	n.coreLock.Unlock()

	if reaped := n.topology.Reap(6 * n.conf.NodeTTL); reaped > 0 {
		n.logger.WithField("count", reaped).Debug("Reaped stale node records")
	}

	if now.Sub(n.lastPing) >= n.conf.PingInterval {
		n.lastPing = now
		if err := n.sendPing(wire.BroadcastID); err != nil {
			n.logger.WithError(err).Error("Broadcasting ping")
		}
	}

	if n.weather != nil && n.conf.WeatherInterval > 0 &&
		now.Sub(n.lastWeather) >= n.conf.WeatherInterval {
		n.lastWeather = now
		n.broadcastWeather()
	}
}

func (n *Node) broadcastWeather() {
	w, err := n.weather.Current()
	if err != nil {
		n.logger.WithError(err).Error("Fetching weather")
		return
	}

	content := fmt.Sprintf("WEATHER %.1fC %.0f%% %.0fhPa",
		w.Temperature, w.Humidity, w.Pressure)

	if _, err := n.Broadcast(content); err != nil {
		n.logger.WithError(err).Error("Broadcasting weather")
	}
}

// Submit sends a chat message from the base to a node and returns its PENDING
// log record immediately; confirmation is reported asynchronously.
func (n *Node) Submit(content string, dest uint8) (delivery.Message, error) {
	return n.submit(content, wire.BaseID, dest)
}

// Broadcast sends a chat message from the base to every node.
func (n *Node) Broadcast(content string) (delivery.Message, error) {
	return n.submit(content, wire.BaseID, wire.BroadcastID)
}

// SubmitFromTelegram sends a bridged chat message into the mesh, marked with
// the Telegram origin address.
func (n *Node) SubmitFromTelegram(content string) (delivery.Message, error) {
	return n.submit(content, wire.TelegramID, wire.BroadcastID)
}

func (n *Node) submit(content string, source uint8, dest uint8) (delivery.Message, error) {
	if s := n.GetState(); s != state.Running {
		return delivery.Message{}, fmt.Errorf("engine is %s", s)
	}

	seq, err := n.seqs.NextSequence()
	if err != nil {
		return delivery.Message{}, err
	}

	msg := wire.TextMessage{
		Hdr: wire.Header{
			Source: source,
			Dest:   dest,
			HopTTL: wire.DefaultHopTTL,
			Seq:    seq,
			Type:   wire.DataType,
		},
		Content: content,
	}

	// Encode first: oversized content is refused before anything is logged.
	frame, err := wire.Encode(msg)
	if err != nil {
		return delivery.Message{}, err
	}

	n.coreLock.Lock()
	rec := n.delivery.Submit(content, dest, source)
	n.pendingAcks[seq] = rec.ID
	n.coreLock.Unlock()

	if err := n.trans.Write(frame); err != nil {
		return rec, err
	}

	n.logger.WithFields(logrus.Fields{
		"id":   rec.ID,
		"dest": dest,
		"seq":  seq,
	}).Debug("Submitted message")

	n.bus.Publish(Event{Kind: EventMessage, Data: rec})

	return rec, nil
}

// Ping sends a liveness probe to a node (or the broadcast address).
func (n *Node) Ping(dest uint8) error {
	if s := n.GetState(); s != state.Running {
		return fmt.Errorf("engine is %s", s)
	}
	return n.sendPing(dest)
}

func (n *Node) sendPing(dest uint8) error {
	seq, err := n.seqs.NextSequence()
	if err != nil {
		return err
	}

	frame, err := wire.Encode(wire.Ping{Hdr: wire.Header{
		Source: wire.BaseID,
		Dest:   dest,
		HopTTL: wire.DefaultHopTTL,
		Seq:    seq,
		Type:   wire.PingType,
	}})
	if err != nil {
		return err
	}

	return n.trans.Write(frame)
}

func (n *Node) sendConfirm(dest uint8, ackedSeq uint8) error {
	seq, err := n.seqs.NextSequence()
	if err != nil {
		return err
	}

	frame, err := wire.Encode(wire.DeliveryAck{
		Hdr: wire.Header{
			Source: wire.BaseID,
			Dest:   dest,
			HopTTL: wire.DefaultHopTTL,
			Seq:    seq,
			Type:   wire.BaseConfirmType,
		},
		AckedSeq: ackedSeq,
	})
	if err != nil {
		return err
	}

	return n.trans.Write(frame)
}

// StartDeploy opens a placement survey for a node. Starting an already open
// session keeps its window.
func (n *Node) StartDeploy(id uint8) error {
	if id < 1 || id > wire.MaxNodeID {
		return fmt.Errorf("invalid node id %d", id)
	}

	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	if _, ok := n.deploys[id]; ok {
		return nil
	}

	h := deploy.NewHeuristic(n.conf.DeployWindowSize)
	n.deploys[id] = &deploySession{heuristic: h, lastSample: n.now()}

	n.logger.WithField("node", id).Debug("Deploy session started")

	return nil
}

// EndDeploy closes a placement survey; its window is discarded.
func (n *Node) EndDeploy(id uint8) {
	n.coreLock.Lock()
	defer n.coreLock.Unlock()

	delete(n.deploys, id)
}

// DeployQuality returns the current placement score of an open session. The
// second return value is false when no survey is open for the node.
func (n *Node) DeployQuality(id uint8) (int, bool) {
	n.coreLock.Lock()
	session, ok := n.deploys[id]
	n.coreLock.Unlock()

	if !ok {
		return 0, false
	}
	return session.heuristic.Quality(), true
}

// Nodes returns the nodes heard from within the liveness window.
func (n *Node) Nodes() map[uint8]topology.NodeView {
	return n.topology.Alive()
}

// AllNodes returns every known node, live or stale.
func (n *Node) AllNodes() map[uint8]topology.NodeView {
	return n.topology.Snapshot()
}

// GetNode returns the view of a single node.
func (n *Node) GetNode(id uint8) (topology.NodeView, bool) {
	return n.topology.Get(id)
}

// Topology returns the neighbor lists and weather readings of live nodes.
func (n *Node) Topology() map[uint8]topology.TopologyView {
	return n.topology.Topology()
}

// BleSightings lists the BLE beacons a node has reported.
func (n *Node) BleSightings(id uint8) []topology.BleSighting {
	return n.topology.BleSightings(id)
}

// Messages returns up to limit log entries, most recent first.
func (n *Node) Messages(limit int) []delivery.Message {
	return n.delivery.History(limit)
}

// GetMessage returns a message log entry by id.
func (n *Node) GetMessage(id int) (delivery.Message, bool) {
	return n.delivery.Get(id)
}

// Stats returns engine counters for the service.
func (n *Node) Stats() map[string]string {
	n.coreLock.Lock()
	pending := len(n.pendingAcks)
	surveys := len(n.deploys)
	n.coreLock.Unlock()

	return map[string]string{
		"state":          n.GetState().String(),
		"uptime":         n.now().Sub(n.start).String(),
		"live_nodes":     strconv.Itoa(len(n.topology.Alive())),
		"pending_acks":   strconv.Itoa(pending),
		"deploy_surveys": strconv.Itoa(surveys),
		"subscribers":    strconv.Itoa(n.bus.Len()),
	}
}

// Subscribe attaches a live event feed.
func (n *Node) Subscribe() (<-chan Event, func()) {
	return n.bus.Subscribe()
}

// Suspend pauses message processing while keeping liveness current.
func (n *Node) Suspend() {
	if n.GetState() == state.Running {
		n.logger.Debug("SUSPEND")
		n.SetState(state.Suspended)
	}
}

// Resume returns a suspended engine to normal operation.
func (n *Node) Resume() {
	if n.GetState() == state.Suspended {
		n.logger.Debug("RESUME")
		n.SetState(state.Running)
	}
}

// Shutdown stops the loops and closes the transport. In-flight PENDING
// messages simply stop advancing.
func (n *Node) Shutdown() {
	if n.GetState() == state.Shutdown {
		return
	}

	n.logger.Debug("SHUTDOWN")

	n.SetState(state.Shutdown)
	close(n.shutdownCh)
	n.controlTimer.Shutdown()

	n.WaitRoutines()

	n.trans.Close()
}
