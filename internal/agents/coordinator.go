package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

const registerTimeout = 10 * time.Second

// Options tunes coordinator timing. Zero values fall back to defaults.
type Options struct {
	HeartbeatInterval time.Duration
	OfflineGrace      time.Duration
	CommandTimeout    time.Duration
	CommandMaxAge     time.Duration
	SelfUpdateWindow  time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.OfflineGrace <= 0 {
		o.OfflineGrace = time.Minute
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.CommandMaxAge <= 0 {
		o.CommandMaxAge = 5 * time.Minute
	}
	if o.SelfUpdateWindow <= 0 {
		o.SelfUpdateWindow = 5 * time.Minute
	}
}

type pendingCommand struct {
	agentID   string
	ch        chan *Frame
	startedAt time.Time
}

type reconnectWait struct {
	version string
	ch      chan *store.Agent
}

// Coordinator owns all live agent sockets. It registers agents, routes
// commands to them by correlation id, and republishes agent events on the
// bus.
type Coordinator struct {
	store *store.Store
	bus   *events.Bus
	log   *logging.Logger
	clk   clock.Clock
	opts  Options

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session // agent id -> live session

	pendingMu sync.Mutex
	pending   map[string]*pendingCommand // correlation id -> waiter

	waitMu     sync.Mutex
	reconnects map[string]*reconnectWait // engine id -> self-update waiter

	progressMu sync.Mutex
	progress   map[string]func(ProgressPayload) // update or deployment id -> sink
}

// New creates a Coordinator. Call Run to start the background sweeper.
func New(st *store.Store, bus *events.Bus, log *logging.Logger, clk clock.Clock, opts Options) *Coordinator {
	opts.applyDefaults()
	return &Coordinator{
		store: st,
		bus:   bus,
		log:   log.With("component", "agents"),
		clk:   clk,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sessions:   make(map[string]*session),
		pending:    make(map[string]*pendingCommand),
		reconnects: make(map[string]*reconnectWait),
		progress:   make(map[string]func(ProgressPayload)),
	}
}

// HandleWS upgrades an agent connection and services it until the socket
// drops. The first frame must be a register; everything before a successful
// registration is rejected.
func (c *Coordinator) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := newSession(conn, cancel)
	defer cancel()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(registerTimeout))
	first, err := sess.readFrame()
	if err != nil {
		return
	}
	if first.Type != FrameRegister {
		_ = conn.WriteJSON(&Frame{Type: FrameRegisterAck, Error: "expected register frame"})
		return
	}

	var reg RegisterPayload
	if err := json.Unmarshal(first.Payload, &reg); err != nil {
		_ = conn.WriteJSON(&Frame{Type: FrameRegisterAck, Error: "malformed register payload"})
		return
	}

	agent, host, err := c.register(r.Context(), &reg)
	if err != nil {
		c.log.Warn("agent registration rejected", "engine_id", reg.EngineID, "remote", r.RemoteAddr, "error", err)
		_ = conn.WriteJSON(&Frame{Type: FrameRegisterAck, ID: first.ID, Error: err.Error()})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	sess.agentID = agent.ID
	sess.hostID = host.ID
	sess.engineID = agent.EngineID
	sess.version = agent.Version
	sess.touch(c.clk.Now())

	c.attach(sess)
	defer c.detach(sess)

	go sess.writePump(ctx)

	if err := sess.enqueue(&Frame{
		Type:      FrameRegisterAck,
		ID:        first.ID,
		Payload:   mustJSON(RegisterAckPayload{AgentID: agent.ID, HostID: host.ID}),
		Timestamp: c.clk.Now(),
	}); err != nil {
		return
	}

	c.log.Info("agent registered", "agent_id", agent.ID, "host_id", host.ID,
		"engine_id", agent.EngineID, "version", agent.Version)
	c.bus.Emit(ctx, events.Event{
		Type:    events.TypeHostConnected,
		Scope:   events.Scope{HostID: host.ID, HostName: host.Name},
		Message: fmt.Sprintf("agent %s connected", agent.EngineID),
	})
	c.notifyReconnect(agent)

	c.readLoop(ctx, sess)
}

// register validates the handshake and resolves the agent to a host,
// migrating a polled remote host to agent ownership when their engine ids
// match.
func (c *Coordinator) register(ctx context.Context, p *RegisterPayload) (*store.Agent, *store.Host, error) {
	if p.EngineID == "" {
		return nil, nil, derr.Validationf("register frame missing engine_id")
	}
	if p.ProtoVersion > ProtoVersion {
		return nil, nil, derr.Validationf("agent protocol v%d is newer than supported v%d", p.ProtoVersion, ProtoVersion)
	}

	now := c.clk.Now()

	// A known engine reconnecting keeps its enrollment; only first contact
	// spends a token.
	known, err := c.store.GetAgentByEngineID(ctx, p.EngineID)
	if err != nil && !errors.Is(err, derr.ErrNotFound) {
		return nil, nil, err
	}
	if known == nil {
		if p.Token == "" {
			return nil, nil, derr.Validationf("register frame missing token")
		}
		if err := c.store.ConsumeRegistrationToken(ctx, p.Token, now); err != nil {
			return nil, nil, err
		}
	}

	host, err := c.resolveHost(ctx, p)
	if err != nil {
		return nil, nil, err
	}

	agent := &store.Agent{
		ID:           uuid.NewString(),
		HostID:       host.ID,
		EngineID:     p.EngineID,
		Version:      p.Version,
		ProtoVersion: p.ProtoVersion,
		Capabilities: p.Capabilities,
		Status:       store.AgentOnline,
		LastSeenAt:   now,
		OS:           p.OS,
		Arch:         p.Arch,
	}
	agent, err = c.store.UpsertAgent(ctx, agent)
	if err != nil {
		return nil, nil, err
	}
	return agent, host, nil
}

// resolveHost returns the host this engine should be attached to. Three
// cases: the engine already has an agent host, the engine matches an
// existing polled host (migrate it), or the engine is brand new.
func (c *Coordinator) resolveHost(ctx context.Context, p *RegisterPayload) (*store.Host, error) {
	existing, err := c.store.GetHostByEngineID(ctx, p.EngineID)
	switch {
	case err == nil && existing.ConnectionType == store.ConnAgent:
		return existing, nil
	case err == nil:
		return c.migrateToAgent(ctx, existing, p)
	case errors.Is(err, derr.ErrNotFound):
		return c.createAgentHost(ctx, p)
	default:
		return nil, err
	}
}

func (c *Coordinator) createAgentHost(ctx context.Context, p *RegisterPayload) (*store.Host, error) {
	name := p.Hostname
	if name == "" {
		name = "agent-" + shortEngineID(p.EngineID)
	}
	host := &store.Host{
		ID:             uuid.NewString(),
		Name:           name,
		URL:            "agent://" + p.EngineID,
		ConnectionType: store.ConnAgent,
		EngineID:       p.EngineID,
		CreatedBy:      "agent-registration",
		CreatedAt:      c.clk.Now(),
	}
	err := c.store.CreateHost(ctx, host)
	if errors.Is(err, derr.ErrConflict) {
		host.Name = name + "-" + shortEngineID(p.EngineID)
		err = c.store.CreateHost(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	return host, nil
}

// migrateToAgent replaces a polled host with an agent-managed one. Container
// settings follow the host; the old row stays behind as a tombstone pointing
// at its replacement.
func (c *Coordinator) migrateToAgent(ctx context.Context, old *store.Host, p *RegisterPayload) (*store.Host, error) {
	host := &store.Host{
		ID:             uuid.NewString(),
		Name:           old.Name + " (agent)",
		URL:            "agent://" + p.EngineID,
		ConnectionType: store.ConnAgent,
		EngineID:       p.EngineID,
		CreatedBy:      "agent-migration",
		CreatedAt:      c.clk.Now(),
	}
	if err := c.store.CreateHost(ctx, host); err != nil {
		return nil, err
	}
	if err := c.store.MigrateHost(ctx, old.ID, host.ID); err != nil {
		return nil, err
	}

	c.log.Info("host migrated to agent", "old_host_id", old.ID, "new_host_id", host.ID, "engine_id", p.EngineID)
	c.bus.Emit(ctx, events.Event{
		Type:    events.TypeHostMigrated,
		Scope:   events.Scope{HostID: host.ID, HostName: host.Name},
		Message: fmt.Sprintf("host %s is now managed by its agent", old.Name),
		Data:    map[string]any{"old_host_id": old.ID, "new_host_id": host.ID},
	})
	return host, nil
}

func shortEngineID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// attach installs the session, displacing any stale session for the same
// agent. The stale socket is cancelled; its reader will run the detach path.
func (c *Coordinator) attach(sess *session) {
	c.mu.Lock()
	if old, ok := c.sessions[sess.agentID]; ok {
		old.cancel()
		_ = old.conn.Close()
	}
	c.sessions[sess.agentID] = sess
	n := len(c.sessions)
	c.mu.Unlock()
	metrics.AgentsConnected.Set(float64(n))
}

// detach runs once when a session's read loop exits. Only the current
// session clears the slot; a replaced session must not tear down its
// successor.
func (c *Coordinator) detach(sess *session) {
	c.mu.Lock()
	current := c.sessions[sess.agentID] == sess
	if current {
		delete(c.sessions, sess.agentID)
	}
	n := len(c.sessions)
	c.mu.Unlock()
	if !current {
		return
	}
	metrics.AgentsConnected.Set(float64(n))

	c.failPendingFor(sess.agentID, "agent disconnected")

	ctx := context.Background()
	if err := c.store.SetAgentStatus(ctx, sess.agentID, store.AgentDegraded); err != nil {
		c.log.Warn("mark agent degraded failed", "agent_id", sess.agentID, "error", err)
	}
	c.log.Info("agent disconnected", "agent_id", sess.agentID, "engine_id", sess.engineID)
	c.bus.Emit(ctx, events.Event{
		Type:    events.TypeHostDisconnected,
		Scope:   events.Scope{HostID: sess.hostID},
		Message: fmt.Sprintf("agent %s disconnected", sess.engineID),
	})

	go c.offlineAfterGrace(sess.agentID)
}

// offlineAfterGrace demotes a disconnected agent to offline once the grace
// window passes without a reconnect.
func (c *Coordinator) offlineAfterGrace(agentID string) {
	<-c.clk.After(c.opts.OfflineGrace)
	c.mu.RLock()
	_, reconnected := c.sessions[agentID]
	c.mu.RUnlock()
	if reconnected {
		return
	}
	if err := c.store.SetAgentStatus(context.Background(), agentID, store.AgentOffline); err != nil && !errors.Is(err, derr.ErrNotFound) {
		c.log.Warn("mark agent offline failed", "agent_id", agentID, "error", err)
	}
}

func (c *Coordinator) readLoop(ctx context.Context, sess *session) {
	for {
		f, err := sess.readFrame()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch f.Type {
		case FramePing:
			sess.touch(c.clk.Now())
			if err := c.store.TouchAgent(ctx, sess.agentID, c.clk.Now()); err != nil {
				c.log.Warn("touch agent failed", "agent_id", sess.agentID, "error", err)
			}
			_ = sess.enqueue(&Frame{Type: FramePong, ID: f.ID, Timestamp: c.clk.Now()})
		case FrameResponse:
			c.deliverResponse(f)
		case FrameEvent:
			c.handleEvent(ctx, sess, f)
		case FrameProgress:
			c.handleProgress(sess, f)
		default:
			c.log.Debug("unexpected agent frame", "agent_id", sess.agentID, "type", f.Type)
		}
	}
}

// ExecuteCommand sends a command to an agent and waits for the correlated
// response. The pending waiter is registered before the frame is queued so a
// fast response cannot be lost.
func (c *Coordinator) ExecuteCommand(ctx context.Context, agentID, command string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}

	c.mu.RLock()
	sess := c.sessions[agentID]
	c.mu.RUnlock()
	if sess == nil {
		return nil, fmt.Errorf("agent %s is not connected: %w", agentID, derr.ErrAgentUnavailable)
	}

	id := uuid.NewString()
	ch := make(chan *Frame, 1)
	c.pendingMu.Lock()
	c.pending[id] = &pendingCommand{agentID: agentID, ch: ch, startedAt: c.clk.Now()}
	c.pendingMu.Unlock()

	frame := &Frame{
		Type:      FrameCommand,
		ID:        id,
		Command:   command,
		Timestamp: c.clk.Now(),
	}
	if payload != nil {
		frame.Payload = mustJSON(payload)
	}
	if err := sess.enqueue(frame); err != nil {
		c.cancelPending(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return nil, derr.Enginef("agent command %s failed: %s", command, resp.Error)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		c.cancelPending(id)
		return nil, ctx.Err()
	case <-c.clk.After(timeout):
		c.cancelPending(id)
		return nil, derr.Timeoutf("command %s to agent %s timed out after %s", command, agentID, timeout)
	}
}

func (c *Coordinator) deliverResponse(f *Frame) {
	c.pendingMu.Lock()
	p, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.Debug("response with no pending command", "correlation_id", f.ID)
		return
	}
	p.ch <- f
}

func (c *Coordinator) cancelPending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

// failPendingFor resolves every in-flight command for an agent with an error
// response so callers unblock immediately instead of waiting out a timeout.
func (c *Coordinator) failPendingFor(agentID, reason string) {
	c.pendingMu.Lock()
	var failed []*pendingCommand
	for id, p := range c.pending {
		if p.agentID == agentID {
			delete(c.pending, id)
			failed = append(failed, p)
		}
	}
	c.pendingMu.Unlock()
	for _, p := range failed {
		p.ch <- &Frame{Type: FrameResponse, Error: reason}
	}
}

// Run drives the periodic sweep: expire abandoned pending commands and
// demote agents whose heartbeats stopped while the socket stayed up.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(c.opts.HeartbeatInterval):
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	now := c.clk.Now()

	c.pendingMu.Lock()
	var expired []*pendingCommand
	for id, p := range c.pending {
		if now.Sub(p.startedAt) > c.opts.CommandMaxAge {
			delete(c.pending, id)
			expired = append(expired, p)
		}
	}
	c.pendingMu.Unlock()
	for _, p := range expired {
		p.ch <- &Frame{Type: FrameResponse, Error: "command expired"}
	}

	stale := 3 * c.opts.HeartbeatInterval
	c.mu.RLock()
	var degraded []string
	for id, sess := range c.sessions {
		if now.Sub(sess.seen()) > stale {
			degraded = append(degraded, id)
		}
	}
	c.mu.RUnlock()
	for _, id := range degraded {
		if err := c.store.SetAgentStatus(ctx, id, store.AgentDegraded); err != nil {
			c.log.Warn("mark agent degraded failed", "agent_id", id, "error", err)
		}
	}
}

// SelfUpdate instructs an agent to replace itself, then waits for the same
// engine to reconnect running the expected version. The waiter is installed
// before the command goes out because the agent may restart faster than we
// return from the send.
func (c *Coordinator) SelfUpdate(ctx context.Context, agentID string, p SelfUpdatePayload) error {
	c.mu.RLock()
	sess := c.sessions[agentID]
	c.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("agent %s is not connected: %w", agentID, derr.ErrAgentUnavailable)
	}
	if p.Version == "" {
		return derr.Validationf("self update requires a target version")
	}

	wait := &reconnectWait{version: p.Version, ch: make(chan *store.Agent, 1)}
	c.waitMu.Lock()
	c.reconnects[sess.engineID] = wait
	c.waitMu.Unlock()
	defer func() {
		c.waitMu.Lock()
		if c.reconnects[sess.engineID] == wait {
			delete(c.reconnects, sess.engineID)
		}
		c.waitMu.Unlock()
	}()

	frame := &Frame{
		Type:      FrameCommand,
		ID:        uuid.NewString(),
		Command:   "self_update",
		Payload:   mustJSON(p),
		Timestamp: c.clk.Now(),
	}
	if err := sess.enqueue(frame); err != nil {
		return err
	}
	c.log.Info("self update sent", "agent_id", agentID, "engine_id", sess.engineID, "target_version", p.Version)

	select {
	case agent := <-wait.ch:
		if agent.Version != p.Version {
			return derr.Enginef("agent reconnected running %s, expected %s", agent.Version, p.Version)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(c.opts.SelfUpdateWindow):
		return derr.Timeoutf("agent %s did not reconnect within %s after self update", agentID, c.opts.SelfUpdateWindow)
	}
}

func (c *Coordinator) notifyReconnect(agent *store.Agent) {
	c.waitMu.Lock()
	wait, ok := c.reconnects[agent.EngineID]
	if ok {
		delete(c.reconnects, agent.EngineID)
	}
	c.waitMu.Unlock()
	if ok {
		wait.ch <- agent
	}
}

// handleEvent republishes an agent-observed event on the bus under the
// agent's host scope.
func (c *Coordinator) handleEvent(ctx context.Context, sess *session, f *Frame) {
	var p EventPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.log.Warn("malformed agent event", "agent_id", sess.agentID, "error", err)
		return
	}
	c.bus.Emit(ctx, events.Event{
		Type: events.Type(p.Type),
		Scope: events.Scope{
			HostID:        sess.hostID,
			ContainerID:   p.ContainerID,
			ContainerName: p.ContainerName,
		},
		Message:   p.Message,
		Data:      p.Data,
		Timestamp: f.Timestamp,
	})
}

func (c *Coordinator) handleProgress(sess *session, f *Frame) {
	var p ProgressPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.log.Warn("malformed agent progress", "agent_id", sess.agentID, "error", err)
		return
	}
	key := p.UpdateID
	if key == "" {
		key = p.DeploymentID
	}
	c.progressMu.Lock()
	sink := c.progress[key]
	c.progressMu.Unlock()
	if sink != nil {
		sink(p)
	}
}

// WatchProgress routes progress frames carrying the given update or
// deployment id to sink. The returned func removes the route.
func (c *Coordinator) WatchProgress(id string, sink func(ProgressPayload)) func() {
	c.progressMu.Lock()
	c.progress[id] = sink
	c.progressMu.Unlock()
	return func() {
		c.progressMu.Lock()
		delete(c.progress, id)
		c.progressMu.Unlock()
	}
}

// Connected reports whether the agent has a live socket right now.
func (c *Coordinator) Connected(agentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[agentID]
	return ok
}

// AgentForHost resolves the connected agent serving a host.
func (c *Coordinator) AgentForHost(ctx context.Context, hostID string) (*store.Agent, error) {
	agent, err := c.store.GetAgentByHostID(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if !c.Connected(agent.ID) {
		return nil, fmt.Errorf("agent for host %s is not connected: %w", hostID, derr.ErrAgentUnavailable)
	}
	return agent, nil
}
