package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"

	"minbar/db"
	"minbar/etc"
	"minbar/event"
	"minbar/session"
	"minbar/stt"
	"minbar/translate"
)

// Outbound is the write side of a connection. Send reports false when the
// frame was dropped; the gateway treats drops as best-effort.
type Outbound interface {
	Send(env event.Envelope) bool
	Close()
}

// Archiver is the slice of the outbox the gateway writes session history
// through.
type Archiver interface {
	ArchiveSessionStarted(rec db.SessionRecord)
	ArchiveSessionEnded(sessionID, reason string, endedAt time.Time)
}

// client is the gateway's view of one connection.
type client struct {
	id  string
	out Outbound

	authenticated bool
	identity      string

	sessionID string
	deviceID  string
	role      string
	joinedAt  time.Time

	limiter *rate.Limiter
}

type Config struct {
	Registry  *session.Registry
	Sequencer *translate.Sequencer
	Verifier  Verifier
	Archiver  Archiver
	Providers []stt.Provider

	// PreferredProvider moves one provider to the front of the fallback
	// chain for new streams.
	PreferredProvider string

	// ContextType biases translation toward a domain vocabulary.
	ContextType string

	MaxPendingChunks int
	TeardownTimeout  time.Duration

	// ChunkRate / ChunkBurst bound audio_chunk frames per connection.
	ChunkRate  rate.Limit
	ChunkBurst int

	Clock  etc.Clock
	Logger *log.Logger
}

// Gateway owns every connection and routes client events to the session
// registry, the speech orchestrators, and the sequencer. It implements
// translate.Broadcaster and session.Notifier.
type Gateway struct {
	cfg    Config
	logger *log.Logger
	clock  etc.Clock

	mu            sync.Mutex
	clients       map[string]*client
	members       map[string]map[string]*client
	orchestrators map[string]*stt.Orchestrator
}

func New(cfg Config) *Gateway {
	if cfg.Clock == nil {
		cfg.Clock = etc.SystemClock{}
	}
	if cfg.ContextType == "" {
		cfg.ContextType = "general"
	}
	if cfg.ChunkRate <= 0 {
		cfg.ChunkRate = 100
	}
	if cfg.ChunkBurst <= 0 {
		cfg.ChunkBurst = 200
	}
	return &Gateway{
		cfg:           cfg,
		logger:        cfg.Logger,
		clock:         cfg.Clock,
		clients:       make(map[string]*client),
		members:       make(map[string]map[string]*client),
		orchestrators: make(map[string]*stt.Orchestrator),
	}
}

// Register adds a new connection. The transport calls this once the
// websocket upgrade succeeds.
func (g *Gateway) Register(connID string, out Outbound) {
	g.mu.Lock()
	g.clients[connID] = &client{
		id:      connID,
		out:     out,
		limiter: rate.NewLimiter(g.cfg.ChunkRate, g.cfg.ChunkBurst),
	}
	g.mu.Unlock()
	g.logger.Debug("connection registered", "conn", connID)
}

// Disconnect removes a connection. A broadcaster dropping mid-session arms
// the reconnect grace window instead of ending the session.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c, ok := g.clients[connID]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, connID)

	sessionID, role := c.sessionID, c.role
	var count int
	if sessionID != "" {
		if m := g.members[sessionID]; m != nil {
			delete(m, connID)
			count = len(m)
		}
	}
	g.mu.Unlock()

	c.out.Close()
	if sessionID == "" {
		return
	}

	g.Broadcast(sessionID, event.MustMake(event.TypeParticipantLeft, event.ParticipantLeft{
		SessionID: sessionID,
		Count:     count,
	}))
	if role == event.RoleBroadcaster {
		g.cfg.Registry.RecordBroadcasterDisconnect(sessionID)
	}
	g.logger.Info("connection closed", "conn", connID, "session", sessionID, "role", role)
}

// HandleEvent dispatches one decoded client envelope. The returned error is
// sent back on the same connection as an error envelope.
func (g *Gateway) HandleEvent(ctx context.Context, connID string, env event.Envelope) error {
	switch env.Type {
	case event.TypeAuthenticate:
		return g.handleAuthenticate(ctx, connID, env)
	case event.TypeJoinSession:
		return g.handleJoin(connID, env)
	case event.TypeStartBroadcast:
		return g.handleStartBroadcast(connID, env)
	case event.TypeAudioChunk:
		return g.handleAudioChunk(connID, env)
	case event.TypeStopBroadcast:
		return g.handleStopBroadcast(connID, env)
	case event.TypeLeaveSession:
		return g.handleLeave(connID, env)
	default:
		return event.E(event.CodeValidation, "unknown event type %q", env.Type)
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, connID string, env event.Envelope) error {
	var p event.Authenticate
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}

	identity, err := g.cfg.Verifier.Verify(ctx, p.Credential)
	if err != nil {
		return event.E(event.CodeAuthorization, "credential rejected: %s", err)
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	if ok {
		c.authenticated = true
		c.identity = identity
	}
	g.mu.Unlock()
	if !ok {
		return event.E(event.CodeInternal, "unknown connection")
	}

	g.logger.Info("connection authenticated", "conn", connID, "identity", identity)
	return nil
}

func (g *Gateway) handleJoin(connID string, env event.Envelope) error {
	var p event.JoinSession
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}
	if p.SessionID == "" {
		return event.E(event.CodeValidation, "sessionId is required")
	}
	role := p.Role
	if role == "" {
		role = event.RoleListener
	}
	switch role {
	case event.RoleBroadcaster, event.RoleListener, event.RoleTranslator:
	default:
		return event.E(event.CodeValidation, "unknown role %q", role)
	}

	sess, ok := g.cfg.Registry.Get(p.SessionID)
	if !ok {
		return event.E(event.CodeNotFound, "session %s not found", p.SessionID)
	}
	snap := sess.Snapshot()
	if snap.Status == session.StatusEnded {
		return event.E(event.CodeSessionEnded, "session %s has ended", p.SessionID)
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	if !ok {
		g.mu.Unlock()
		return event.E(event.CodeInternal, "unknown connection")
	}
	if role == event.RoleBroadcaster && (!c.authenticated || c.identity != snap.OwnerID) {
		g.mu.Unlock()
		return event.E(event.CodeAuthorization, "broadcaster role requires the session owner identity")
	}
	g.mu.Unlock()

	// A broadcaster joining on a fresh connection is a reconnect attempt.
	// The registry only honors it while a grace window is pending; a live
	// binding on another connection stays untouched.
	if role == event.RoleBroadcaster && snap.BroadcasterConn != connID && snap.Status == session.StatusLive {
		if err := g.cfg.Registry.RecordBroadcasterReconnect(p.SessionID, connID); err != nil {
			switch {
			case errors.Is(err, session.ErrReconnectWindowExpired):
				return event.E(event.CodeTimeout, "reconnect window expired for session %s", p.SessionID)
			case errors.Is(err, session.ErrConcurrencyConflict):
				return event.E(event.CodeConflict, "session %s already has a live broadcaster", p.SessionID)
			default:
				return event.E(event.CodeInternal, "%s", err)
			}
		}
		g.stripBroadcasterRole(p.SessionID, snap.BroadcasterConn)
	}

	count, already, prev := g.addMember(c, p.SessionID, p.DeviceID, role)
	g.announceDeparture(prev)
	if !already {
		g.Broadcast(p.SessionID, event.MustMake(event.TypeParticipantJoined, event.ParticipantJoined{
			SessionID: p.SessionID,
			Count:     count,
		}))
	}

	// Late joiners catch up on everything already resolved, in sequence
	// order, before any live update reaches them.
	for _, update := range g.cfg.Sequencer.Snapshot(p.SessionID, nil) {
		c.out.Send(event.MustMake(event.TypeTranslationUpdate, update))
	}

	g.logger.Info("participant joined", "conn", connID, "session", p.SessionID, "role", role, "count", count)
	return nil
}

// stripBroadcasterRole clears a superseded broadcaster binding so the old
// connection cannot keep pushing audio after a rebind.
func (g *Gateway) stripBroadcasterRole(sessionID, oldConnID string) {
	if oldConnID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	old, ok := g.clients[oldConnID]
	if !ok || old.sessionID != sessionID || old.role != event.RoleBroadcaster {
		return
	}
	old.role = event.RoleListener
}

// departure records what a connection left behind when it switched sessions.
type departure struct {
	sessionID string
	role      string
	count     int
}

// addMember is idempotent per connection and reports the member count. A
// connection still joined to another session is detached from it first; the
// caller announces the departure once the lock is released.
func (g *Gateway) addMember(c *client, sessionID, deviceID, role string) (count int, already bool, prev *departure) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c.sessionID != "" && c.sessionID != sessionID {
		prev = &departure{sessionID: c.sessionID, role: c.role}
		if m := g.members[c.sessionID]; m != nil {
			delete(m, c.id)
			prev.count = len(m)
		}
	}

	m := g.members[sessionID]
	if m == nil {
		m = make(map[string]*client)
		g.members[sessionID] = m
	}
	_, already = m[c.id]
	m[c.id] = c
	c.sessionID = sessionID
	c.role = role
	if deviceID != "" {
		c.deviceID = deviceID
	}
	if !already {
		c.joinedAt = g.clock.Now()
	}
	return len(m), already, prev
}

// announceDeparture fans out the participant_left for a session switch and,
// for a departing broadcaster, arms the reconnect grace window.
func (g *Gateway) announceDeparture(prev *departure) {
	if prev == nil {
		return
	}
	g.Broadcast(prev.sessionID, event.MustMake(event.TypeParticipantLeft, event.ParticipantLeft{
		SessionID: prev.sessionID,
		Count:     prev.count,
	}))
	if prev.role == event.RoleBroadcaster {
		g.cfg.Registry.RecordBroadcasterDisconnect(prev.sessionID)
	}
}

func (g *Gateway) handleStartBroadcast(connID string, env event.Envelope) error {
	var p event.StartBroadcast
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}
	if p.SessionID == "" || p.OwnerID == "" {
		return event.E(event.CodeValidation, "sessionId and ownerId are required")
	}
	if p.Language == "" {
		return event.E(event.CodeValidation, "language is required")
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	if !ok {
		g.mu.Unlock()
		return event.E(event.CodeInternal, "unknown connection")
	}
	if !c.authenticated || c.identity != p.OwnerID {
		g.mu.Unlock()
		return event.E(event.CodeAuthorization, "start_broadcast requires the owner identity")
	}
	g.mu.Unlock()

	sess := g.cfg.Registry.CreateOrGet(p.OwnerID, p.SessionID, p.Language, p.TargetLanguages)
	if err := g.cfg.Registry.TransitionToLive(p.SessionID, connID); err != nil {
		switch {
		case errors.Is(err, session.ErrEnded):
			return event.E(event.CodeSessionEnded, "session %s has ended", p.SessionID)
		case errors.Is(err, session.ErrConcurrencyConflict):
			return event.E(event.CodeConflict, "session %s already has a live broadcaster", p.SessionID)
		default:
			return event.E(event.CodeInternal, "%s", err)
		}
	}
	snap := sess.Snapshot()

	count, already, prev := g.addMember(c, p.SessionID, "", event.RoleBroadcaster)
	g.announceDeparture(prev)
	if !already {
		g.Broadcast(p.SessionID, event.MustMake(event.TypeParticipantJoined, event.ParticipantJoined{
			SessionID: p.SessionID,
			Count:     count,
		}))
	}

	if p.EnableVoiceRecognition {
		if err := g.ensureOrchestrator(p.SessionID, p.Language); err != nil {
			return event.E(event.CodeProvider, "%s", err)
		}
	}

	started := snap.LiveStartedAt
	g.cfg.Archiver.ArchiveSessionStarted(db.SessionRecord{
		ID:              snap.ID,
		OwnerID:         snap.OwnerID,
		SourceLanguage:  snap.SourceLanguage,
		TargetLanguages: snap.TargetLanguages,
		Status:          string(snap.Status),
		CreatedAt:       snap.CreatedAt,
		LiveStartedAt:   &started,
	})

	g.Broadcast(p.SessionID, event.MustMake(event.TypeSessionStarted, event.SessionStarted{
		SessionID: snap.ID,
		OwnerID:   snap.OwnerID,
		Languages: snap.TargetLanguages,
	}))
	return nil
}

// ensureOrchestrator opens the session's speech stream once; a broadcaster
// reconnect reuses the live one.
func (g *Gateway) ensureOrchestrator(sessionID, language string) error {
	g.mu.Lock()
	if _, ok := g.orchestrators[sessionID]; ok {
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()

	chain := stt.OrderProviders(g.cfg.Providers, g.cfg.PreferredProvider)
	o := stt.NewOrchestrator(sessionID, language, chain, stt.OrchestratorConfig{
		MaxPendingChunks: g.cfg.MaxPendingChunks,
		TeardownTimeout:  g.cfg.TeardownTimeout,
		OnExhausted: func() {
			g.cfg.Registry.End(sessionID, event.ReasonProviderExhausted)
		},
	}, g.logger)

	// The stream outlives the start_broadcast request.
	if err := o.Start(context.Background()); err != nil {
		return err
	}

	g.mu.Lock()
	if _, ok := g.orchestrators[sessionID]; ok {
		g.mu.Unlock()
		go o.Stop()
		return nil
	}
	g.orchestrators[sessionID] = o
	g.mu.Unlock()

	go g.consumeResults(sessionID, o)
	return nil
}

// consumeResults drains one orchestrator: interim hypotheses go back to the
// broadcaster for live feedback, finals enter the sequencing pipeline.
func (g *Gateway) consumeResults(sessionID string, o *stt.Orchestrator) {
	for r := range o.Results() {
		g.sendToBroadcaster(sessionID, event.MustMake(event.TypeVoiceTranscription, event.VoiceTranscription{
			Text:       r.Text,
			IsFinal:    r.IsFinal,
			Provider:   r.Provider,
			Confidence: r.Confidence,
		}))

		if !r.IsFinal || r.Text == "" {
			continue
		}
		sess, ok := g.cfg.Registry.Get(sessionID)
		if !ok {
			continue
		}
		snap := sess.Snapshot()
		g.cfg.Sequencer.OnFinalTranscript(context.Background(),
			sessionID, r.Text, snap.SourceLanguage, g.cfg.ContextType,
			r.Provider, r.Confidence, snap.TargetLanguages)
	}
}

func (g *Gateway) sendToBroadcaster(sessionID string, env event.Envelope) {
	sess, ok := g.cfg.Registry.Get(sessionID)
	if !ok {
		return
	}
	connID := sess.Snapshot().BroadcasterConn
	if connID == "" {
		return
	}

	g.mu.Lock()
	c := g.clients[connID]
	g.mu.Unlock()
	if c != nil {
		c.out.Send(env)
	}
}

func (g *Gateway) handleAudioChunk(connID string, env event.Envelope) error {
	var p event.AudioChunk
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	if !ok {
		g.mu.Unlock()
		return event.E(event.CodeInternal, "unknown connection")
	}
	if c.sessionID != p.SessionID || c.role != event.RoleBroadcaster {
		g.mu.Unlock()
		return event.E(event.CodeAuthorization, "audio_chunk requires the session broadcaster")
	}
	limiter := c.limiter
	o := g.orchestrators[p.SessionID]
	g.mu.Unlock()

	if !limiter.Allow() {
		g.logger.Debug("audio chunk rate limited", "conn", connID, "session", p.SessionID)
		return nil
	}
	if o == nil {
		return event.E(event.CodeValidation, "voice recognition is not enabled for session %s", p.SessionID)
	}

	if err := o.SendAudio(p.Bytes); err != nil {
		if errors.Is(err, stt.ErrAllProvidersUnavailable) {
			return event.E(event.CodeProvider, "%s", err)
		}
		return event.E(event.CodeInternal, "%s", err)
	}
	return nil
}

func (g *Gateway) handleStopBroadcast(connID string, env event.Envelope) error {
	var p event.StopBroadcast
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	authorized := ok && c.sessionID == p.SessionID && c.role == event.RoleBroadcaster
	g.mu.Unlock()
	if !authorized {
		return event.E(event.CodeAuthorization, "stop_broadcast requires the session broadcaster")
	}

	g.cfg.Registry.End(p.SessionID, event.ReasonStopped)
	return nil
}

func (g *Gateway) handleLeave(connID string, env event.Envelope) error {
	var p event.LeaveSession
	if err := env.Bind(&p); err != nil {
		return event.E(event.CodeValidation, "%s", err)
	}

	g.mu.Lock()
	c, ok := g.clients[connID]
	if !ok || c.sessionID != p.SessionID {
		g.mu.Unlock()
		return event.E(event.CodeValidation, "connection is not joined to session %s", p.SessionID)
	}
	role := c.role
	c.sessionID = ""
	c.role = ""
	var count int
	if m := g.members[p.SessionID]; m != nil {
		delete(m, connID)
		count = len(m)
	}
	g.mu.Unlock()

	g.Broadcast(p.SessionID, event.MustMake(event.TypeParticipantLeft, event.ParticipantLeft{
		SessionID: p.SessionID,
		Count:     count,
	}))
	if role == event.RoleBroadcaster {
		g.cfg.Registry.RecordBroadcasterDisconnect(p.SessionID)
	}
	return nil
}

// Broadcast fans one envelope out to every connection joined to the session.
// Sends are best-effort; slow consumers drop frames instead of blocking.
func (g *Gateway) Broadcast(sessionID string, env event.Envelope) {
	g.mu.Lock()
	outs := make([]Outbound, 0, len(g.members[sessionID]))
	for _, c := range g.members[sessionID] {
		outs = append(outs, c.out)
	}
	g.mu.Unlock()

	dropped := 0
	for _, out := range outs {
		if !out.Send(env) {
			dropped++
		}
	}
	if dropped > 0 {
		g.logger.Debug("broadcast dropped frames", "session", sessionID, "type", env.Type, "dropped", dropped)
	}
}

// SessionEnded implements session.Notifier: fan the terminal event out, tear
// down the speech stream, and archive the outcome.
func (g *Gateway) SessionEnded(sessionID, reason string) {
	g.Broadcast(sessionID, event.MustMake(event.TypeSessionEnded, event.SessionEnded{
		SessionID: sessionID,
		Reason:    reason,
	}))

	g.mu.Lock()
	o := g.orchestrators[sessionID]
	delete(g.orchestrators, sessionID)
	for _, c := range g.members[sessionID] {
		c.sessionID = ""
		c.role = ""
	}
	delete(g.members, sessionID)
	g.mu.Unlock()

	if o != nil {
		go o.Stop()
	}
	g.cfg.Archiver.ArchiveSessionEnded(sessionID, reason, g.clock.Now())
}

// SessionEvicted implements session.Notifier: the retention window closed,
// drop the in-memory sequencing state.
func (g *Gateway) SessionEvicted(sessionID string) {
	g.cfg.Sequencer.EndSession(sessionID)
}

// ParticipantCount reports how many connections are joined to a session.
func (g *Gateway) ParticipantCount(sessionID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members[sessionID])
}
