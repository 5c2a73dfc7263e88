package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/theapemachine/awt-go/pkg/graph"
	"github.com/theapemachine/awt-go/pkg/store"
)

/*
Config holds the protocol timings. The defaults match the production
cadence; tests shrink them.
*/
type Config struct {
	ElectionWait      time.Duration
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	PersistDebounce   time.Duration
}

/*
DefaultConfig returns the production timings.
*/
func DefaultConfig() Config {
	return Config{
		ElectionWait:      200 * time.Millisecond,
		HeartbeatInterval: 5 * time.Second,
		LeaderTimeout:     15 * time.Second,
		PersistDebounce:   time.Second,
	}
}

/*
Manager propagates local graph mutations to peers and elects the single
leader that owns persistence. One manager runs per instance ("tab"); the
tab id is an opaque random string whose lexicographic order breaks
election ties.
*/
type Manager struct {
	tabID     string
	graph     *graph.Graph
	transport Transport
	store     *store.Store
	config    Config

	mu             gosync.Mutex
	isLeader       bool
	currentLeader  string
	leaderLastSeen time.Time
	electing       bool
	electionTimer  *time.Timer
	persistTimer   *time.Timer

	stopOnce gosync.Once
	stop     chan struct{}
}

/*
NewManager wires a manager over a graph and a transport. The store may be
nil; a storeless manager can win elections but never persists.
*/
func NewManager(g *graph.Graph, transport Transport, st *store.Store, config Config) *Manager {
	if config.ElectionWait == 0 {
		config = DefaultConfig()
	}

	return &Manager{
		tabID:     uuid.NewString(),
		graph:     g,
		transport: transport,
		store:     st,
		config:    config,
		stop:      make(chan struct{}),
	}
}

// TabID returns this instance's opaque id.
func (m *Manager) TabID() string { return m.tabID }

// IsLeader reports whether this instance currently owns persistence.
func (m *Manager) IsLeader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isLeader
}

// CurrentLeader returns the tab id this instance believes is leader.
func (m *Manager) CurrentLeader() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLeader
}

/*
Start subscribes to graph mutations, begins receiving peer frames, runs
the initial election and requests a full sync once the election settles.
*/
func (m *Manager) Start(ctx context.Context) {
	m.transport.OnMessage(m.handle)
	m.graph.Subscribe(m.onLocalMutation)

	m.startElection()

	// Once the election window has passed, a non-leader pulls the full
	// state from whoever won.
	time.AfterFunc(2*m.config.ElectionWait, func() {
		if !m.IsLeader() {
			m.post(Message{Type: MsgRequestFullSync})
		}
	})

	go m.watchLeader(ctx)
	go m.heartbeatLoop(ctx)
}

/*
Stop gracefully shuts the manager down. A leader broadcasts its release so
peers re-elect immediately.
*/
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		wasLeader := m.isLeader
		m.isLeader = false
		if m.persistTimer != nil {
			m.persistTimer.Stop()
		}
		if m.electionTimer != nil {
			m.electionTimer.Stop()
		}
		m.mu.Unlock()

		if wasLeader {
			m.post(Message{Type: MsgLeaderRelease})
		}
		close(m.stop)
	})
}

func (m *Manager) post(msg Message) {
	msg.TabID = m.tabID
	msg.Timestamp = time.Now()

	if err := m.transport.Post(msg); err != nil {
		// Sync tolerates message loss; the next full sync reconciles.
		log.Debug("sync post failed", "type", msg.Type, "error", err)
	}
}

// --- local mutations ---------------------------------------------------

func (m *Manager) onLocalMutation(event graph.Event) {
	var payload any
	switch {
	case event.Node != nil:
		payload = event.Node
	case event.Edge != nil:
		payload = event.Edge
	case event.Session != nil:
		payload = event.Session
	default:
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		log.Error("failed to marshal sync payload", "kind", event.Kind, "error", err)
		return
	}

	m.post(Message{Type: MessageType(event.Kind), Payload: data})
	m.schedulePersist()
}

// schedulePersist arms the leader's debounced write to the graph store.
func (m *Manager) schedulePersist() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isLeader || m.store == nil {
		return
	}

	if m.persistTimer != nil {
		m.persistTimer.Stop()
	}
	m.persistTimer = time.AfterFunc(m.config.PersistDebounce, func() {
		if err := m.store.SaveGraph(context.Background(), m.graph.ToSnapshot()); err != nil {
			log.Error("leader persist failed", "error", err)
		}
	})
}

// --- receive path ------------------------------------------------------

func (m *Manager) handle(msg Message) {
	// Own-message filter.
	if msg.TabID == m.tabID {
		return
	}
	if msg.TargetTabID != "" && msg.TargetTabID != m.tabID {
		return
	}

	switch msg.Type {
	case MsgNodeAdded, MsgNodeUpdated:
		var node graph.Node
		if err := json.Unmarshal(msg.Payload, &node); err != nil {
			log.Debug("dropping malformed node frame", "error", err)
			return
		}
		m.graph.ApplyRemoteNode(&node, msg.Type == MsgNodeUpdated)
		m.schedulePersist()

	case MsgNodeRemoved:
		var node graph.Node
		if err := json.Unmarshal(msg.Payload, &node); err != nil {
			return
		}
		m.graph.ApplyRemoteNodeRemove(node.ID)
		m.schedulePersist()

	case MsgEdgeAdded:
		var edge graph.Edge
		if err := json.Unmarshal(msg.Payload, &edge); err != nil {
			return
		}
		m.graph.ApplyRemoteEdge(&edge)
		m.schedulePersist()

	case MsgEdgeRemoved:
		var edge graph.Edge
		if err := json.Unmarshal(msg.Payload, &edge); err != nil {
			return
		}
		m.graph.ApplyRemoteEdgeRemove(edge.ID)
		m.schedulePersist()

	case MsgSessionStarted:
		var session graph.Session
		if err := json.Unmarshal(msg.Payload, &session); err != nil {
			return
		}
		m.graph.ApplyRemoteSessionStart(&session)
		m.schedulePersist()

	case MsgSessionEnded:
		var session graph.Session
		if err := json.Unmarshal(msg.Payload, &session); err != nil {
			return
		}
		m.graph.ApplyRemoteSessionEnd(&session)
		m.schedulePersist()

	case MsgRequestFullSync:
		m.handleFullSyncRequest(msg)

	case MsgFullSyncResponse:
		m.handleFullSyncResponse(msg)

	case MsgHeartbeat:
		m.mu.Lock()
		m.currentLeader = msg.TabID
		m.leaderLastSeen = time.Now()
		m.mu.Unlock()

	case MsgLeaderQuery:
		if m.IsLeader() {
			m.post(Message{Type: MsgLeaderAnnounce})
		}

	case MsgLeaderAnnounce:
		m.handleLeaderAnnounce(msg)

	case MsgLeaderClaim:
		m.handleLeaderClaim(msg)

	case MsgLeaderRelease:
		m.handleLeaderRelease(msg)
	}
}

// --- leader election ---------------------------------------------------

func (m *Manager) startElection() {
	m.mu.Lock()
	if m.electing {
		m.mu.Unlock()
		return
	}
	m.electing = true
	m.mu.Unlock()

	m.post(Message{Type: MsgLeaderQuery})

	m.mu.Lock()
	m.electionTimer = time.AfterFunc(m.config.ElectionWait, m.claimLeadership)
	m.mu.Unlock()
}

func (m *Manager) claimLeadership() {
	m.mu.Lock()
	if !m.electing {
		m.mu.Unlock()
		return
	}
	m.electing = false
	m.isLeader = true
	m.currentLeader = m.tabID
	m.mu.Unlock()

	log.Debug("claimed sync leadership", "tabId", m.tabID)
	m.post(Message{Type: MsgLeaderClaim})
}

func (m *Manager) handleLeaderAnnounce(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// An announce during the election window adopts the current leader
	// and cancels our pending claim.
	if m.electing {
		m.electing = false
		if m.electionTimer != nil {
			m.electionTimer.Stop()
		}
	}

	if m.isLeader && msg.TabID != m.tabID {
		// Two leaders surfaced; the lexicographically smaller id wins.
		if msg.TabID < m.tabID {
			m.isLeader = false
		} else {
			return
		}
	}

	m.currentLeader = msg.TabID
	m.leaderLastSeen = time.Now()
}

func (m *Manager) handleLeaderClaim(msg Message) {
	m.mu.Lock()

	if m.isLeader {
		// Tie-break: the smaller tab id keeps the crown.
		if msg.TabID < m.tabID {
			m.isLeader = false
			m.currentLeader = msg.TabID
			m.leaderLastSeen = time.Now()
			m.mu.Unlock()
			log.Debug("yielded sync leadership", "to", msg.TabID)
			return
		}

		m.mu.Unlock()
		// We win; remind the challenger who the leader is.
		m.post(Message{Type: MsgLeaderAnnounce})
		return
	}

	if m.electing {
		// Concede only to a claimant that would win the tie-break;
		// otherwise our own pending claim will displace it.
		if msg.TabID > m.tabID {
			m.mu.Unlock()
			return
		}
		m.electing = false
		if m.electionTimer != nil {
			m.electionTimer.Stop()
		}
	}

	m.currentLeader = msg.TabID
	m.leaderLastSeen = time.Now()
	m.mu.Unlock()
}

func (m *Manager) handleLeaderRelease(msg Message) {
	m.mu.Lock()
	hadIt := m.currentLeader == msg.TabID
	if hadIt {
		m.currentLeader = ""
	}
	m.mu.Unlock()

	if hadIt {
		m.startElection()
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			if m.IsLeader() {
				m.post(Message{Type: MsgHeartbeat})
			}
		}
	}
}

// watchLeader starts a fresh election when the leader goes silent.
func (m *Manager) watchLeader(ctx context.Context) {
	interval := m.config.LeaderTimeout / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := !m.isLeader && !m.electing &&
				!m.leaderLastSeen.IsZero() &&
				time.Since(m.leaderLastSeen) > m.config.LeaderTimeout
			m.mu.Unlock()

			if stale {
				log.Debug("leader went silent, starting election", "tabId", m.tabID)
				m.startElection()
			}
		}
	}
}

// --- full sync ---------------------------------------------------------

func (m *Manager) handleFullSyncRequest(msg Message) {
	if !m.IsLeader() {
		return
	}

	data, err := m.graph.ToJSON()
	if err != nil {
		log.Error("failed to serialize graph for full sync", "error", err)
		return
	}

	m.post(Message{
		Type:        MsgFullSyncResponse,
		TargetTabID: msg.TabID,
		Payload:     data,
	})
}

func (m *Manager) handleFullSyncResponse(msg Message) {
	var snapshot graph.Snapshot
	if err := json.Unmarshal(msg.Payload, &snapshot); err != nil {
		log.Debug("dropping malformed full sync frame", "error", err)
		return
	}

	// Replace only when the incoming state is strictly newer.
	if !snapshot.Stats.LastModified.After(m.graph.Stats().LastModified) {
		return
	}

	m.graph.LoadSnapshot(snapshot)
	log.Debug("applied full sync", "nodes", snapshot.Stats.NodeCount, "from", msg.TabID)
}
