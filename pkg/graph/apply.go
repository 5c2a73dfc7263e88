package graph

// Remote application: sync delivers mutations from peer instances. These
// paths keep every index consistent but emit no events, so an applied
// remote mutation is never rebroadcast.

/*
ApplyRemoteNode upserts a node received from a peer. A missing node is
inserted. For an existing node, newer-wins on metadata.updatedAt: updates
apply on ties, adds do not. Reports whether the incoming record was applied.
*/
func (g *Graph) ApplyRemoteNode(incoming *Node, isUpdate bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.nodes[incoming.ID]
	if ok {
		if incoming.UpdatedAt.Before(existing.UpdatedAt) {
			return false
		}
		if !isUpdate && incoming.UpdatedAt.Equal(existing.UpdatedAt) {
			return false
		}

		// Re-key the content index in case the content changed.
		delete(g.contentIdx, ContentHash(existing.Type, existing.Content))
		delete(g.nodesByType[existing.Type], existing.ID)
	}

	copied := *incoming
	g.indexNode(&copied, ContentHash(copied.Type, copied.Content))
	g.lastModified = g.now()
	return true
}

/*
ApplyRemoteNodeRemove deletes a node and its incident edges. Idempotent.
*/
func (g *Graph) ApplyRemoteNodeRemove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[id]
	if !ok {
		return
	}

	g.removeNodeLocked(node)
	g.lastModified = g.now()
}

/*
ApplyRemoteEdge inserts an edge received from a peer. Edges are add-once:
an existing id or an existing (source, target, type) triple is left alone,
because reinforcement travels on the serialized weight.
*/
func (g *Graph) ApplyRemoteEdge(incoming *Edge) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.edges[incoming.ID]; ok {
		return false
	}
	if g.findEdgeLocked(incoming.SourceID, incoming.TargetID, incoming.Type) != nil {
		return false
	}
	if _, ok := g.nodes[incoming.SourceID]; !ok {
		return false
	}
	if _, ok := g.nodes[incoming.TargetID]; !ok {
		return false
	}

	copied := *incoming
	g.indexEdge(&copied)
	g.lastModified = g.now()
	return true
}

/*
ApplyRemoteEdgeRemove deletes an edge. Idempotent.
*/
func (g *Graph) ApplyRemoteEdgeRemove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	edge, ok := g.edges[id]
	if !ok {
		return
	}

	g.unindexEdge(edge)
	g.lastModified = g.now()
}

/*
ApplyRemoteSessionStart inserts a peer's session if absent. The local
active session is not disturbed: a remote session is active in its own
instance.
*/
func (g *Graph) ApplyRemoteSessionStart(incoming *Session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.sessions[incoming.ID]; ok {
		return false
	}

	copied := *incoming
	if copied.NodeIDs == nil {
		copied.NodeIDs = make(map[string]struct{})
	}
	g.sessions[copied.ID] = &copied
	g.lastModified = g.now()
	return true
}

/*
ApplyRemoteSessionEnd marks an existing session as ended.
*/
func (g *Graph) ApplyRemoteSessionEnd(incoming *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()

	session, ok := g.sessions[incoming.ID]
	if !ok {
		return
	}

	session.EndedAt = incoming.EndedAt
	session.IsActive = false
	if g.activeSession == session.ID {
		g.activeSession = ""
	}
	g.lastModified = g.now()
}
