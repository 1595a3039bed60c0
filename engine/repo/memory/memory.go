// Package memory provides in-memory implementations of every engine/repo
// interface, suitable for tests, demos, and single-node deployments.
//
// Grounded on registry/store/memory's single sync.RWMutex-guarded map
// pattern, replicated here per entity.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"goa.design/goa-ai/engine/repo"
)

// Agents is an in-memory repo.Agents.
type Agents struct {
	mu     sync.RWMutex
	agents map[string]repo.Agent
}

// NewAgents returns an empty in-memory agent store.
func NewAgents() *Agents { return &Agents{agents: make(map[string]repo.Agent)} }

// Put inserts or replaces an agent record.
func (a *Agents) Put(agent repo.Agent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.agents[agent.ID] = agent
}

// Get implements repo.Agents.
func (a *Agents) Get(ctx context.Context, agentID string) (repo.Agent, error) {
	if err := ctx.Err(); err != nil {
		return repo.Agent{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	ag, ok := a.agents[agentID]
	if !ok {
		return repo.Agent{}, repo.ErrNotFound
	}
	return ag, nil
}

// Guidelines is an in-memory repo.Guidelines.
type Guidelines struct {
	mu         sync.RWMutex
	byID       map[string]repo.Guideline
	byAgent    map[string][]string
}

// NewGuidelines returns an empty in-memory guideline store.
func NewGuidelines() *Guidelines {
	return &Guidelines{byID: make(map[string]repo.Guideline), byAgent: make(map[string][]string)}
}

// Put inserts or replaces a guideline, associating it with agentID.
func (g *Guidelines) Put(agentID string, guideline repo.Guideline) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byID[guideline.ID]; !exists {
		g.byAgent[agentID] = append(g.byAgent[agentID], guideline.ID)
	}
	g.byID[guideline.ID] = guideline
}

// ListByAgent implements repo.Guidelines.
func (g *Guidelines) ListByAgent(ctx context.Context, agentID string) ([]repo.Guideline, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := g.byAgent[agentID]
	out := make([]repo.Guideline, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.byID[id])
	}
	return out, nil
}

// Get implements repo.Guidelines.
func (g *Guidelines) Get(ctx context.Context, guidelineID string) (repo.Guideline, error) {
	if err := ctx.Err(); err != nil {
		return repo.Guideline{}, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	gl, ok := g.byID[guidelineID]
	if !ok {
		return repo.Guideline{}, repo.ErrNotFound
	}
	return gl, nil
}

// Connections is an in-memory repo.GuidelineConnections.
type Connections struct {
	mu          sync.RWMutex
	bySource    map[string][]repo.GuidelineConnection
}

// NewConnections returns an empty in-memory connection store.
func NewConnections() *Connections {
	return &Connections{bySource: make(map[string][]repo.GuidelineConnection)}
}

// Put inserts a connection edge.
func (c *Connections) Put(conn repo.GuidelineConnection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bySource[conn.SourceID] = append(c.bySource[conn.SourceID], conn)
}

// OutgoingFrom implements repo.GuidelineConnections.
func (c *Connections) OutgoingFrom(ctx context.Context, guidelineID string) ([]repo.GuidelineConnection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]repo.GuidelineConnection, len(c.bySource[guidelineID]))
	copy(out, c.bySource[guidelineID])
	return out, nil
}

// Glossary is an in-memory repo.Glossary performing a naive lexical-overlap
// ranking in place of real vector similarity (spec.md §4.2 names vector
// similarity as one signal among two; this backend only implements the
// lexical half, sufficient for tests and small demo glossaries).
type Glossary struct {
	mu     sync.RWMutex
	byAgent map[string][]repo.Term
}

// NewGlossary returns an empty in-memory glossary store.
func NewGlossary() *Glossary { return &Glossary{byAgent: make(map[string][]repo.Term)} }

// Put inserts a term for agentID.
func (g *Glossary) Put(agentID string, term repo.Term) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.byAgent[agentID] = append(g.byAgent[agentID], term)
}

// Search implements repo.Glossary via lexical overlap: a term scores 2 for
// each of its name and synonyms contained in the query and 1 for each query
// word contained in its definition; terms scoring 0 are dropped and the rest
// are sorted by score (stable) and truncated to limit.
func (g *Glossary) Search(ctx context.Context, agentID, queryText string, limit int) ([]repo.Term, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	terms := append([]repo.Term(nil), g.byAgent[agentID]...)
	g.mu.RUnlock()

	words := strings.Fields(strings.ToLower(queryText))
	type scored struct {
		term  repo.Term
		score int
	}
	scoredTerms := make([]scored, 0, len(terms))
	for _, t := range terms {
		score := 0
		names := append([]string{t.Name}, t.Synonyms...)
		lowerQuery := strings.ToLower(queryText)
		for _, n := range names {
			if strings.Contains(lowerQuery, strings.ToLower(n)) {
				score += 2
			}
		}
		for _, w := range words {
			if strings.Contains(strings.ToLower(t.Definition), w) {
				score++
			}
		}
		if score > 0 {
			scoredTerms = append(scoredTerms, scored{t, score})
		}
	}
	sort.SliceStable(scoredTerms, func(i, j int) bool { return scoredTerms[i].score > scoredTerms[j].score })
	if limit <= 0 || limit > len(scoredTerms) {
		limit = len(scoredTerms)
	}
	out := make([]repo.Term, limit)
	for i := 0; i < limit; i++ {
		out[i] = scoredTerms[i].term
	}
	return out, nil
}

// ByExactName implements repo.Glossary.
func (g *Glossary) ByExactName(ctx context.Context, agentID string, names []string) ([]repo.Term, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		want[strings.ToLower(n)] = struct{}{}
	}
	var out []repo.Term
	for _, t := range g.byAgent[agentID] {
		if _, ok := want[strings.ToLower(t.Name)]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ContextVariables is an in-memory repo.ContextVariables.
type ContextVariables struct {
	mu    sync.RWMutex
	store map[string]repo.ContextVariable
}

// NewContextVariables returns an empty in-memory context variable store.
func NewContextVariables() *ContextVariables {
	return &ContextVariables{store: make(map[string]repo.ContextVariable)}
}

func cvKey(agentID, customerID, name string) string {
	return agentID + "\x00" + customerID + "\x00" + name
}

// ListForSession implements repo.ContextVariables, returning customer-scoped
// and global-scoped variables visible to agentID/customerID.
func (c *ContextVariables) ListForSession(ctx context.Context, agentID, customerID string) ([]repo.ContextVariable, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	prefix := agentID + "\x00"
	var out []repo.ContextVariable
	for k, v := range c.store {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if v.Scope == repo.ScopeGlobal || strings.HasPrefix(k, cvKey(agentID, customerID, "")) {
			out = append(out, v)
		}
	}
	return out, nil
}

// Get implements repo.ContextVariables.
func (c *ContextVariables) Get(ctx context.Context, agentID, customerID, name string) (repo.ContextVariable, error) {
	if err := ctx.Err(); err != nil {
		return repo.ContextVariable{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[cvKey(agentID, customerID, name)]
	if !ok {
		return repo.ContextVariable{}, repo.ErrNotFound
	}
	return v, nil
}

// Set implements repo.ContextVariables.
func (c *ContextVariables) Set(ctx context.Context, agentID, customerID string, v repo.ContextVariable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[cvKey(agentID, customerID, v.Name)] = v
	return nil
}
