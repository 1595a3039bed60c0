// Package mongo provides MongoDB-backed implementations of every
// engine/repo interface.
//
// Grounded on registry/store/mongo.Store (one collection, bson document
// structs mirroring the domain type, ReplaceOne-with-upsert for writes,
// ErrNoDocuments translated to the package's not-found sentinel), using
// go.mongodb.org/mongo-driver/v2 per the module's declared direct
// dependency.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/goa-ai/engine/repo"
)

// Agents is a MongoDB-backed repo.Agents.
type Agents struct{ collection *mongodriver.Collection }

type agentDoc struct {
	ID            string `bson:"_id"`
	Description   string `bson:"description"`
	MaxIterations int    `bson:"max_iterations"`
}

// NewAgents constructs a MongoDB-backed Agents repository.
func NewAgents(collection *mongodriver.Collection) *Agents { return &Agents{collection} }

// Get implements repo.Agents.
func (a *Agents) Get(ctx context.Context, agentID string) (repo.Agent, error) {
	var doc agentDoc
	err := a.collection.FindOne(ctx, bson.M{"_id": agentID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return repo.Agent{}, repo.ErrNotFound
	}
	if err != nil {
		return repo.Agent{}, fmt.Errorf("mongo get agent %q: %w", agentID, err)
	}
	return repo.Agent{ID: doc.ID, Description: doc.Description, MaxIterations: doc.MaxIterations}, nil
}

// Guidelines is a MongoDB-backed repo.Guidelines.
type Guidelines struct{ collection *mongodriver.Collection }

type guidelineDoc struct {
	ID        string   `bson:"_id"`
	AgentID   string   `bson:"agent_id"`
	Condition string   `bson:"condition"`
	Action    string   `bson:"action"`
	ToolIDs   []string `bson:"tool_ids,omitempty"`
}

// NewGuidelines constructs a MongoDB-backed Guidelines repository.
func NewGuidelines(collection *mongodriver.Collection) *Guidelines { return &Guidelines{collection} }

// ListByAgent implements repo.Guidelines.
func (g *Guidelines) ListByAgent(ctx context.Context, agentID string) ([]repo.Guideline, error) {
	cursor, err := g.collection.Find(ctx, bson.M{"agent_id": agentID})
	if err != nil {
		return nil, fmt.Errorf("mongo list guidelines for agent %q: %w", agentID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []guidelineDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode guidelines for agent %q: %w", agentID, err)
	}
	out := make([]repo.Guideline, len(docs))
	for i, d := range docs {
		out[i] = repo.Guideline{ID: d.ID, Condition: d.Condition, Action: d.Action, ToolIDs: d.ToolIDs}
	}
	return out, nil
}

// Get implements repo.Guidelines.
func (g *Guidelines) Get(ctx context.Context, guidelineID string) (repo.Guideline, error) {
	var d guidelineDoc
	err := g.collection.FindOne(ctx, bson.M{"_id": guidelineID}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return repo.Guideline{}, repo.ErrNotFound
	}
	if err != nil {
		return repo.Guideline{}, fmt.Errorf("mongo get guideline %q: %w", guidelineID, err)
	}
	return repo.Guideline{ID: d.ID, Condition: d.Condition, Action: d.Action, ToolIDs: d.ToolIDs}, nil
}

// Connections is a MongoDB-backed repo.GuidelineConnections.
type Connections struct{ collection *mongodriver.Collection }

type connectionDoc struct {
	SourceID string `bson:"source_id"`
	TargetID string `bson:"target_id"`
	Kind     string `bson:"kind"`
}

// NewConnections constructs a MongoDB-backed GuidelineConnections repository.
func NewConnections(collection *mongodriver.Collection) *Connections { return &Connections{collection} }

// OutgoingFrom implements repo.GuidelineConnections.
func (c *Connections) OutgoingFrom(ctx context.Context, guidelineID string) ([]repo.GuidelineConnection, error) {
	cursor, err := c.collection.Find(ctx, bson.M{"source_id": guidelineID})
	if err != nil {
		return nil, fmt.Errorf("mongo list connections from %q: %w", guidelineID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []connectionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode connections from %q: %w", guidelineID, err)
	}
	out := make([]repo.GuidelineConnection, len(docs))
	for i, d := range docs {
		out[i] = repo.GuidelineConnection{SourceID: d.SourceID, TargetID: d.TargetID, Kind: repo.ConnectionKind(d.Kind)}
	}
	return out, nil
}

// Glossary is a MongoDB-backed repo.Glossary. It matches spec.md §4.2's
// lexical-name half via a case-insensitive regex filter on name/synonyms;
// the vector-similarity half is not implemented by this backend.
type Glossary struct{ collection *mongodriver.Collection }

type termDoc struct {
	AgentID    string   `bson:"agent_id"`
	Name       string   `bson:"name"`
	Synonyms   []string `bson:"synonyms,omitempty"`
	Definition string   `bson:"definition"`
}

// NewGlossary constructs a MongoDB-backed Glossary repository.
func NewGlossary(collection *mongodriver.Collection) *Glossary { return &Glossary{collection} }

// Search implements repo.Glossary via a case-insensitive substring match of
// queryText's words against name/synonyms/definition, capped at limit.
func (g *Glossary) Search(ctx context.Context, agentID, queryText string, limit int) ([]repo.Term, error) {
	words := strings.Fields(queryText)
	ors := make([]bson.M, 0, len(words))
	for _, w := range words {
		regex := bson.M{"$regex": escapeRegex(w), "$options": "i"}
		ors = append(ors, bson.M{"name": regex}, bson.M{"synonyms": regex}, bson.M{"definition": regex})
	}
	filter := bson.M{"agent_id": agentID}
	if len(ors) > 0 {
		filter["$or"] = ors
	}
	findOpts := options.Find()
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cursor, err := g.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo search glossary for agent %q: %w", agentID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []termDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode glossary for agent %q: %w", agentID, err)
	}
	return toTerms(docs), nil
}

// ByExactName implements repo.Glossary.
func (g *Glossary) ByExactName(ctx context.Context, agentID string, names []string) ([]repo.Term, error) {
	cursor, err := g.collection.Find(ctx, bson.M{"agent_id": agentID, "name": bson.M{"$in": names}})
	if err != nil {
		return nil, fmt.Errorf("mongo glossary by name for agent %q: %w", agentID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []termDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode glossary by name for agent %q: %w", agentID, err)
	}
	return toTerms(docs), nil
}

func toTerms(docs []termDoc) []repo.Term {
	out := make([]repo.Term, len(docs))
	for i, d := range docs {
		out[i] = repo.Term{Name: d.Name, Synonyms: d.Synonyms, Definition: d.Definition}
	}
	return out
}

// ContextVariables is a MongoDB-backed repo.ContextVariables.
type ContextVariables struct{ collection *mongodriver.Collection }

type contextVarDoc struct {
	ID            string `bson:"_id"`
	AgentID       string `bson:"agent_id"`
	CustomerID    string `bson:"customer_id,omitempty"`
	Name          string `bson:"name"`
	Value         any    `bson:"value"`
	Scope         string `bson:"scope"`
	MaxAgeSeconds int64  `bson:"max_age_seconds,omitempty"`
	RefreshToolID string `bson:"refresh_tool_id,omitempty"`
}

// NewContextVariables constructs a MongoDB-backed ContextVariables repository.
func NewContextVariables(collection *mongodriver.Collection) *ContextVariables {
	return &ContextVariables{collection}
}

func contextVarID(agentID, customerID, name string) string {
	return agentID + ":" + customerID + ":" + name
}

// ListForSession implements repo.ContextVariables.
func (c *ContextVariables) ListForSession(ctx context.Context, agentID, customerID string) ([]repo.ContextVariable, error) {
	filter := bson.M{
		"agent_id": agentID,
		"$or": []bson.M{
			{"scope": string(repo.ScopeGlobal)},
			{"customer_id": customerID},
		},
	}
	cursor, err := c.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongo list context variables for agent %q: %w", agentID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []contextVarDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode context variables for agent %q: %w", agentID, err)
	}
	out := make([]repo.ContextVariable, len(docs))
	for i, d := range docs {
		out[i] = fromContextVarDoc(d)
	}
	return out, nil
}

// Get implements repo.ContextVariables.
func (c *ContextVariables) Get(ctx context.Context, agentID, customerID, name string) (repo.ContextVariable, error) {
	var d contextVarDoc
	err := c.collection.FindOne(ctx, bson.M{"_id": contextVarID(agentID, customerID, name)}).Decode(&d)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return repo.ContextVariable{}, repo.ErrNotFound
	}
	if err != nil {
		return repo.ContextVariable{}, fmt.Errorf("mongo get context variable %q: %w", name, err)
	}
	return fromContextVarDoc(d), nil
}

// Set implements repo.ContextVariables.
func (c *ContextVariables) Set(ctx context.Context, agentID, customerID string, v repo.ContextVariable) error {
	doc := contextVarDoc{
		ID:            contextVarID(agentID, customerID, v.Name),
		AgentID:       agentID,
		CustomerID:    customerID,
		Name:          v.Name,
		Value:         v.Value,
		Scope:         string(v.Scope),
		MaxAgeSeconds: v.Rule.MaxAgeSeconds,
		RefreshToolID: v.Rule.RefreshToolID,
	}
	_, err := c.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongo set context variable %q: %w", v.Name, err)
	}
	return nil
}

func fromContextVarDoc(d contextVarDoc) repo.ContextVariable {
	return repo.ContextVariable{
		Name:  d.Name,
		Value: d.Value,
		Scope: repo.VariableScope(d.Scope),
		Rule:  repo.FreshnessRule{MaxAgeSeconds: d.MaxAgeSeconds, RefreshToolID: d.RefreshToolID},
	}
}

func escapeRegex(s string) string {
	special := []string{"\\", ".", "+", "*", "?", "^", "$", "(", ")", "[", "]", "{", "}", "|"}
	result := s
	for _, ch := range special {
		result = strings.ReplaceAll(result, ch, "\\"+ch)
	}
	return result
}
