// Package repo defines the read-mostly domain repositories the engine draws
// on each turn: Agents, Guidelines, GuidelineConnections, Glossary terms,
// and ContextVariables (spec.md §3 DATA MODEL). Tools are served by
// engine/tool.Registry, not by a repository here. Every repository is a
// lookup surface except ContextVariables, whose Set writes a variable;
// nothing in this package mutates a Guideline, Connection, or Term.
//
// Grounded on registry/store's Store interface shape (interface in its own
// file, ErrNotFound sentinel, memory/mongo/replicated backends under
// subpackages) generalized from a single Toolset entity to the five entities
// the engine needs.
package repo

import (
	"context"
	"errors"
)

// ErrNotFound is returned by any repository when the requested id does not
// exist.
var ErrNotFound = errors.New("repo: not found")

type (
	// Agent is the read-only persona/config record a session belongs to
	// (spec.md §3).
	Agent struct {
		ID            string
		Description   string
		MaxIterations int
	}

	// Guideline is a condition/action pair a turn may activate (spec.md
	// §3). ToolIDs names the tools this guideline may require.
	Guideline struct {
		ID      string
		Condition string
		Action    string
		ToolIDs   []string
	}

	// ConnectionKind enumerates GuidelineConnection.Kind values. Entails is
	// the only kind spec.md names.
	ConnectionKind string

	// GuidelineConnection is a directed "entails" edge: when Source is
	// active, Target's condition should be (re-)evaluated (spec.md §4.3
	// step 5, "connection closure").
	GuidelineConnection struct {
		SourceID string
		TargetID string
		Kind     ConnectionKind
	}

	// Term is a glossary entry (spec.md §3, §4.2).
	Term struct {
		Name       string
		Synonyms   []string
		Definition string
	}

	// VariableScope enumerates ContextVariable.Scope values.
	VariableScope string

	// FreshnessRule describes how stale a ContextVariable's Value may get
	// before a tool-triggered refresh is due. MaxAge of zero means the
	// variable never expires on its own and is only refreshed by an
	// explicit tool control hint (engine/tool.ControlHint).
	FreshnessRule struct {
		MaxAgeSeconds  int64
		RefreshToolID  string
	}

	// ContextVariable is a named, scoped value available to every stage
	// (spec.md §3). Values may be refreshed via tools.
	ContextVariable struct {
		Name     string
		Value    any
		Scope    VariableScope
		Rule     FreshnessRule
	}
)

const (
	ConnectionEntails ConnectionKind = "entails"

	ScopeCustomer VariableScope = "customer"
	ScopeTag      VariableScope = "tag"
	ScopeGlobal   VariableScope = "global"
)

type (
	// Agents resolves agent records by id.
	Agents interface {
		Get(ctx context.Context, agentID string) (Agent, error)
	}

	// Guidelines resolves the full guideline set belonging to an agent.
	Guidelines interface {
		ListByAgent(ctx context.Context, agentID string) ([]Guideline, error)
		Get(ctx context.Context, guidelineID string) (Guideline, error)
	}

	// GuidelineConnections resolves the entailment graph for connection
	// closure (spec.md §4.3 step 5).
	GuidelineConnections interface {
		// OutgoingFrom returns every connection whose SourceID equals
		// guidelineID.
		OutgoingFrom(ctx context.Context, guidelineID string) ([]GuidelineConnection, error)
	}

	// Glossary resolves candidate terms for the Glossary Retriever
	// (spec.md §4.2). Search performs the bounded vector-similarity +
	// lexical match; ByExactName resolves the "always include" rule for
	// terms named verbatim in an active guideline's condition or action.
	Glossary interface {
		Search(ctx context.Context, agentID, queryText string, limit int) ([]Term, error)
		ByExactName(ctx context.Context, agentID string, names []string) ([]Term, error)
	}

	// ContextVariables resolves scoped variables for a session/customer
	// and supports the refresh path tool control hints trigger.
	ContextVariables interface {
		ListForSession(ctx context.Context, agentID, customerID string) ([]ContextVariable, error)
		Get(ctx context.Context, agentID, customerID, name string) (ContextVariable, error)
		// Set stores a refreshed value, used when a tool's ControlHint
		// requests RefreshContextVars (engine/tool.ControlHint).
		Set(ctx context.Context, agentID, customerID string, v ContextVariable) error
	}
)
