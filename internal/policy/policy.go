// Package policy implements the AgentMesh declarative policy engine.
//
// Policies are named, ordered rule lists loaded from YAML or JSON documents.
// Each rule carries a condition in a minimal boolean expression language that
// is compiled to an AST at load time; evaluation never touches a source
// interpreter, which keeps it sandboxed and deterministic.
//
// The engine itself is copy-on-write: Load compiles and publishes a new
// immutable snapshot, Evaluate reads whichever snapshot is current. A
// sliding-window rate limiter keyed by (rule, agent DID) turns over-limit
// matches into deny decisions with a reset timestamp.
package policy
