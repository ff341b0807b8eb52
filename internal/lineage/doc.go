// Package lineage maintains the artifact derivation DAG.
//
// An edge (child, parent) records that child was derived from parent.
// Edges are validated before they are written:
//   - no self-edges
//   - both endpoints must already exist (no forward references)
//   - no edge may close a cycle
//
// Validation runs against a Graph, which the durable store implements both
// on its connection and inside a transaction, so edges recorded during an
// artifact commit are checked and written atomically with the artifacts.
package lineage
