// Package agent describes the analysis layers of the hierarchy: their immutable
// profiles, the adjacency policy that decides who may dispatch to whom, the
// analysis document every layer produces and the analyzers that produce it.
package agent
