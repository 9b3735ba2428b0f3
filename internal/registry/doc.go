// Package registry implements the process-wide Sessions and Connections
// maps (§4.3): id→object tables with collision-retried id allocation, plus
// a secondary (context, portal URI)→Connection index for dial reuse.
package registry
