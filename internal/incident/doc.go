// Package incident defines the incident record and its children (analysis,
// remediation plan, approval request, execution record), the stage
// transition table, and the Store contract shared by the memstore and
// pgstore backends.
package incident
