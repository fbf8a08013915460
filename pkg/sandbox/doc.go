// Package sandbox executes model-generated code and shell commands
// under a tiered safety policy.
//
// Tier 1 blocks catastrophic commands outright. Tier 3 allows but
// audit-logs sensitive operations. Tier 4 scans interpreter code
// content on the subprocess path; it is skipped in container mode
// where filesystem isolation is the stronger boundary.
//
// Subprocess runs get their own process group so a timeout can kill
// the whole tree. When Docker is enabled and available, runs happen in
// disposable containers that see only the working directory and the
// read-only uploads directory.
package sandbox
