// Package gateway routes model calls between the remote provider and
// a local Ollama instance.
//
// Routing invariants: audits always go to the remote high-capability
// model so the reviewer never shares the generator's blind spots;
// code generation always goes remote; low-complexity classify/plan
// calls go local when the local model is healthy and RAM allows; once
// daily spend passes the soft fraction of the budget, classify/plan
// prefer local regardless of complexity. Hard daily and monthly caps
// refuse remote calls outright.
package gateway
