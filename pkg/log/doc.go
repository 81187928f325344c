// Package log provides the process-wide structured logger used by every
// other package, built on zerolog. Init selects JSON or console output;
// the With* helpers attach the correlation fields (deployment_id,
// request_id, agent_app_id, phase) that let every log line from a single
// deployment's lifecycle be grepped back together.
package log
