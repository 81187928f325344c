// Package events implements the structured event broker used to carry
// correlation ids through every phase of a deployment. Publish appends a
// JSON line to the configured sink and fans the event out to any in-process
// subscribers (used by the control API's future streaming endpoints).
package events
