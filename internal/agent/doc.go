// Package agent runs the conversational loop: stream one assistant turn,
// execute the tool calls it requested, feed the results back, repeat until
// a turn ends without calls.
//
// Run and Continue drive the bare loop and return an event stream. The
// Agent type layers state tracking, steering and follow-up queues,
// listener fan-out, and session persistence on top.
package agent
