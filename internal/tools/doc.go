// Package tools implements the built-in executors: bash, read, write,
// and edit. Each implements pkg/tools.Tool and is scoped to a working
// directory at construction.
//
// Output that the model sees is capped by line and byte limits; bash
// spills the full output to a temp file when it exceeds them. Structured
// data for hosts (diffs, truncation descriptors) travels in Result.Details
// and is never sent to the model.
package tools
