// Package discovery finds work in a source tree and turns it into task
// requests for the coordinator.
//
// Two sources are scanned: marker comments in source files (TODO, FIXME and
// friends, each mapped to a task category) and unchecked items in markdown
// task lists ("- [ ] build: fix the release script"). Every finding is
// fingerprinted so it is only offered once per dedupe window.
package discovery
