// Package dedupe provides a bounded, time-windowed set of fingerprints used
// to avoid enqueueing the same discovered work item twice.
package dedupe
