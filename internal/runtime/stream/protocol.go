// Package stream implements the streaming multiplexing protocol: one logical
// stream becomes a sequence of messages on suffix-derived channels, with
// server-side session bookkeeping, cancellation, and upload coordination.
package stream

import "strings"

// Channel suffixes. The exact set used depends on the stream kind: downloads
// and invoke-streams use data/end/error/cancel; uploads use
// start/data/end/error and have no cancel.
const (
	SuffixStart  = "-start"
	SuffixData   = "-data"
	SuffixEnd    = "-end"
	SuffixError  = "-error"
	SuffixCancel = "-cancel"
)

// MetadataKeyStreamID carries the stream instance id on every stream message.
const MetadataKeyStreamID = "ipcflow_stream_id"

// ErrNotAStream is the fixed failure reported when a stream-producing handler
// does not return a usable producer. No partial data is ever sent.
const ErrNotAStream = "handler did not return a readable stream"

func StartChannel(channel string) string  { return channel + SuffixStart }
func DataChannel(channel string) string   { return channel + SuffixData }
func EndChannel(channel string) string    { return channel + SuffixEnd }
func ErrorChannel(channel string) string  { return channel + SuffixError }
func CancelChannel(channel string) string { return channel + SuffixCancel }

// BaseChannel strips a known stream suffix, returning the logical channel and
// whether a suffix was present.
func BaseChannel(derived string) (string, bool) {
	for _, suffix := range []string{SuffixStart, SuffixData, SuffixEnd, SuffixError, SuffixCancel} {
		if strings.HasSuffix(derived, suffix) {
			return strings.TrimSuffix(derived, suffix), true
		}
	}
	return derived, false
}
