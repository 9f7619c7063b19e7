// Package sfuerr collects the sentinel errors that the core components
// return, so callers can use errors.Is instead of matching on strings.
package sfuerr

import "errors"

var (
	// ErrNoSuchTrack is returned when a TrackID does not resolve to a
	// registered PublishedTrack.
	ErrNoSuchTrack = errors.New("sfu: no such track")
	// ErrNoSuchSubscriber is returned when a SessionID is not known to
	// the component being queried.
	ErrNoSuchSubscriber = errors.New("sfu: no such subscriber")
	// ErrDuplicateTrack is returned when a publisher re-registers an
	// identical track descriptor.
	ErrDuplicateTrack = errors.New("sfu: track already registered")
	// ErrAlreadySubscribed is returned when a subscriber subscribes to a
	// track it already has an edge for.
	ErrAlreadySubscribed = errors.New("sfu: already subscribed")
	// ErrQuotaExceeded is returned by admission and subscription limits.
	ErrQuotaExceeded = errors.New("sfu: quota exceeded")
	// ErrMalformedPacket is returned when an ingress packet fails to parse.
	ErrMalformedPacket = errors.New("sfu: malformed packet")
	// ErrEgressTimeout is returned when an egress send exceeds its deadline.
	ErrEgressTimeout = errors.New("sfu: egress send timed out")
	// ErrEgressFailure is returned when an egress send fails outright.
	ErrEgressFailure = errors.New("sfu: egress send failed")
	// ErrPoolExhausted is returned when the packet pool has no free buffers.
	ErrPoolExhausted = errors.New("sfu: packet pool exhausted")
)
