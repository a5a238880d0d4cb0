package types

import (
	"fmt"
	"strconv"
)

// Tag labels one of several logical channels between the same pair of ranks
type Tag string

// AnyTag is the default tag. It renders as the wildcard marker in session ids.
const AnyTag Tag = ""

// WildcardMarker stands in for an unset tag in a session id
const WildcardMarker = "*"

// String returns the tag, or the wildcard marker when unset
func (t Tag) String() string {
	if t == AnyTag {
		return WildcardMarker
	}
	return string(t)
}

// ChannelKey identifies a directed channel. It is comparable and used as a
// map key as-is.
type ChannelKey struct {
	Source int
	Target int
	Tag    Tag
}

// NewChannelKey builds and validates a channel key
func NewChannelKey(source, target int, tag Tag) (ChannelKey, error) {
	key := ChannelKey{Source: source, Target: target, Tag: tag}
	if err := key.Validate(); err != nil {
		return ChannelKey{}, err
	}
	return key, nil
}

// Validate rejects channels that loop back to their own rank
func (k ChannelKey) Validate() error {
	if k.Source == k.Target {
		return NewError(ErrCodeInvalidChannel,
			fmt.Sprintf("source and target must be different, both are %d", k.Source))
	}
	return nil
}

// SessionID returns the canonical "{source}=>{target}:{tag}" form, which is
// also the bus session id of the channel.
func (k ChannelKey) SessionID() string {
	return strconv.Itoa(k.Source) + "=>" + strconv.Itoa(k.Target) + ":" + k.Tag.String()
}

// String implements fmt.Stringer
func (k ChannelKey) String() string {
	return k.SessionID()
}

// Reverse returns the key of the opposite direction
func (k ChannelKey) Reverse() ChannelKey {
	return ChannelKey{Source: k.Target, Target: k.Source, Tag: k.Tag}
}
