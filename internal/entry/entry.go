// Package entry defines the value cell stored for every cache key and the
// category/subkey key-splitting rules shared by the database and store
// backends.
package entry

import (
	"strings"

	"github.com/nicos-cache/cachesrv/internal/protocol"
)

// BatchSize is a reply batch size for ask_wc and ask_hist. Nothing in the
// module reads it: the connection handler queues each reply line of those
// queries as a separate send.
const BatchSize = 100

// NoCategory is the reserved category name for keys with no "/".
const NoCategory = "nocat"

// Entry is one value cell: a timestamped value with an optional TTL and a
// denormalized expired flag.
type Entry struct {
	Time    float64
	TTL     float64
	Value   string
	Expired bool
}

// New builds a live (non-expired) entry.
func New(time, ttl float64, value string) Entry {
	return Entry{Time: time, TTL: ttl, Value: value}
}

// Expire returns a copy of e marked as expired.
func (e Entry) Expire() Entry {
	e.Expired = true
	return e
}

// SplitKey splits a key at its last "/" into (category, subkey). Keys with
// no "/" live in the reserved NoCategory.
func SplitKey(key string) (category, subkey string) {
	idx := strings.LastIndexByte(key, '/')
	if idx < 0 {
		return NoCategory, key
	}
	return key[:idx], key[idx+1:]
}

// ConstructKey is the inverse of SplitKey: NoCategory is elided so that
// ConstructKey(SplitKey("foo")) == "foo".
func ConstructKey(category, subkey string) string {
	if category == NoCategory {
		return subkey
	}
	return category + "/" + subkey
}

// ToMessage renders e as the protocol message a query reply or update
// broadcast for key would use, with or without timestamp information.
func (e Entry) ToMessage(key string, withTS bool) protocol.Message {
	if e.Expired {
		if withTS {
			return protocol.Message{Kind: protocol.KindTellOldTS, Key: key, Value: "", Time: e.Time, TTL: e.TTL}
		}
		return protocol.Message{Kind: protocol.KindTellOld, Key: key, Value: ""}
	}
	if withTS {
		return protocol.Message{Kind: protocol.KindTellTS, Key: key, Value: e.Value, Time: e.Time, TTL: e.TTL}
	}
	return protocol.Message{Kind: protocol.KindTell, Key: key, Value: e.Value}
}

// NoMessage is the "missing key" sentinel sent in reply to an Ask for a key
// that has no entry: an expired-value announcement with empty value and
// zero time.
func NoMessage(key string, withTS bool) protocol.Message {
	if withTS {
		return protocol.Message{Kind: protocol.KindTellOldTS, Key: key, Value: "", Time: 0, TTL: 0}
	}
	return protocol.Message{Kind: protocol.KindTellOld, Key: key, Value: ""}
}
