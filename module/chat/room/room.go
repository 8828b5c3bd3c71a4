// Package room turns the textual room taxonomy (`order_42`, `dm_5_9`, ...)
// into one typed value produced by a single total parser, so the
// authorization switch over room kinds stays machine-checkably exhaustive
// and no second ad hoc parser can drift from it.
package room

import (
	"errors"
	"strconv"
	"strings"
)

type Kind int

const (
	KindOrder Kind = iota
	KindProject
	KindSupport
	KindUser
	KindDM
	KindQuote
)

var (
	ErrInvalidType   = errors.New("invalid room type")
	ErrInvalidFormat = errors.New("invalid room format")
)

// Room is the parsed target of a room identifier.
//
//   - Order/Project/Quote: ID is the owning entity id
//   - Support/User: ID is the user id the channel belongs to
//   - DM: A and B are the two participants (ID unused)
type Room struct {
	Kind Kind
	ID   int64
	A    int64
	B    int64
}

// Parse is total: every input either yields a Room or one of the two
// sentinel errors. Unknown types must never fall through to an allow.
func Parse(s string) (Room, error) {
	parts := strings.Split(s, "_")
	if len(parts) < 2 {
		return Room{}, ErrInvalidFormat
	}
	switch parts[0] {
	case "order", "project", "support", "user", "quote":
		if len(parts) != 2 {
			return Room{}, ErrInvalidFormat
		}
		id, err := parseID(parts[1])
		if err != nil {
			return Room{}, ErrInvalidFormat
		}
		return Room{Kind: kindOf(parts[0]), ID: id}, nil
	case "dm":
		if len(parts) != 3 {
			return Room{}, ErrInvalidFormat
		}
		a, err := parseID(parts[1])
		if err != nil {
			return Room{}, ErrInvalidFormat
		}
		b, err := parseID(parts[2])
		if err != nil {
			return Room{}, ErrInvalidFormat
		}
		return Room{Kind: KindDM, A: a, B: b}, nil
	default:
		return Room{}, ErrInvalidType
	}
}

func kindOf(t string) Kind {
	switch t {
	case "order":
		return KindOrder
	case "project":
		return KindProject
	case "support":
		return KindSupport
	case "user":
		return KindUser
	case "quote":
		return KindQuote
	}
	// unreachable: callers only pass the literals above
	return KindOrder
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidFormat
	}
	return id, nil
}

// String re-emits the canonical identifier; Parse(r.String()) == r.
func (r Room) String() string {
	switch r.Kind {
	case KindOrder:
		return "order_" + strconv.FormatInt(r.ID, 10)
	case KindProject:
		return "project_" + strconv.FormatInt(r.ID, 10)
	case KindSupport:
		return "support_" + strconv.FormatInt(r.ID, 10)
	case KindUser:
		return "user_" + strconv.FormatInt(r.ID, 10)
	case KindQuote:
		return "quote_" + strconv.FormatInt(r.ID, 10)
	case KindDM:
		return "dm_" + strconv.FormatInt(r.A, 10) + "_" + strconv.FormatInt(r.B, 10)
	}
	return ""
}

// Order builds an order room id without going through text.
func Order(id int64) Room { return Room{Kind: KindOrder, ID: id} }

func Quote(id int64) Room    { return Room{Kind: KindQuote, ID: id} }
func Support(uid int64) Room { return Room{Kind: KindSupport, ID: uid} }
func User(uid int64) Room    { return Room{Kind: KindUser, ID: uid} }
func DM(a, b int64) Room     { return Room{Kind: KindDM, A: a, B: b} }

// HasParticipant reports whether uid is a named DM participant.
func (r Room) HasParticipant(uid int64) bool {
	return r.Kind == KindDM && (r.A == uid || r.B == uid)
}
