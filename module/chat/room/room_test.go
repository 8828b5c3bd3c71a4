package room

import (
	"errors"
	"testing"
)

func TestParseKnownTypes(t *testing.T) {
	cases := []struct {
		in   string
		want Room
	}{
		{"order_42", Order(42)},
		{"project_7", Room{Kind: KindProject, ID: 7}},
		{"support_5", Support(5)},
		{"user_5", User(5)},
		{"quote_99", Quote(99)},
		{"dm_5_9", DM(5, 9)},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
		if got.String() != c.in {
			t.Errorf("Parse(%q).String() = %q, want round-trip", c.in, got.String())
		}
	}
}

func TestParseRejectsUnknownType(t *testing.T) {
	for _, in := range []string{"group_1", "admin_1", "orders_1", "x_1", "dmx_1_2"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidType) {
			t.Errorf("Parse(%q) err = %v, want ErrInvalidType", in, err)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	malformed := []string{
		"", "order", "order_", "order_abc", "order_-1", "order_0",
		"order_1_2", "dm_5", "dm_5_", "dm__9", "dm_5_9_3", "dm_a_b",
		"support_x", "user_",
	}
	for _, in := range malformed {
		_, err := Parse(in)
		if err == nil {
			t.Errorf("Parse(%q) succeeded, want error", in)
			continue
		}
		if !errors.Is(err, ErrInvalidFormat) && !errors.Is(err, ErrInvalidType) {
			t.Errorf("Parse(%q) err = %v, want a parse sentinel", in, err)
		}
	}
}

func TestDMParticipants(t *testing.T) {
	r := DM(5, 9)
	if !r.HasParticipant(5) || !r.HasParticipant(9) {
		t.Error("both named participants must match")
	}
	if r.HasParticipant(7) {
		t.Error("user 7 is not a participant of dm_5_9")
	}
}
