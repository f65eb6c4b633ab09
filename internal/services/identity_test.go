package services

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStableConversationID_KnownValues(t *testing.T) {
	cases := []struct {
		platform string
		owner    uint
		other    string
		want     string
	}{
		{"facebook", 1, "A", "be82ea19e29b18b0"},
		{"instagram", 1, "A", "aa0f91914321552f"},
		{"instagram", 42, "1789", "149c030f10358c58"},
	}
	for _, tc := range cases {
		t.Run(tc.platform+"_"+tc.other, func(t *testing.T) {
			assert.Equal(t, tc.want, StableConversationID(tc.platform, tc.owner, tc.other))
		})
	}
}

func TestStableConversationID_DeterministicAndScoped(t *testing.T) {
	hex16 := regexp.MustCompile(`^[0-9a-f]{16}$`)
	a := StableConversationID("facebook", 1, "A")
	assert.Equal(t, a, StableConversationID("facebook", 1, "A"))
	assert.Regexp(t, hex16, a)

	assert.NotEqual(t, a, StableConversationID("instagram", 1, "A"))
	assert.NotEqual(t, a, StableConversationID("facebook", 2, "A"))
	assert.NotEqual(t, a, StableConversationID("facebook", 1, "B"))
}
