package subscription

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tenzoki/nt4broker/internal/wire"
)

func TestMatchesExact(t *testing.T) {
	s := Subscription{Patterns: []string{"/a", "/b"}}
	assert.True(t, s.Matches("/a"))
	assert.True(t, s.Matches("/b"))
	assert.False(t, s.Matches("/a/b"))
}

func TestMatchesPrefix(t *testing.T) {
	s := Subscription{Patterns: []string{"/sensors/"}, Options: wire.SubscribeOptions{Prefix: true}}
	assert.True(t, s.Matches("/sensors/enc/left"))
	assert.False(t, s.Matches("/other"))
}

func TestMatchesEmptyPrefixMatchesEverything(t *testing.T) {
	s := Subscription{Patterns: []string{""}, Options: wire.SubscribeOptions{Prefix: true}}
	assert.True(t, s.Matches("/anything"))
	assert.True(t, s.Matches(""))
}

func TestPeriodicDefault(t *testing.T) {
	s := Subscription{}
	assert.Equal(t, wire.DefaultPeriodic, s.Periodic())

	s.Options.Periodic = 0.5
	assert.Equal(t, 0.5, s.Periodic())
}

func TestAddPublicationIdempotentAndConflicting(t *testing.T) {
	tbl := NewTable()
	assert.True(t, tbl.AddPublication(1, "/a"))
	assert.True(t, tbl.AddPublication(1, "/a"), "same pubuid, same name is idempotent")
	assert.False(t, tbl.AddPublication(1, "/b"), "same pubuid, different name is rejected")
}

func TestRemovePublication(t *testing.T) {
	tbl := NewTable()
	tbl.AddPublication(1, "/a")

	pub, ok := tbl.RemovePublication(1)
	assert.True(t, ok)
	assert.Equal(t, "/a", pub.TopicName)

	_, ok = tbl.RemovePublication(1)
	assert.False(t, ok)
}

func TestPublicationFor(t *testing.T) {
	tbl := NewTable()
	tbl.AddPublication(1, "/a")
	assert.True(t, tbl.PublicationFor("/a"))
	assert.False(t, tbl.PublicationFor("/b"))
}

func TestMatchingSubscriptionsAndHasAnyMatch(t *testing.T) {
	tbl := NewTable()
	tbl.AddSubscription(&Subscription{SubUID: 1, Patterns: []string{"/a"}})
	tbl.AddSubscription(&Subscription{SubUID: 2, Patterns: []string{"/"}, Options: wire.SubscribeOptions{Prefix: true}})

	matching := tbl.MatchingSubscriptions("/a")
	assert.Len(t, matching, 2)
	assert.True(t, tbl.HasAnyMatch("/a"))
	assert.False(t, tbl.HasAnyMatch("other"))
}

func TestRemoveSubscription(t *testing.T) {
	tbl := NewTable()
	tbl.AddSubscription(&Subscription{SubUID: 1, Patterns: []string{"/a"}})

	assert.True(t, tbl.RemoveSubscription(1))
	assert.False(t, tbl.HasAnyMatch("/a"))
	assert.False(t, tbl.RemoveSubscription(1))
}
