package authz

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubscriber struct {
	mu    sync.Mutex
	facts []Fact
}

func (r *recordingSubscriber) Notify(_ context.Context, fact Fact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.facts = append(r.facts, fact)
}

func (r *recordingSubscriber) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.facts)
}

func TestChannelDeliversToSubscribers(t *testing.T) {
	channel := NewChannel(8, slog.Default())
	defer channel.Close()

	first := &recordingSubscriber{}
	second := &recordingSubscriber{}
	channel.Subscribe(first)
	channel.Subscribe(second)

	channel.Publish(context.Background(), RoleAssigned{UserID: "userX", RoleID: "viewer", At: time.Now()})

	require.Eventually(t, func() bool {
		return first.count() == 1 && second.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, FactRoleAssigned, first.facts[0].Kind())
}

func TestChannelCloseDrainsQueue(t *testing.T) {
	channel := NewChannel(64, slog.Default())
	sub := &recordingSubscriber{}
	channel.Subscribe(sub)

	for i := 0; i < 20; i++ {
		channel.Publish(context.Background(), RoleRevoked{UserID: "user" + strconv.Itoa(i), RoleID: "viewer", At: time.Now()})
	}
	channel.Close()

	assert.Equal(t, 20, sub.count())
}

func TestChannelPublishAfterCloseIsNoop(t *testing.T) {
	channel := NewChannel(8, slog.Default())
	sub := &recordingSubscriber{}
	channel.Subscribe(sub)
	channel.Close()

	channel.Publish(context.Background(), RoleAssigned{UserID: "userX", RoleID: "viewer", At: time.Now()})

	assert.Equal(t, 0, sub.count())
}

func TestChannelPublishDuringCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 50; i++ {
		channel := NewChannel(2, slog.Default())
		channel.Subscribe(&recordingSubscriber{})

		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 25; j++ {
					channel.Publish(context.Background(), RoleAssigned{UserID: "userX", RoleID: "viewer", At: time.Now()})
				}
			}()
		}
		channel.Close()
		wg.Wait()

		// Closing again is a no-op.
		channel.Close()
	}
}

func TestChannelSurvivesPanickingSubscriber(t *testing.T) {
	channel := NewChannel(8, slog.Default())
	channel.Subscribe(SubscriberFunc(func(context.Context, Fact) { panic("boom") }))
	sub := &recordingSubscriber{}
	channel.Subscribe(sub)

	channel.Publish(context.Background(), RoleAssigned{UserID: "userX", RoleID: "viewer", At: time.Now()})
	channel.Close()

	assert.Equal(t, 1, sub.count())
}

func TestChannelNeverDropsOnFullBuffer(t *testing.T) {
	channel := NewChannel(1, slog.Default())
	sub := &recordingSubscriber{}
	channel.Subscribe(sub)

	for i := 0; i < 100; i++ {
		channel.Publish(context.Background(), RoleAssigned{UserID: "user" + strconv.Itoa(i), RoleID: "viewer", At: time.Now()})
	}
	channel.Close()

	assert.Equal(t, 100, sub.count())
}
