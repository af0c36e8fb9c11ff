package gets

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/voyager/internal/snowflake"
)

const defaultAnnouncementBuffer = 16

// Announcement describes an accepted get for a guild's subscribers.
type Announcement struct {
	GuildID         snowflake.ID
	ChannelID       snowflake.ID
	MarkerMessageID snowflake.ID
	UserID          snowflake.ID
	Rank            int
	TotalGets       int64
	// Earned is the number of markers taken with one reply.
	Earned int
	// Anonymous announcements must not name the winner.
	Anonymous bool
	ClaimedAt time.Time
}

// Announcer fans announcements out to per-guild subscribers. Slow subscribers drop messages.
type Announcer struct {
	mu          sync.RWMutex
	subscribers map[snowflake.ID]map[int64]chan Announcement
	nextID      int64
	bufferSize  int
}

// NewAnnouncer constructs an Announcer.
func NewAnnouncer() *Announcer {
	return &Announcer{
		subscribers: make(map[snowflake.ID]map[int64]chan Announcement),
		bufferSize:  defaultAnnouncementBuffer,
	}
}

// Subscribe streams announcements for the guild until ctx ends or the returned cancel is called.
func (a *Announcer) Subscribe(ctx context.Context, guildID snowflake.ID) (<-chan Announcement, func()) {
	if !guildID.Valid() {
		stream := make(chan Announcement)
		close(stream)
		return stream, func() {}
	}
	stream := make(chan Announcement, a.bufferSize)

	a.mu.Lock()
	a.nextID++
	subscriberID := a.nextID
	if _, ok := a.subscribers[guildID]; !ok {
		a.subscribers[guildID] = make(map[int64]chan Announcement)
	}
	a.subscribers[guildID][subscriberID] = stream
	a.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			close(done)
			a.unsubscribe(guildID, subscriberID)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return stream, cancel
}

// Publish delivers the announcement to the guild's current subscribers.
func (a *Announcer) Publish(announcement Announcement) {
	if !announcement.GuildID.Valid() {
		return
	}
	a.mu.RLock()
	subscribers := a.subscribers[announcement.GuildID]
	streams := make([]chan Announcement, 0, len(subscribers))
	for _, stream := range subscribers {
		streams = append(streams, stream)
	}
	a.mu.RUnlock()

	for _, stream := range streams {
		select {
		case stream <- announcement:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions for a guild.
func (a *Announcer) Subscribers(guildID snowflake.ID) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.subscribers[guildID])
}

func (a *Announcer) unsubscribe(guildID snowflake.ID, subscriberID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	subscribers := a.subscribers[guildID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(a.subscribers, guildID)
	}
}
