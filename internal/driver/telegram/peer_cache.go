package telegram

import (
	"sync"

	"github.com/gotd/td/tg"
)

// PeerCache stores Telegram input peers by bare peer id.
//
// Entries are learned from update entities, history pages and dialog scans so
// the transport can turn a mirror.ChatRef back into an input peer.
type PeerCache struct {
	mu     sync.RWMutex
	byID   map[int64]tg.InputPeerClass
	titles map[int64]string
}

// NewPeerCache creates an empty, concurrency-safe Telegram peer cache.
func NewPeerCache() *PeerCache {
	return &PeerCache{
		byID:   make(map[int64]tg.InputPeerClass),
		titles: make(map[int64]string),
	}
}

// RememberChats ingests indexed chat entities.
func (c *PeerCache) RememberChats(chats map[int64]gotdChatInfo) {
	if c == nil || len(chats) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, chat := range chats {
		if chat.inputPeer == nil {
			continue
		}
		c.byID[id] = cloneInputPeer(chat.inputPeer)
		if chat.title != "" {
			c.titles[id] = chat.title
		}
	}
}

// Remember stores one explicit id-to-peer mapping.
func (c *PeerCache) Remember(id int64, title string, peer tg.InputPeerClass) {
	if c == nil || peer == nil || id == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[id] = cloneInputPeer(peer)
	if title != "" {
		c.titles[id] = title
	}
}

// Lookup returns the input peer and title known for id.
func (c *PeerCache) Lookup(id int64) (tg.InputPeerClass, string, bool) {
	if c == nil {
		return nil, "", false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	peer, ok := c.byID[id]
	if !ok {
		return nil, "", false
	}

	return cloneInputPeer(peer), c.titles[id], true
}

// Len returns the number of cached peers.
func (c *PeerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.byID)
}

func cloneInputPeer(peer tg.InputPeerClass) tg.InputPeerClass {
	switch typed := peer.(type) {
	case *tg.InputPeerUser:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChat:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerChannel:
		copyPeer := *typed
		return &copyPeer
	case *tg.InputPeerSelf:
		copyPeer := *typed
		return &copyPeer
	default:
		return peer
	}
}
