package mapping

import "container/list"

type cacheKey struct {
	sourceChatID    int64
	sourceMessageID int
}

type cacheEntry struct {
	key             cacheKey
	targetMessageID int
}

// lru is a bounded least-recently-used index. Callers hold the Manager lock.
type lru struct {
	capacity int
	order    *list.List
	index    map[cacheKey]*list.Element
}

func newLRU(capacity int) *lru {
	return &lru{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[cacheKey]*list.Element, capacity),
	}
}

func (c *lru) get(key cacheKey) (int, bool) {
	element, exists := c.index[key]
	if !exists {
		return 0, false
	}
	c.order.MoveToFront(element)

	return element.Value.(*cacheEntry).targetMessageID, true
}

func (c *lru) put(key cacheKey, targetMessageID int) {
	if element, exists := c.index[key]; exists {
		element.Value.(*cacheEntry).targetMessageID = targetMessageID
		c.order.MoveToFront(element)
		return
	}

	c.index[key] = c.order.PushFront(&cacheEntry{key: key, targetMessageID: targetMessageID})
	c.trimToCapacity()
}

func (c *lru) remove(key cacheKey) {
	element, exists := c.index[key]
	if !exists {
		return
	}
	c.order.Remove(element)
	delete(c.index, key)
}

func (c *lru) trimToCapacity() {
	for len(c.index) > c.capacity {
		back := c.order.Back()
		if back == nil {
			return
		}
		c.order.Remove(back)
		delete(c.index, back.Value.(*cacheEntry).key)
	}
}

func (c *lru) len() int {
	return len(c.index)
}

func (c *lru) clear() {
	c.order.Init()
	c.index = make(map[cacheKey]*list.Element, c.capacity)
}
