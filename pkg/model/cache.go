package model

import "headlinegpt/pkg/model/attention"

// Cache holds one KVCache per transformer block for a single generation
// call. All layers are extended together, so they always agree in length.
type Cache struct {
	layers []*attention.KVCache
}

// NewCache allocates a cache for batchSize sequences of up to ContextLength
// positions.
func (m *GPTModel) NewCache(batchSize int) *Cache {
	c := &Cache{layers: make([]*attention.KVCache, len(m.Blocks))}
	for i := range c.layers {
		c.layers[i] = attention.NewKVCache(batchSize, m.Config.NumHeads, m.Config.ContextLength, m.Config.HeadDim())
	}
	return c
}

// Len returns the number of cached positions.
func (c *Cache) Len() int {
	if len(c.layers) == 0 {
		return 0
	}
	return c.layers[0].Len()
}

// Capacity returns how many positions fit before the cache is full.
func (c *Cache) Capacity() int {
	if len(c.layers) == 0 {
		return 0
	}
	return c.layers[0].MaxLength()
}

// SizeBytes returns the memory held by the key and value buffers of all
// layers.
func (c *Cache) SizeBytes() int {
	total := 0
	for _, l := range c.layers {
		total += l.SizeBytes()
	}
	return total
}

// Reset empties every layer.
func (c *Cache) Reset() {
	for _, l := range c.layers {
		l.Clear()
	}
}
