package elasticring

// simulateTopologyLoss empties the current ring while keeping every pool (for testing).
func (c *Client) simulateTopologyLoss() {
	c.discovery.current.Store(emptyRing())
}
