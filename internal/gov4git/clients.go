package gov4git

import "sync"

// Clients hands out one Client per config file so that concurrent callers
// working on the same community share single-flight state.
type Clients struct {
	runner  Runner
	verbose bool

	mu      sync.Mutex
	clients map[string]*Client
}

// NewClients creates a registry whose clients all run through runner.
func NewClients(runner Runner, verbose bool) *Clients {
	return &Clients{
		runner:  runner,
		verbose: verbose,
		clients: make(map[string]*Client),
	}
}

// For returns the client bound to configPath, creating it on first use. An
// empty configPath yields a client that passes no --config flag.
func (c *Clients) For(configPath string) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.clients[configPath]; ok {
		return cl
	}
	cl := NewClient(c.runner, configPath, c.verbose)
	c.clients[configPath] = cl
	return cl
}

// Forget drops the client for configPath, e.g. after its community is
// removed.
func (c *Clients) Forget(configPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.clients, configPath)
}
