package internal

// Presence answers online questions from the registry's user index. A user is
// online while at least one of their connections is registered.
type Presence struct {
	registry *Registry
}

func NewPresence(registry *Registry) *Presence {
	return &Presence{registry: registry}
}

func (p *Presence) Online(userID int64) bool {
	return p.registry.Online(userID)
}

// Lookup reports the online flag for each of userIDs.
func (p *Presence) Lookup(userIDs []int64) map[int64]bool {
	out := make(map[int64]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = p.registry.Online(id)
	}
	return out
}

// ActiveCount is the number of users with a live connection.
func (p *Presence) ActiveCount() int {
	return p.registry.Stats().Users
}
