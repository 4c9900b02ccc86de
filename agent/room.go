package agent

import (
	"fmt"
	"regexp"
	"sync"
)

var mentionRe = regexp.MustCompile(`@([A-Za-z0-9_-]+)`)

// Room routes messages between cooperating agents by role name. Saying
// "@reviewer please check this" forwards the text to the agent bound to the
// reviewer role. Loop prevention is caller discipline: agents should not
// mention themselves.
type Room struct {
	pool *Pool

	mu    sync.RWMutex
	roles map[string]string // role → agent id
}

// NewRoom creates an empty room over a pool.
func NewRoom(pool *Pool) *Room {
	return &Room{pool: pool, roles: make(map[string]string)}
}

// Join binds a role name to an agent id.
func (r *Room) Join(role, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = agentID
}

// Leave unbinds a role.
func (r *Room) Leave(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.roles, role)
}

// Roles returns a copy of the role bindings.
func (r *Room) Roles() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.roles))
	for k, v := range r.roles {
		out[k] = v
	}
	return out
}

// Say forwards text from one role to every other role it @mentions.
// Returns the roles the message was delivered to.
func (r *Room) Say(from, text string) ([]string, error) {
	r.mu.RLock()
	_, ok := r.roles[from]
	targets := make(map[string]string)
	for _, m := range mentionRe.FindAllStringSubmatch(text, -1) {
		role := m[1]
		if role == from {
			continue
		}
		if id, bound := r.roles[role]; bound {
			targets[role] = id
		}
	}
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("room: role %s not joined", from)
	}

	var delivered []string
	for role, id := range targets {
		agent, live := r.pool.Get(id)
		if !live {
			continue
		}
		if _, err := agent.Send(fmt.Sprintf("[from @%s] %s", from, text)); err != nil {
			return delivered, fmt.Errorf("room: deliver to @%s: %w", role, err)
		}
		delivered = append(delivered, role)
	}
	return delivered, nil
}
