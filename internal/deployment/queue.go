package deployment

import "sync"

// serialQueue orders deployments of the same service first come, first
// served. The head ticket of each line is ready; leaving hands readiness to
// the next ticket.
type serialQueue struct {
	mu    sync.Mutex
	lines map[string][]*ticket
}

type ticket struct {
	ready chan struct{}
}

func newSerialQueue() *serialQueue {
	return &serialQueue{lines: make(map[string][]*ticket)}
}

// enter appends a ticket for service. It is ready at once if the line was empty.
func (q *serialQueue) enter(service string) *ticket {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &ticket{ready: make(chan struct{})}
	q.lines[service] = append(q.lines[service], t)
	if len(q.lines[service]) == 1 {
		close(t.ready)
	}
	return t
}

// leave removes t from its line, whether it ran or was abandoned while
// waiting, and readies the new head.
func (q *serialQueue) leave(service string, t *ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()

	line := q.lines[service]
	for i, candidate := range line {
		if candidate != t {
			continue
		}
		line = append(line[:i], line[i+1:]...)
		if i == 0 && len(line) > 0 {
			close(line[0].ready)
		}
		break
	}

	if len(line) == 0 {
		delete(q.lines, service)
		return
	}
	q.lines[service] = line
}

