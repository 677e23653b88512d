package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Port is a controller's connection to the agent. Commands go in through Send;
// replies and broadcasts come out of Events. A port never shares state with the
// agent beyond these two channels.
type Port struct {
	agent     *Agent
	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
}

func newPort(a *Agent, buffer int) *Port {
	return &Port{
		agent:  a,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
	}
}

// Send queues cmd and returns the correlation id its reply will carry.
func (p *Port) Send(ctx context.Context, cmd Command) (string, error) {
	id := uuid.NewString()
	if err := p.SendWithID(ctx, id, cmd); err != nil {
		return "", err
	}
	return id, nil
}

// SendWithID queues cmd under a caller-chosen correlation id.
func (p *Port) SendWithID(ctx context.Context, id string, cmd Command) error {
	if cmd == nil {
		return fmt.Errorf("%w: nil command", ErrInvalidMessage)
	}
	select {
	case <-p.done:
		return ErrPortClosed
	default:
	}
	return p.agent.submit(ctx, envelope{id: id, cmd: cmd, port: p})
}

// Events delivers replies and broadcasts. It is never closed; watch Done.
func (p *Port) Events() <-chan Event {
	return p.events
}

// Done is closed when the port is closed or the agent stops.
func (p *Port) Done() <-chan struct{} {
	return p.done
}

// Close detaches the port. Pending replies are discarded.
func (p *Port) Close() {
	p.agent.detach(p)
	p.shutdown()
}

func (p *Port) shutdown() {
	p.closeOnce.Do(func() { close(p.done) })
}

// reply waits up to timeout for room in the buffer.
func (p *Port) reply(ev Event, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	case <-timer.C:
		return false
	}
}

// notify delivers a broadcast only if there is room.
func (p *Port) notify(ev Event) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.events <- ev:
		return true
	default:
		return false
	}
}

// envelope is a command in flight together with the port to answer.
type envelope struct {
	id   string
	cmd  Command
	port *Port
}
