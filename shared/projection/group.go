package projection

import (
	"context"
	"fmt"

	"content-sharing-platform/shared/workflow"
)

// Group runs the consumers of one service.
type Group struct {
	consumers []*Consumer
	exited    chan string
}

func NewGroup(consumers ...*Consumer) *Group {
	return &Group{consumers: consumers, exited: make(chan string, 1)}
}

// Start starts every consumer. If one fails, those already started are
// stopped again.
func (g *Group) Start(ctx context.Context) error {
	for i, c := range g.consumers {
		if err := c.Start(ctx); err != nil {
			for _, started := range g.consumers[:i] {
				_ = started.Stop()
			}
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		go func(c *Consumer) {
			<-c.Done()
			select {
			case g.exited <- c.Name():
			default:
			}
		}(c)
	}
	return nil
}

// Stop stops every consumer, each after its in-flight delivery.
func (g *Group) Stop() {
	for _, c := range g.consumers {
		_ = c.Stop()
	}
}

// Ready fails unless every consumer is consuming.
func (g *Group) Ready(ctx context.Context) error {
	for _, c := range g.consumers {
		if state := c.State(); state != workflow.ConsumerConsuming {
			return fmt.Errorf("consumer %s is %s", c.Name(), state)
		}
	}
	return nil
}

// Exited yields the name of the first consumer whose loop ended, for
// instance because the broker closed its queue.
func (g *Group) Exited() <-chan string {
	return g.exited
}
