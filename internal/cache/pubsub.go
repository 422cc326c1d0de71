package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
)

// Core-produced topics.
const (
	TopicSessionStarted = "session:started"
	TopicSessionUpdated = "session:updated"
	TopicSessionStopped = "session:stopped"
	TopicViolationNew   = "violation:new"
	TopicReconciliation = "reconciliation:needed"
)

// Publish broadcasts payload on topic. Fire-and-forget: subscribers that
// miss a message re-converge from the database on the next poll, so a
// publish failure is logged by callers, never treated as lifecycle failure.
func (c *Cache) Publish(ctx context.Context, topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	if err := c.client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe runs handler for every message on topic until the returned
// cancel function is called or ctx ends. The subscription is confirmed
// before Subscribe returns, so a message published afterwards is delivered.
func (c *Cache) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error) {
	ps := c.client.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	ch := ps.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()
	cancel := func() {
		if err := ps.Close(); err != nil {
			log.Printf("cache: closing subscription %s: %v", topic, err)
		}
		<-done
	}
	return cancel, nil
}
