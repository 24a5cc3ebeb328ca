package provisioning

import "github.com/easysmart/iot-core/internal/entity"

// ItemResult is the outcome of creating one entity in a batch.
// Exactly one of Entity and Err is set.
type ItemResult struct {
	EntityID string
	Entity   *entity.Entity
	Err      error
}

// OK reports whether the item was created.
func (r ItemResult) OK() bool { return r.Err == nil }

// BatchResult holds one ItemResult per requested entity, in request order.
type BatchResult struct {
	Items []ItemResult
}

// Created returns the entities that were stored.
func (b BatchResult) Created() []entity.Entity {
	out := make([]entity.Entity, 0, len(b.Items))
	for _, it := range b.Items {
		if it.OK() {
			out = append(out, *it.Entity)
		}
	}
	return out
}

// Failed returns the items that were not stored.
func (b BatchResult) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range b.Items {
		if !it.OK() {
			out = append(out, it)
		}
	}
	return out
}

// Topics returns the state topics of the created entities.
func (b BatchResult) Topics() []string {
	var out []string
	for _, it := range b.Items {
		if it.OK() && it.Entity.MQTTTopic != "" {
			out = append(out, it.Entity.MQTTTopic)
		}
	}
	return out
}
