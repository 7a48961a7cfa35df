package model

import "fmt"

type ActorKind string

const (
	ActorCustomer ActorKind = "customer"
	ActorProvider ActorKind = "provider"
	ActorAdmin    ActorKind = "admin"
	ActorSystem   ActorKind = "system"
)

func ParseActorKind(raw string) (ActorKind, error) {
	switch k := ActorKind(raw); k {
	case ActorCustomer, ActorProvider, ActorAdmin, ActorSystem:
		return k, nil
	default:
		return "", fmt.Errorf("unknown actor role %q", raw)
	}
}

// Actor is the authenticated caller of a use case. ProviderID scopes provider actors.
type Actor struct {
	Kind       ActorKind
	ID         string
	ProviderID string
}

var SystemActor = Actor{Kind: ActorSystem, ID: "system"}

// Privileged actors bypass the customer-facing cancellation policy.
func (a Actor) Privileged() bool {
	return a.Kind != ActorCustomer
}
