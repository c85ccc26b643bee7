package goiapi

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface required for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the goi-api component with the given registry. The
// factory serves the given services.
func Register(registry RegistryInterface, svc Services) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	if err := svc.Validate(); err != nil {
		return err
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name: "goi-api",
		Factory: func(raw json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
			return NewComponent(raw, deps, svc)
		},
		Schema:      goiAPISchema,
		Type:        "processor",
		Protocol:    "http",
		Domain:      "goi",
		Description: "HTTP endpoints for GOI agent sessions",
		Version:     "0.1.0",
	})
}
