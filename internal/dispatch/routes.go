package dispatch

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"tripsaga/internal/saga"
)

// Route tells a transport where a step's commands go.
type Route struct {
	RoutingKey string `yaml:"routingKey"`
	URL        string `yaml:"url"`
}

// Routes maps each step to its worker route.
type Routes map[saga.Step]Route

type routesFile struct {
	Steps map[string]Route `yaml:"steps"`
}

// DefaultRoutes routes every step to the "saga.<step>" routing key and no URL.
func DefaultRoutes() Routes {
	routes := make(Routes, 3)
	for _, step := range []saga.Step{saga.StepTransport, saga.StepHotel, saga.StepPayment} {
		routes[step] = Route{RoutingKey: "saga." + string(step)}
	}
	return routes
}

// LoadRoutes reads a YAML routes file. An empty path yields the defaults.
func LoadRoutes(path string) (Routes, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRoutes(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("routes: read %s: %w", path, err)
	}
	routes, err := ParseRoutes(data)
	if err != nil {
		return nil, fmt.Errorf("routes: %s: %w", path, err)
	}
	return routes, nil
}

// ParseRoutes decodes a routes document, filling unspecified routing keys with defaults.
func ParseRoutes(data []byte) (Routes, error) {
	var parsed routesFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	routes := DefaultRoutes()
	for name, route := range parsed.Steps {
		step, err := saga.ParseStep(name)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(route.RoutingKey) == "" {
			route.RoutingKey = routes[step].RoutingKey
		}
		routes[step] = route
	}
	return routes, nil
}

// RoutingKey returns the broker routing key for step.
func (r Routes) RoutingKey(step saga.Step) string {
	if route, ok := r[step]; ok && route.RoutingKey != "" {
		return route.RoutingKey
	}
	return "saga." + string(step)
}

// URL returns the worker endpoint for step.
func (r Routes) URL(step saga.Step) (string, error) {
	route, ok := r[step]
	if !ok || strings.TrimSpace(route.URL) == "" {
		return "", fmt.Errorf("no worker url configured for step %s", step)
	}
	return route.URL, nil
}
