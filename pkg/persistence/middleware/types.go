package middleware

import "github.com/aretw0/espalier/pkg/ports"

// Middleware allows wrapping a TrackerStore to add behavior.
type Middleware func(ports.TrackerStore) ports.TrackerStore
