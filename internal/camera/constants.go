package camera

import "time"

// DefaultOpenTimeout bounds a single device open attempt.
const DefaultOpenTimeout = 3 * time.Second
