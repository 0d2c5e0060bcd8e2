package stage

// Health summarizes the readiness of a stage plugin.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// AllReady reports whether every entry is ready.
func AllReady(health []Health) bool {
	for _, h := range health {
		if !h.Ready {
			return false
		}
	}
	return true
}
