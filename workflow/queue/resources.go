package queue

import "fmt"

// Resources is an abstract resource vector. Memory is in MB.
type Resources struct {
	CPU    int `json:"cpu" yaml:"cpu" env:"CPU"`
	Memory int `json:"memory" yaml:"memory" env:"MEMORY"`
	GPU    int `json:"gpu" yaml:"gpu" env:"GPU"`
}

// Add returns r + o.
func (r Resources) Add(o Resources) Resources {
	return Resources{CPU: r.CPU + o.CPU, Memory: r.Memory + o.Memory, GPU: r.GPU + o.GPU}
}

// Sub returns r - o.
func (r Resources) Sub(o Resources) Resources {
	return Resources{CPU: r.CPU - o.CPU, Memory: r.Memory - o.Memory, GPU: r.GPU - o.GPU}
}

// Within reports whether every dimension of r is <= the same dimension of max.
func (r Resources) Within(max Resources) bool {
	return r.CPU <= max.CPU && r.Memory <= max.Memory && r.GPU <= max.GPU
}

// IsZero reports whether r has no dimension set.
func (r Resources) IsZero() bool { return r == Resources{} }

func (r Resources) String() string {
	return fmt.Sprintf("cpu=%d memory=%dMB gpu=%d", r.CPU, r.Memory, r.GPU)
}
