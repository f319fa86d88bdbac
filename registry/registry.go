package registry

// Instance describes one device engine reachable over TCP.
type Instance struct {
	Addr       string
	Weight     int    // weight for load balancing
	Version    string // firmware or build version reported by the device
	Device     string // serial device behind the bridge, if any
	BufferSize int    // receive buffer B; requests longer than this overflow
}

type Registry interface {
	Register(serviceName string, instance Instance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]Instance, error)
	Watch(serviceName string) <-chan []Instance
}
