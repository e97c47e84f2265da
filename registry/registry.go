package registry

// ServiceInstance is one reachable facegate server.
type ServiceInstance struct {
	Addr    string
	Weight  int // Weight for load balancing
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

// KeyPrefix is the etcd namespace all facegate instances live under.
const KeyPrefix = "/facegate/"

func serviceKey(serviceName, addr string) string {
	return servicePrefix(serviceName) + addr
}

func servicePrefix(serviceName string) string {
	return KeyPrefix + serviceName + "/"
}
