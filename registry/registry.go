// Package registry discovers game servers. Servers self-register with a TTL
// lease; clients look the fleet up before dialing so nobody hardcodes
// addresses.
package registry

// ServerInstance describes one registered game server.
type ServerInstance struct {
	Addr    string // host:port the server accepts game connections on
	Weight  int    // relative capacity, used by the weighted balancer
	Version string // protocol/build version, informational
}

// Registry is the discovery interface. The client only needs Discover and
// Watch; Register and Deregister are for the server side of the same
// deployment.
type Registry interface {
	Register(instance ServerInstance, ttl int64) error
	Deregister(addr string) error
	Discover() ([]ServerInstance, error)
	Watch() <-chan []ServerInstance
}
