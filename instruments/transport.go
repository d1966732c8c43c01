package instruments

import "time"

// Transport is an open connection to one instrument. Implementations live in
// the visa and gpib packages.
type Transport interface {
	Write(cmd string) error
	Query(cmd string) (string, error)
	Close() error
}

// Opener opens a transport to the instrument at address. timeout bounds every
// reply read on the returned transport.
type Opener interface {
	Open(address string, timeout time.Duration) (Transport, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(address string, timeout time.Duration) (Transport, error)

func (f OpenerFunc) Open(address string, timeout time.Duration) (Transport, error) {
	return f(address, timeout)
}
