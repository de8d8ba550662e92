package redis

import (
	"crypto/tls"

	"github.com/redis/go-redis/v9"
)

// Options configures the store connection.
type Options struct {
	// Address of the Redis server, host:port.
	Address string
	// Password, empty when the server does not require one.
	Password string
	// DB selects the numbered database.
	DB int
	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config
}

func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
		DB:      0,
	}
}

// Connection owns the go-redis client every Database facade shares. The
// client pools connections internally, one Connection per process suffices.
type Connection struct {
	Client  *redis.Client
	Options Options
}

// NewConnection builds the client. go-redis dials lazily, so callers ping
// before first use to surface connectivity errors early.
func NewConnection(options Options) *Connection {
	return &Connection{
		Client: redis.NewClient(&redis.Options{
			Addr:      options.Address,
			Password:  options.Password,
			DB:        options.DB,
			TLSConfig: options.TLSConfig,
		}),
		Options: options,
	}
}

// Close releases the client pool. Safe to call more than once.
func (c *Connection) Close() error {
	if c.Client == nil {
		return nil
	}
	err := c.Client.Close()
	c.Client = nil
	return err
}
