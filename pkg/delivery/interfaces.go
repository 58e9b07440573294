package delivery

import (
	"context"
	"time"
)

// ConnectionConfig locates the gateway and the client certificate used to
// authenticate against it.
type ConnectionConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Certificate is inline PEM material. CertificatePath takes precedence when set.
	Certificate           []byte `json:"-"`
	CertificatePath       string `json:"certificate_path,omitempty"`
	CertificatePassphrase string `json:"-"`
}

// Conn is an open duplex stream to the gateway.
type Conn interface {
	// Write sends one encoded notification frame.
	Write(frame []byte) error
	// Poll waits at most timeout for inbound data without consuming it.
	Poll(timeout time.Duration) (ready bool, err error)
	// Read returns one inbound error-response frame.
	Read() ([]byte, error)
	Close() error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, cfg ConnectionConfig) (Conn, error)
}

// Codec converts messages to wire frames and error frames back to
// (message id, status code) pairs.
type Codec interface {
	Encode(m *Message) ([]byte, error)
	DecodeErrorResponse(frame []byte) (messageID uint32, status uint8, err error)
}

// Callbacks observe a Delivery. Every field is optional.
type Callbacks struct {
	OnWrite               func(d *Delivery, m *Message)
	OnNilSelect           func(d *Delivery)
	OnException           func(d *Delivery, err error)
	OnFailure             func(d *Delivery, m *Message)
	OnReadException       func(d *Delivery, err error)
	OnConnectionException func(d *Delivery, err error)
	OnError               func(d *Delivery, messageID uint32, status uint8)
}

// Chain returns Callbacks that invoke each of the given observers in order.
func Chain(observers ...Callbacks) Callbacks {
	return Callbacks{
		OnWrite: func(d *Delivery, m *Message) {
			for _, o := range observers {
				o.write(d, m)
			}
		},
		OnNilSelect: func(d *Delivery) {
			for _, o := range observers {
				o.nilSelect(d)
			}
		},
		OnException: func(d *Delivery, err error) {
			for _, o := range observers {
				o.exception(d, err)
			}
		},
		OnFailure: func(d *Delivery, m *Message) {
			for _, o := range observers {
				o.failure(d, m)
			}
		},
		OnReadException: func(d *Delivery, err error) {
			for _, o := range observers {
				o.readException(d, err)
			}
		},
		OnConnectionException: func(d *Delivery, err error) {
			for _, o := range observers {
				o.connectionException(d, err)
			}
		},
		OnError: func(d *Delivery, messageID uint32, status uint8) {
			for _, o := range observers {
				o.errorResponse(d, messageID, status)
			}
		},
	}
}

func (c Callbacks) write(d *Delivery, m *Message) {
	if c.OnWrite != nil {
		c.OnWrite(d, m)
	}
}

func (c Callbacks) nilSelect(d *Delivery) {
	if c.OnNilSelect != nil {
		c.OnNilSelect(d)
	}
}

func (c Callbacks) exception(d *Delivery, err error) {
	if c.OnException != nil {
		c.OnException(d, err)
	}
}

func (c Callbacks) failure(d *Delivery, m *Message) {
	if c.OnFailure != nil {
		c.OnFailure(d, m)
	}
}

func (c Callbacks) readException(d *Delivery, err error) {
	if c.OnReadException != nil {
		c.OnReadException(d, err)
	}
}

func (c Callbacks) connectionException(d *Delivery, err error) {
	if c.OnConnectionException != nil {
		c.OnConnectionException(d, err)
	}
}

func (c Callbacks) errorResponse(d *Delivery, messageID uint32, status uint8) {
	if c.OnError != nil {
		c.OnError(d, messageID, status)
	}
}
