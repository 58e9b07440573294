package apns

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sideshow/apns2/certificate"
	"github.com/tinywideclouds/go-apns-delivery/pkg/delivery"
)

// Dialer opens TLS connections to the binary gateway. It implements delivery.Dialer.
type Dialer struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// TLSConfig, when set, is cloned and used as the base configuration.
	TLSConfig *tls.Config
	logger    *slog.Logger
}

// NewDialer creates a gateway dialer.
func NewDialer(dialTimeout, writeTimeout time.Duration, logger *slog.Logger) *Dialer {
	return &Dialer{
		DialTimeout:  dialTimeout,
		WriteTimeout: writeTimeout,
		logger:       logger.With("component", "APNSGateway"),
	}
}

// Dial loads the client certificate and completes the TLS handshake.
func (d *Dialer) Dial(ctx context.Context, cfg delivery.ConnectionConfig) (delivery.Conn, error) {
	cert, err := LoadCertificate(cfg)
	if err != nil {
		return nil, err
	}

	tlsCfg := &tls.Config{}
	if d.TLSConfig != nil {
		tlsCfg = d.TLSConfig.Clone()
	}
	tlsCfg.Certificates = []tls.Certificate{cert}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.DialTimeout},
		Config:    tlsCfg,
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway %s: %w", addr, err)
	}
	d.logger.Debug("Gateway connection established", "addr", addr)
	return newConn(nc, d.WriteTimeout), nil
}

// LoadCertificate reads the client certificate from CertificatePath
// (.p12 or PEM) or from the inline PEM Certificate bytes.
func LoadCertificate(cfg delivery.ConnectionConfig) (tls.Certificate, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case cfg.CertificatePath != "":
		switch strings.ToLower(filepath.Ext(cfg.CertificatePath)) {
		case ".p12", ".pfx":
			cert, err = certificate.FromP12File(cfg.CertificatePath, cfg.CertificatePassphrase)
		default:
			cert, err = certificate.FromPemFile(cfg.CertificatePath, cfg.CertificatePassphrase)
		}
	case len(cfg.Certificate) > 0:
		cert, err = certificate.FromPemBytes(cfg.Certificate, cfg.CertificatePassphrase)
	default:
		return tls.Certificate{}, errors.New("no client certificate configured")
	}
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load client certificate: %w", err)
	}
	return cert, nil
}

// conn adapts a net.Conn to delivery.Conn. Poll peeks through a buffered
// reader so that the probed byte is still there for Read.
type conn struct {
	nc           net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration
}

func newConn(nc net.Conn, writeTimeout time.Duration) *conn {
	return &conn{
		nc:           nc,
		r:            bufio.NewReaderSize(nc, 64),
		writeTimeout: writeTimeout,
	}
}

func (c *conn) Write(frame []byte) error {
	if c.writeTimeout > 0 {
		if err := c.nc.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := c.nc.Write(frame)
	return err
}

func (c *conn) Poll(timeout time.Duration) (bool, error) {
	if c.r.Buffered() > 0 {
		return true, nil
	}
	if err := c.nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	defer c.nc.SetReadDeadline(time.Time{})

	_, err := c.r.Peek(1)
	if err == nil {
		return true, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return false, nil
	}
	if errors.Is(err, io.EOF) {
		return false, fmt.Errorf("gateway closed the connection: %w", err)
	}
	return false, err
}

func (c *conn) Read() ([]byte, error) {
	frame := make([]byte, ErrorResponseLength)
	if _, err := io.ReadFull(c.r, frame); err != nil {
		return nil, fmt.Errorf("failed to read error response: %w", err)
	}
	return frame, nil
}

func (c *conn) Close() error {
	return c.nc.Close()
}
