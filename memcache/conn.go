package memcache

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DialFunc opens the raw network connection to a node.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// DialOptions configures how a Conn is opened and how long each command may take.
type DialOptions struct {
	ConnectTimeout time.Duration
	Timeout        time.Duration // per command, 0 means no deadline
	TLSConfig      *tls.Config
	Dialer         DialFunc
}

// Conn is a single text-protocol connection to one cache node.
// A Conn is not safe for concurrent use; callers check it out of a pool.
type Conn struct {
	id        string
	addr      string
	nc        net.Conn
	rw        *bufio.ReadWriter
	timeout   time.Duration
	createdAt time.Time
}

// Dial connects to addr ("host:port"). The TLS config, if any, is used as given
// except that ServerName is filled from addr when it is empty.
func Dial(ctx context.Context, addr string, opts DialOptions) (*Conn, error) {
	var dial = opts.Dialer
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	nc, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	if opts.TLSConfig != nil {
		var cfg = opts.TLSConfig
		if cfg.ServerName == "" && !cfg.InsecureSkipVerify {
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr == nil {
				cfg = cfg.Clone()
				cfg.ServerName = host
			}
		}

		var tlsConn = tls.Client(nc, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = nc.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		nc = tlsConn
	}

	return &Conn{
		id:        uuid.NewString(),
		addr:      addr,
		nc:        nc,
		rw:        bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc)),
		timeout:   opts.Timeout,
		createdAt: time.Now(),
	}, nil
}

// ID returns a unique identifier for this connection, used in logs.
func (c *Conn) ID() string { return c.id }

// Addr returns the node address this connection is bound to.
func (c *Conn) Addr() string { return c.addr }

// CreatedAt returns when the connection was opened.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// begin arms the deadline for one command: the per-command timeout or the
// context deadline, whichever comes first.
func (c *Conn) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var deadline time.Time
	if c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}

	return c.nc.SetDeadline(deadline)
}

func (c *Conn) send(ctx context.Context, parts ...string) error {
	if err := c.begin(ctx); err != nil {
		return err
	}

	for _, p := range parts {
		if _, err := c.rw.WriteString(p); err != nil {
			return fmt.Errorf("memcache: write to %s: %w", c.addr, err)
		}
	}

	if err := c.rw.Flush(); err != nil {
		return fmt.Errorf("memcache: write to %s: %w", c.addr, err)
	}
	return nil
}

// readLine returns the next reply line without its line terminator.
// Configuration payload lines are terminated by a bare "\n".
func (c *Conn) readLine() (string, error) {
	line, err := c.rw.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("memcache: read from %s: %w", c.addr, err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// replyError maps a reply line to the matching error, or returns nil if the
// line is not an error reply.
func replyError(line string) error {
	switch {
	case line == "ERROR":
		return ErrUnknownCommand
	case strings.HasPrefix(line, "CLIENT_ERROR"):
		return &ServerError{Kind: "CLIENT_ERROR", Message: strings.TrimSpace(strings.TrimPrefix(line, "CLIENT_ERROR"))}
	case strings.HasPrefix(line, "SERVER_ERROR"):
		return &ServerError{Kind: "SERVER_ERROR", Message: strings.TrimSpace(strings.TrimPrefix(line, "SERVER_ERROR"))}
	}
	return nil
}

func unexpected(line string) error {
	if err := replyError(line); err != nil {
		return err
	}
	return fmt.Errorf("%w: %q", ErrMalformedResponse, line)
}
