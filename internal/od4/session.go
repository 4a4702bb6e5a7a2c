package od4

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
)

// DefaultPort is the UDP port of every OD4 session.
const DefaultPort = 12175

// ErrInvalidCID is returned for conference ids outside 1..254.
var ErrInvalidCID = errors.New("invalid od4 conference id")

// GroupAddress returns the multicast address of session cid.
func GroupAddress(cid uint16) (string, error) {
	if cid < 1 || cid > 254 {
		return "", fmt.Errorf("%w: %d (want 1..254)", ErrInvalidCID, cid)
	}
	return fmt.Sprintf("225.0.0.%d:%d", cid, DefaultPort), nil
}

// SessionOption configures NewSession and Listen.
type SessionOption func(*sessionOptions)

type sessionOptions struct {
	address string
	now     func() time.Time
}

// WithAddress overrides the multicast group with an explicit host:port,
// e.g. a unicast loopback address.
func WithAddress(addr string) SessionOption {
	return func(o *sessionOptions) {
		o.address = addr
	}
}

// WithClock sets the clock used for the envelope's sent time.
func WithClock(now func() time.Time) SessionOption {
	return func(o *sessionOptions) {
		if now != nil {
			o.now = now
		}
	}
}

func resolveOptions(cid uint16, opts []SessionOption) (sessionOptions, error) {
	o := sessionOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.address == "" {
		addr, err := GroupAddress(cid)
		if err != nil {
			return o, err
		}
		o.address = addr
	}
	return o, nil
}

// Session is the sending side of an OD4 session. Sends are fire-and-forget.
type Session struct {
	cid     uint16
	address string
	conn    *net.UDPConn
	now     func() time.Time

	sent   uint64
	failed uint64
}

// NewSession opens a sending socket for conference cid.
func NewSession(cid uint16, opts ...SessionOption) (*Session, error) {
	o, err := resolveOptions(cid, opts)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", o.address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session address: %w", err)
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create session connection: %w", err)
	}

	logger.WithComponent("od4").Info().
		Uint16("cid", cid).
		Str("address", o.address).
		Msg("OD4 session opened")

	return &Session{
		cid:     cid,
		address: o.address,
		conn:    conn,
		now:     o.now,
	}, nil
}

// CID returns the conference id.
func (s *Session) CID() uint16 {
	return s.cid
}

// Address returns the destination host:port.
func (s *Session) Address() string {
	return s.address
}

// Send wraps msg in an envelope stamped with sampleTime and senderStamp and
// writes it as one datagram. Delivery is best effort.
func (s *Session) Send(msg Message, sampleTime time.Time, senderStamp uint32) error {
	packet, err := Pack(msg, s.now(), sampleTime, senderStamp)
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		return err
	}
	if _, err := s.conn.Write(packet); err != nil {
		atomic.AddUint64(&s.failed, 1)
		return fmt.Errorf("send to %s: %w", s.address, err)
	}
	atomic.AddUint64(&s.sent, 1)
	return nil
}

// Counts returns the number of datagrams sent and failed.
func (s *Session) Counts() (sent, failed uint64) {
	return atomic.LoadUint64(&s.sent), atomic.LoadUint64(&s.failed)
}

// Close closes the socket.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Listener is the receiving side of an OD4 session.
type Listener struct {
	conn *net.UDPConn
	now  func() time.Time
	buf  []byte
}

// Listen joins conference cid, or binds the address given by WithAddress.
func Listen(cid uint16, opts ...SessionOption) (*Listener, error) {
	o, err := resolveOptions(cid, opts)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", o.address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session address: %w", err)
	}

	var conn *net.UDPConn
	if udpAddr.IP.IsMulticast() {
		conn, err = net.ListenMulticastUDP("udp4", nil, udpAddr)
	} else {
		conn, err = net.ListenUDP("udp", udpAddr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", o.address, err)
	}
	_ = conn.SetReadBuffer(16 * MaxDatagramSize)

	return &Listener{
		conn: conn,
		now:  o.now,
		buf:  make([]byte, MaxDatagramSize),
	}, nil
}

// LocalAddr returns the bound address.
func (l *Listener) LocalAddr() net.Addr {
	return l.conn.LocalAddr()
}

// Receive blocks for the next valid envelope and stamps its Received time.
// Malformed datagrams are skipped.
func (l *Listener) Receive(ctx context.Context) (Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Envelope{}, err
		}
		if err := l.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			return Envelope{}, err
		}
		n, _, err := l.conn.ReadFromUDP(l.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return Envelope{}, err
		}

		env, err := Unpack(l.buf[:n])
		if err != nil {
			logger.WithComponent("od4").Debug().Err(err).Int("bytes", n).Msg("Dropping malformed datagram")
			continue
		}
		env.Received = l.now()
		return env, nil
	}
}

// Close leaves the session.
func (l *Listener) Close() error {
	return l.conn.Close()
}
