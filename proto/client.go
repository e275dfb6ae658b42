package proto

import (
	"bufio"
	"errors"
	"net"
	"time"

	msgpack "github.com/vmihailenco/msgpack/v5"

	log "github.com/sirupsen/logrus"
	"github.com/zif/peerd/common"
	"github.com/zif/peerd/dht"
)

const (
	ReadLimit = common.MaxMessageSize
)

var ErrMessageTooLarge = errors.New("Message too large")

type Client struct {
	conn   net.Conn
	reader *bufio.Reader

	limiter *limitedReader
	decoder *msgpack.Decoder
	encoder *msgpack.Encoder
}

// Creates a new client, automatically setting up the msgpack encoder/decoder.
func NewClient(conn net.Conn) *Client {
	c := &Client{conn: conn}

	c.reader = bufio.NewReader(conn)
	c.limiter = &limitedReader{r: c.reader, n: ReadLimit}
	c.decoder = msgpack.NewDecoder(c.limiter)
	c.encoder = msgpack.NewEncoder(c.conn)

	return c
}

// The underlying connection. Reads see anything the decoder has buffered but
// not yet consumed, so the connection can be handed on after a handshake.
func (c *Client) Conn() net.Conn {
	return &bufferedConn{Conn: c.conn, r: c.reader}
}

// Close the client connection.
func (c *Client) Close() (err error) {
	if c.conn != nil {
		err = c.conn.Close()
	}
	return
}

// Encodes v as msgpack and writes it to c.conn.
func (c *Client) WriteMessage(v interface{}) error {
	if c == nil {
		return errors.New("Client nil")
	}

	return c.encoder.Encode(v)
}

// Tells the peer no, with a reason.
func (c *Client) WriteErr(err error) error {
	return c.WriteMessage(&Message{Header: ProtoNo, Content: []byte(err.Error())})
}

// Blocks until a message is read from c.conn, decodes it into a *Message and
// returns.
func (c *Client) ReadMessage() (*Message, error) {
	var msg Message

	defer func() { c.limiter.n = ReadLimit }()

	if err := c.decoder.Decode(&msg); err != nil {
		return nil, err
	}

	msg.Client = c

	return &msg, nil
}

// Writes a request, and reads the reply. A reply that is not ok is returned
// as an error.
func (c *Client) request(header string, content interface{}) (*Message, error) {
	msg := &Message{Header: header}

	if content != nil {
		if err := msg.Write(content); err != nil {
			return nil, err
		}
	}

	err := c.WriteMessage(msg)

	if err != nil {
		return nil, err
	}

	reply, err := c.ReadMessage()

	if err != nil {
		return nil, err
	}

	if !reply.Ok() {
		return nil, reply.Err()
	}

	return reply, nil
}

func (c *Client) Ping() (time.Duration, error) {
	start := time.Now()

	_, err := c.request(ProtoPing, nil)

	if err != nil {
		return -1, err
	}

	return time.Since(start), nil
}

// Announce the given DHT entry to a peer, passes on this peers details,
// meaning that it can be reached by other peers on the network.
func (c *Client) Announce(e *dht.Entry) error {
	_, err := c.request(ProtoDhtAnnounce, e)

	return err
}

func (c *Client) FindClosest(address dht.Address) (dht.Entries, error) {
	log.WithField("target", address.StringOr("")).Debug("Sending FindClosest request")

	reply, err := c.request(ProtoDhtFindClosest, address)

	if err != nil {
		return nil, err
	}

	entries := make(dht.Entries, 0)
	err = reply.Read(&entries)

	return verified(entries), err
}

func (c *Client) GetRecord(key string) (*GetResponse, error) {
	reply, err := c.request(ProtoDhtGet, key)

	if err != nil {
		return nil, err
	}

	res := &GetResponse{}

	if err := reply.Read(res); err != nil {
		return nil, err
	}

	if res.Record != nil && (res.Record.Key != key || !res.Record.Valid()) {
		return nil, errors.New("Peer returned an invalid record")
	}

	res.Closer = verified(res.Closer)

	return res, nil
}

func (c *Client) PutRecord(r *dht.Record) error {
	_, err := c.request(ProtoDhtPut, r)

	return err
}

// Registers entry as a provider for key, on the remote peer.
func (c *Client) AddProvider(key string, entry *dht.Entry) error {
	_, err := c.request(ProtoDhtAddProvider, &dht.Provider{Key: key, Entry: entry})

	return err
}

func (c *Client) GetProviders(key string) (*ProvidersResponse, error) {
	reply, err := c.request(ProtoDhtGetProviders, key)

	if err != nil {
		return nil, err
	}

	res := &ProvidersResponse{}

	if err := reply.Read(res); err != nil {
		return nil, err
	}

	res.Providers = verified(res.Providers)
	res.Closer = verified(res.Closer)

	return res, nil
}

func (c *Client) Gossip(g *Gossip) error {
	_, err := c.request(ProtoGossip, g)

	return err
}

// Asks a provider for what it serves under key.
func (c *Client) Fetch(key string) (*FetchResponse, error) {
	reply, err := c.request(ProtoFetch, key)

	if err != nil {
		return nil, err
	}

	res := &FetchResponse{}

	if err := reply.Read(res); err != nil {
		return nil, err
	}

	if len(res.Data) > dht.MaxContentSize {
		return nil, dht.ErrContentTooLarge
	}

	return res, nil
}

// Peers may send anything, only keep what verifies.
func verified(entries dht.Entries) dht.Entries {
	ret := make(dht.Entries, 0, len(entries))

	for _, e := range entries {
		if err := e.Verify(); err != nil {
			log.WithField("reason", err.Error()).Debug("Dropping bad entry")
			continue
		}

		ret = append(ret, e)
	}

	return ret
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

// Limits how much the decoder may read for one message. It is a ByteScanner,
// so msgpack does not wrap it in a buffer of its own.
type limitedReader struct {
	r *bufio.Reader
	n int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.n <= 0 {
		return 0, ErrMessageTooLarge
	}

	if int64(len(p)) > l.n {
		p = p[:l.n]
	}

	n, err := l.r.Read(p)
	l.n -= int64(n)

	return n, err
}

func (l *limitedReader) ReadByte() (byte, error) {
	if l.n <= 0 {
		return 0, ErrMessageTooLarge
	}

	b, err := l.r.ReadByte()

	if err == nil {
		l.n--
	}

	return b, err
}

func (l *limitedReader) UnreadByte() error {
	err := l.r.UnreadByte()

	if err == nil {
		l.n++
	}

	return err
}
