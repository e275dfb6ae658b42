// Keeps track of open TCP connections, as well as yamux sessions

package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"
	"github.com/zif/peerd/common"
)

const StreamDeadline = time.Second * 10

var ErrNoSession = errors.New("Cannot open stream, no session")

type StreamManager struct {
	mu         sync.Mutex
	connection *ConnHeader

	// Open yamux servers
	server *yamux.Session

	// Open yamux clients
	client *yamux.Session

	Socks     bool
	SocksPort int
	torDialer proxy.Dialer
}

func (sm *StreamManager) SetConnection(conn ConnHeader) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sm.connection = &conn
}

func (sm *StreamManager) Connection() *ConnHeader {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.connection
}

func (sm *StreamManager) dial(addr string, timeout time.Duration) (net.Conn, error) {
	if !sm.Socks {
		return net.DialTimeout("tcp", addr, timeout)
	}

	if sm.torDialer == nil {
		dialer, err := proxy.SOCKS5("tcp", fmt.Sprintf("127.0.0.1:%d", sm.SocksPort), nil, proxy.Direct)

		if err != nil {
			return nil, err
		}

		sm.torDialer = dialer
	}

	return sm.torDialer.Dial("tcp", addr)
}

// Dials addr, optionally through a SOCKS5 proxy, and handshakes.
func (sm *StreamManager) OpenTCP(addr string, lp common.Signer, data common.Encodable) (*ConnHeader, error) {
	if c := sm.Connection(); c != nil {
		return c, nil
	}

	conn, err := sm.dial(addr, StreamDeadline)

	if err != nil {
		return nil, err
	}

	header, err := sm.handleConnection(conn, lp, data)

	if err != nil {
		conn.Close()
		return nil, err
	}

	return header, nil
}

func (sm *StreamManager) handleConnection(conn net.Conn, lp common.Signer, data common.Encodable) (*ConnHeader, error) {
	// the handshake must not hang forever on a silent peer
	conn.SetDeadline(time.Now().Add(StreamDeadline))
	defer conn.SetDeadline(time.Time{})

	err := binary.Write(conn, binary.LittleEndian, ProtoMagic)

	if err != nil {
		return nil, err
	}

	err = binary.Write(conn, binary.LittleEndian, ProtoVersion)

	if err != nil {
		return nil, err
	}

	header, err := handshakeDial(NewClient(conn), lp, data)

	if err != nil {
		return nil, err
	}

	sm.SetConnection(*header)

	return header, nil
}

func (sm *StreamManager) ConnectClient() (*yamux.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// If there is already a client connected, return that.
	if sm.client != nil {
		return sm.client, nil
	}

	if sm.server != nil {
		return nil, errors.New("There is already a server connected to that socket")
	}

	if sm.connection == nil {
		return nil, errors.New("Not connected")
	}

	client, err := yamux.Client(sm.connection.Client.Conn(), yamuxConfig())

	if err != nil {
		return nil, err
	}

	sm.client = client

	return client, nil
}

func (sm *StreamManager) ConnectServer() (*yamux.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// If there is already a server connected, return that.
	if sm.server != nil {
		return sm.server, nil
	}

	if sm.client != nil {
		return nil, errors.New("There is already a client connected to that socket")
	}

	if sm.connection == nil {
		return nil, errors.New("Not connected")
	}

	server, err := yamux.Server(sm.connection.Client.Conn(), yamuxConfig())

	if err != nil {
		return nil, err
	}

	sm.server = server

	return server, nil
}

func (sm *StreamManager) Close() {
	session := sm.GetSession()

	if session != nil {
		session.Close()
	}

	if c := sm.Connection(); c != nil {
		c.Client.Close()
	}
}

func (sm *StreamManager) GetSession() *yamux.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.server != nil {
		return sm.server
	}

	return sm.client
}

// Opens a new stream over the session, each request gets its own.
func (sm *StreamManager) OpenStream() (*Client, error) {
	session := sm.GetSession()

	if session == nil {
		return nil, ErrNoSession
	}

	conn, err := session.Open()

	if err != nil {
		return nil, err
	}

	err = conn.SetDeadline(time.Now().Add(StreamDeadline))

	if err != nil {
		conn.Close()
		return nil, err
	}

	log.WithField("total", session.NumStreams()).Debug("Opened stream")

	return NewClient(conn), nil
}

// yamux logs go through logrus at debug level
var yamuxLog = log.StandardLogger().WriterLevel(log.DebugLevel)

func yamuxConfig() *yamux.Config {
	config := yamux.DefaultConfig()
	config.LogOutput = yamuxLog

	return config
}
