package proto

// tcp server

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"
	log "github.com/sirupsen/logrus"
	"github.com/zif/peerd/common"
	"github.com/zif/peerd/util"
)

type Server struct {
	mu       sync.Mutex
	listener net.Listener
}

// Binds addr, which is host:port. Call Serve to start accepting.
func (s *Server) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)

	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.WithField("address", listener.Addr().String()).Info("Listening")

	return listener.Addr(), nil
}

// Accepts connections until the listener is closed. Any other accept error is
// passed to the handler, and ends the loop.
func (s *Server) Serve(handler ProtocolHandler, data common.Encodable) {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		handler.HandleListenerError(errors.New("Server is not listening"))
		return
	}

	for {
		conn, err := listener.Accept()

		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Error(err.Error())
			handler.HandleListenerError(err)
			return
		}

		log.WithField("remote", conn.RemoteAddr().String()).Debug("New TCP connection")

		go s.accept(conn, handler, data)
	}
}

func (s *Server) accept(conn net.Conn, handler ProtocolHandler, data common.Encodable) {
	conn.SetDeadline(time.Now().Add(StreamDeadline))

	var magic int16
	binary.Read(conn, binary.LittleEndian, &magic)

	if magic != ProtoMagic {
		log.Error("This is not a peerd connection: ", magic)
		conn.Close()
		return
	}

	var version int16
	binary.Read(conn, binary.LittleEndian, &version)

	if version != ProtoVersion {
		log.Error("Incorrect protocol version: ", version)
		conn.Close()
		return
	}

	s.Handshake(conn, handler, data)
}

func (s *Server) ListenStream(peer NetworkPeer, handler ProtocolHandler) {
	// Allowed to open 4 streams per second, bursting to three.
	limiter := util.NewLimiter(time.Second/4, 3, true)
	defer limiter.Stop()

	session := peer.Session()

	for {
		stream, err := session.Accept()

		if err != nil {
			if err == io.EOF || err == yamux.ErrSessionShutdown {
				log.WithField("peer", peer.Address().StringOr("")).Debug("Peer closed connection")
			} else {
				log.Error(err.Error())
			}

			handler.HandleCloseConnection(peer.Address())

			return
		}

		limiter.Wait()

		log.Debug("Accepted stream (", session.NumStreams(), " total)")

		go s.HandleStream(peer, handler, stream)
	}
}

func (s *Server) HandleStream(peer NetworkPeer, handler ProtocolHandler, stream net.Conn) {
	defer stream.Close()

	cl := NewClient(stream)

	for {
		stream.SetDeadline(time.Now().Add(StreamDeadline))

		msg, err := cl.ReadMessage()

		if err != nil {
			if err != io.EOF {
				log.Debug(err.Error())
			}

			return
		}

		msg.From = peer.Address()

		s.RouteMessage(msg, handler)
	}
}

func (s *Server) RouteMessage(msg *Message, handler ProtocolHandler) {
	var err error

	switch msg.Header {

	case ProtoPing:
		err = handler.HandlePing(msg)
	case ProtoDhtAnnounce:
		err = handler.HandleAnnounce(msg)
	case ProtoDhtFindClosest:
		err = handler.HandleFindClosest(msg)
	case ProtoDhtGet:
		err = handler.HandleGet(msg)
	case ProtoDhtPut:
		err = handler.HandlePut(msg)
	case ProtoDhtAddProvider:
		err = handler.HandleAddProvider(msg)
	case ProtoDhtGetProviders:
		err = handler.HandleGetProviders(msg)
	case ProtoGossip:
		err = handler.HandleGossip(msg)
	case ProtoFetch:
		err = handler.HandleFetch(msg)

	default:
		err = errors.New("Unknown message type: " + msg.Header)
	}

	if err != nil {
		log.WithField("header", msg.Header).Debug(err.Error())
		msg.Client.WriteErr(err)
	}
}

func (s *Server) Handshake(conn net.Conn, handler ProtocolHandler, data common.Encodable) {
	cl := NewClient(conn)

	header, err := handshake(cl, handler, data)

	if err != nil {
		log.WithField("remote", conn.RemoteAddr().String()).Info("Handshake failed: ", err.Error())
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})

	peer, err := handler.HandleHandshake(*header)

	if err != nil {
		log.Error(err.Error())
		conn.Close()
		return
	}

	go s.ListenStream(peer, handler)
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
}
