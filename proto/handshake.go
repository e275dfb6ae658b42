package proto

import (
	"errors"

	"golang.org/x/crypto/ed25519"

	log "github.com/sirupsen/logrus"
	"github.com/zif/peerd/common"
	"github.com/zif/peerd/dht"
	"github.com/zif/peerd/util"
)

const CookieSize = 20

var (
	ErrRefusedHeader    = errors.New("Peer refused header")
	ErrRefusedSignature = errors.New("Peer refused signature")
	ErrNoCompression    = errors.New("No compression in common")
)

// The accepting side of a handshake. The peer introduces itself first, then
// we do the same. server.go calls this.
func handshake(cl *Client, lp common.Signer, data common.Encodable) (*ConnHeader, error) {
	if lp == nil {
		cl.WriteErr(errors.New("Nil localpeer"))
		return nil, errors.New("Handshake passed nil LocalPeer")
	}

	header, err := handshakeReceive(cl)

	if err != nil {
		return nil, err
	}

	err = cl.WriteMessage(&Message{Header: ProtoOk})

	if err != nil {
		return nil, err
	}

	err = handshakeSend(cl, lp, data)

	if err != nil {
		return nil, err
	}

	return header, nil
}

// The dialing side. We introduce ourselves, wait for the peer to accept, then
// check that the peer is who it says it is.
func handshakeDial(cl *Client, lp common.Signer, data common.Encodable) (*ConnHeader, error) {
	log.Debug("Sending handshake")

	err := handshakeSend(cl, lp, data)

	if err != nil {
		return nil, err
	}

	msg, err := cl.ReadMessage()

	if err != nil {
		return nil, err
	}

	if !msg.Ok() {
		return nil, msg.Err()
	}

	// server now knows that we are definitely who we say we are.
	// but...
	// is the server who we think it is?
	// better check!
	header, err := handshakeReceive(cl)

	if err != nil {
		return nil, err
	}

	log.Debug("Handshake complete")

	return header, nil
}

// Just receives a handshake from a peer.
func handshakeReceive(cl *Client) (*ConnHeader, error) {
	refuse := func(e error) error {
		cl.WriteErr(e)
		return e
	}

	log.Debug("Receiving handshake")

	header, err := cl.ReadMessage()

	if err != nil {
		return nil, err
	}

	if header.Header != ProtoHeader {
		return nil, refuse(errors.New("Expected a header"))
	}

	var entry dht.Entry
	err = header.Read(&entry)

	if err != nil {
		return nil, refuse(err)
	}

	err = entry.Verify()

	if err != nil {
		return nil, refuse(err)
	}

	log.WithField("peer", entry.Address.StringOr("")).Debug("Incoming handshake")

	err = cl.WriteMessage(&Message{Header: ProtoOk})

	if err != nil {
		return nil, err
	}

	// read the caps from the peer
	capsMsg, err := cl.ReadMessage()

	if err != nil {
		return nil, err
	}

	caps := MessageCapabilities{}
	err = capsMsg.Read(&caps)

	if err != nil {
		return nil, refuse(err)
	}

	if ChooseCompression(caps, LocalCapabilities()) == "" {
		return nil, refuse(ErrNoCompression)
	}

	// Send the client a cookie for them to sign, this proves they have the
	// private key, and it is highly unlikely an attacker has a signed cookie
	// cached.
	cookie, err := util.CryptoRandBytes(CookieSize)

	if err != nil {
		return nil, err
	}

	msg := &Message{Header: ProtoCookie}
	err = msg.Write(cookie)

	if err != nil {
		return nil, err
	}

	err = cl.WriteMessage(msg)

	if err != nil {
		return nil, err
	}

	sig, err := cl.ReadMessage()

	if err != nil {
		return nil, err
	}

	// need to decompress the signature before verifying
	var signature []byte
	err = sig.Read(&signature)

	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, refuse(errors.New("Bad signature"))
	}

	if !ed25519.Verify(entry.PublicKey, cookie, signature) {
		log.WithField("peer", entry.Address.StringOr("")).Error("Failed to verify peer")
		return nil, refuse(errors.New("Signature not verified"))
	}

	err = cl.WriteMessage(&Message{Header: ProtoOk})

	if err != nil {
		return nil, err
	}

	log.WithField("peer", entry.Address.StringOr("")).Debug("Verified")

	return &ConnHeader{Client: cl, Entry: entry, Capabilities: caps}, nil
}

// Sends a handshake to a peer.
func handshakeSend(cl *Client, lp common.Signer, data common.Encodable) error {
	header := &Message{Header: ProtoHeader}

	err := header.Write(data)

	if err != nil {
		return err
	}

	err = cl.WriteMessage(header)

	if err != nil {
		return err
	}

	msg, err := cl.ReadMessage()

	if err != nil {
		return err
	}

	if !msg.Ok() {
		log.WithField("reason", msg.Err().Error()).Debug("Header refused")
		return ErrRefusedHeader
	}

	msgCaps := &Message{Header: ProtoCap}
	err = msgCaps.Write(LocalCapabilities())

	if err != nil {
		return err
	}

	err = cl.WriteMessage(msgCaps)

	if err != nil {
		return err
	}

	msg, err = cl.ReadMessage()

	if err != nil {
		return err
	}

	if msg.Header != ProtoCookie {
		return msg.Err()
	}

	// the peer expects us to sign the *decompressed* cookie. So do that.
	var cookie []byte
	err = msg.Read(&cookie)

	if err != nil {
		return err
	}

	if len(cookie) != CookieSize {
		return errors.New("Cookie has the wrong size")
	}

	msg = &Message{Header: ProtoSig}
	err = msg.Write(lp.Sign(cookie))

	if err != nil {
		return err
	}

	err = cl.WriteMessage(msg)

	if err != nil {
		return err
	}

	msg, err = cl.ReadMessage()

	if err != nil {
		return err
	}

	if !msg.Ok() {
		return ErrRefusedSignature
	}

	return nil
}
