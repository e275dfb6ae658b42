package proto

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"

	msgpack "github.com/vmihailenco/msgpack/v5"

	"github.com/zif/peerd/common"
	"github.com/zif/peerd/dht"
)

type Message struct {
	Header  string `msgpack:"header"`
	Content []byte `msgpack:"content"`

	Client *Client      `msgpack:"-"`
	From   *dht.Address `msgpack:"-"`
}

// Encodes iface as msgpack, gzipped, into Content.
func (m *Message) Write(iface interface{}) error {
	writer := bytes.Buffer{}
	compressor := gzip.NewWriter(&writer)
	encoder := msgpack.NewEncoder(compressor)

	err := encoder.Encode(iface)

	if err != nil {
		return err
	}

	err = compressor.Close()

	if err != nil {
		return err
	}

	m.Content = writer.Bytes()

	return nil
}

func (m *Message) Read(iface interface{}) error {
	if len(m.Content) == 0 {
		return errors.New("Message has no content")
	}

	reader := bytes.NewReader(m.Content)
	decompressor, err := gzip.NewReader(reader)

	if err != nil {
		return err
	}

	defer decompressor.Close()

	limiter := &io.LimitedReader{R: decompressor, N: common.MaxMessageContentSize}
	decoder := msgpack.NewDecoder(limiter)

	return decoder.Decode(iface)
}

func (m *Message) WriteInt(i int) error {
	return m.Write(i)
}

func (m *Message) ReadInt() (int, error) {
	var ret int

	err := m.Read(&ret)

	return ret, err
}

// Ok() is just an easier way to check if the peer has sent an "ok" response,
// rather than comparing the header member to a constant repeatedly.
func (m *Message) Ok() bool {
	return m.Header == ProtoOk
}

// The reason a peer gave for refusing a request, if it gave one.
func (m *Message) Err() error {
	if m.Ok() {
		return nil
	}

	if len(m.Content) > 0 {
		return errors.New(string(m.Content))
	}

	return errors.New("Peer refused request")
}
