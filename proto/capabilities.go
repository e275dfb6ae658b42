package proto

// Exchanged during the handshake.
type MessageCapabilities struct {
	Compression []string `msgpack:"compression"`
}

func LocalCapabilities() MessageCapabilities {
	return MessageCapabilities{Compression: []string{"gzip"}}
}

func ChooseCompression(client MessageCapabilities, server MessageCapabilities) string {
	// check if the peer has our caps, in order of preference
	// the server has preference
	for _, i := range server.Compression {
		for _, j := range client.Compression {
			if i == j {
				return i
			}
		}
	}

	return ""
}
