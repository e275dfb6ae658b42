// Stores things like message codes, etc.

package proto

var (
	// Protocol header, so we know this is a peerd client.
	// Version should follow.
	ProtoMagic   int16 = 0x7064
	ProtoVersion int16 = 0x0001

	ProtoHeader = "header"
	ProtoCap    = "cap"

	// inform a peer on the status of the latest request
	ProtoOk     = "ok"
	ProtoNo     = "no"
	ProtoCookie = "cookie"
	ProtoSig    = "sig"

	ProtoPing = "ping"

	// Gossip a chat message, flooded to every connected peer.
	ProtoGossip = "gossip"

	// Ask a provider for the content it serves under a key.
	ProtoFetch = "fetch"

	ProtoDhtAnnounce     = "dht.announce" // An entry in Content, to be added to the routing table
	ProtoDhtFindClosest  = "dht.findclosest"
	ProtoDhtGet          = "dht.get"
	ProtoDhtPut          = "dht.put"
	ProtoDhtAddProvider  = "dht.addprovider"
	ProtoDhtGetProviders = "dht.getproviders"
)
