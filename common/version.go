package common

// SoftwareName is the name of this software
const SoftwareName = "bindstone-netplay"

// SoftwareVersion is the version of this software
const SoftwareVersion = "v0.4.0-alpha"

// APIVersion is the version of the REST API served by the lobby
const APIVersion uint = 1

// ProtocolVersion is the client version a server expects, sent in the ServerDetails greeting.
// Peers with a different protocol version must not exchange any other traffic.
const ProtocolVersion = 1
