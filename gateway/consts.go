package gateway

import (
	jsoniterator "github.com/json-iterator/go"
)

// VERSION of relay, following Semantic Versioning.
const VERSION = "0.1"

// APIVersion is the gateway protocol version requested in the connection URL.
const APIVersion = 6

var jsoniter = jsoniterator.ConfigCompatibleWithStandardLibrary
