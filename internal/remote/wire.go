package remote

// JSON-RPC methods served by the entity store.
const (
	MethodCreate = "entity_create"
	MethodUpdate = "entity_update"
	MethodDelete = "entity_delete"
	MethodGet    = "entity_get"
	MethodQuery  = "entity_query"
)

// JSON-RPC error codes. The -320xx range is store specific.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeForbidden      = -32003
	CodeNotFound       = -32004
)

// WriteParams are the params of entity_create and entity_update. Key is
// empty for creates. From is the signing identity.
type WriteParams struct {
	Key        string      `json:"key,omitempty"`
	From       string      `json:"from"`
	Payload    []byte      `json:"payload"`
	Attributes []Attribute `json:"attributes,omitempty"`
	// ExpiresIn is the requested lifetime in seconds. Zero means the store
	// default.
	ExpiresIn int64 `json:"expiresIn,omitempty"`
}

// KeyParams are the params of entity_get and entity_delete.
type KeyParams struct {
	Key  string `json:"key"`
	From string `json:"from,omitempty"`
}

// TxResult is returned by entity_update and entity_delete.
type TxResult struct {
	TxHash string `json:"txHash"`
}
