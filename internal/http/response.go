package http

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  any    `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value any) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// NodeInfo is returned by the node endpoint.
type NodeInfo struct {
	ID      string `json:"id"`
	Lamport uint64 `json:"lamport"`
}

// RootEntry describes the current root of one stream.
type RootEntry struct {
	Stream  string `json:"stream"`
	Root    string `json:"root"`
	Lamport uint64 `json:"lamport"`
	Offset  uint64 `json:"offset"`
}

// AppendRequest is the body of an append.
type AppendRequest struct {
	Stream uint64        `json:"stream"`
	Events []AppendEvent `json:"events"`
}

type AppendEvent struct {
	Tags    []string `json:"tags"`
	Payload []byte   `json:"payload"`
}
