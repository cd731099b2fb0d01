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

// Error codes let clients tell retriable failures apart.
const (
	CodeInvalidArgument = "invalid_argument"
	CodeMemtableFull    = "memtable_full"
	CodeFlushStuck      = "flush_stuck"
	CodeLogUnavailable  = "log_unavailable"
	CodeClosed          = "closed"
	CodeInternal        = "internal"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`
	Value  string `json:"value,omitempty"`
	Items  []Item `json:"items,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

type Item struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value string) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewItemsResponse(items []Item) Response {
	return Response{Status: StatusSuccess, Items: items}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

func NewCodedErrorResponse(code, err string) Response {
	return Response{Status: StatusError, Error: err, Code: code}
}
