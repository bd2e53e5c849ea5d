package proto

import "time"

// Statement is the wire form of a statement record.
type Statement struct {
	Id           string         `json:"id"`
	FileName     string         `json:"fileName"`
	IssuerBank   string         `json:"issuerBank"`
	UploadDate   time.Time      `json:"uploadDate"`
	Status       string         `json:"status"`
	ParsedData   map[string]any `json:"parsedData,omitempty"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	Checksum     string         `json:"checksum,omitempty"`
	SizeBytes    int64          `json:"sizeBytes,omitempty"`
	ContentType  string         `json:"contentType,omitempty"`
	FinalizedAt  *time.Time     `json:"finalizedAt,omitempty"`
}

type IngestStatementRequest struct {
	FileName string `json:"fileName"`
	Content  []byte `json:"content"`
}

type IngestStatementResponse struct {
	Message   string     `json:"message"`
	Statement *Statement `json:"statement"`
}

type GetStatementRequest struct {
	Id string `json:"id"`
}

type GetStatementResponse struct {
	Statement *Statement `json:"statement"`
}

type ListStatementsRequest struct {
	Limit int32 `json:"limit"`
}

type ListStatementsResponse struct {
	Statements []*Statement `json:"statements"`
}
