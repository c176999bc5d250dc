package domain

import "io"

// FileUpload is one file received from a client, ready to relay.
type FileUpload struct {
	Name     string
	MIMEType string
	Size     int64
	Body     io.Reader
}

// UploadedFile is the public result of a relayed upload.
type UploadedFile struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}
