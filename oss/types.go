package oss

import (
	"encoding/xml"
	"fmt"
)

// initiateMultipartUploadResult is the XML reply to POST ?uploads
type initiateMultipartUploadResult struct {
	XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
	Bucket   string   `xml:"Bucket"`
	Key      string   `xml:"Key"`
	UploadID string   `xml:"UploadId"`
}

// UploadedPart describes one part the server already holds
type UploadedPart struct {
	PartNumber    int    `xml:"PartNumber"`
	LastModified  string `xml:"LastModified"`
	ETag          string `xml:"ETag"`
	Size          int64  `xml:"Size"`
	HashCrc64ecma string `xml:"HashCrc64ecma"`
}

// listPartsResult is one page of GET ?uploadId
type listPartsResult struct {
	XMLName              xml.Name       `xml:"ListPartsResult"`
	Bucket               string         `xml:"Bucket"`
	Key                  string         `xml:"Key"`
	UploadID             string         `xml:"UploadId"`
	NextPartNumberMarker int            `xml:"NextPartNumberMarker"`
	IsTruncated          bool           `xml:"IsTruncated"`
	Parts                []UploadedPart `xml:"Part"`
}

// CompletePart identifies an uploaded part in the completion body
type CompletePart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

// completeMultipartUpload is the body of POST ?uploadId. Parts must be
// in ascending PartNumber order.
type completeMultipartUpload struct {
	XMLName xml.Name       `xml:"CompleteMultipartUpload"`
	Parts   []CompletePart `xml:"Part"`
}

// ErrorResponse is the XML body of a non-2xx reply
type ErrorResponse struct {
	XMLName    xml.Name `xml:"Error"`
	StatusCode int      `xml:"-"`
	Code       string   `xml:"Code"`
	Message    string   `xml:"Message"`
	RequestID  string   `xml:"RequestId"`
}

// Error returns a string for the error and satisfies the error interface
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("oss: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}
