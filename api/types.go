// Package api has type definitions and error classification for the
// 115 drive API.
//
// The API grew over many years and several client generations, so the
// same concept is spelled differently endpoint to endpoint: numbers
// arrive either bare or quoted, booleans as true/false or 0/1, and the
// failure code lives in one of errno, errNo or code. The shim types
// below absorb all of that at the JSON boundary so the rest of the
// code can work with plain Go values.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Int64 is an int64 which unmarshals from a JSON number or a quoted
// number. Empty strings decode as zero.
type Int64 int64

// UnmarshalJSON turns JSON into an Int64
func (i *Int64) UnmarshalJSON(data []byte) error {
	data = unquote(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*i = 0
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse int64 %q: %w", data, err)
	}
	*i = Int64(n)
	return nil
}

// Int is an int which unmarshals from a JSON number or a quoted
// number. Empty strings decode as zero.
type Int int

// UnmarshalJSON turns JSON into an Int
func (i *Int) UnmarshalJSON(data []byte) error {
	var n Int64
	if err := n.UnmarshalJSON(data); err != nil {
		return err
	}
	*i = Int(n)
	return nil
}

// Bool unmarshals from JSON true/false, 0/1 and "0"/"1".
type Bool bool

// UnmarshalJSON turns JSON into a Bool
func (b *Bool) UnmarshalJSON(data []byte) error {
	data = unquote(data)
	switch string(data) {
	case "true", "1":
		*b = true
	case "false", "0", "", "null":
		*b = false
	default:
		return fmt.Errorf("parse bool %q", data)
	}
	return nil
}

func unquote(data []byte) []byte {
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		return data[1 : len(data)-1]
	}
	return data
}

// ------------------------------------------------------------

// Base is the envelope every JSON response of the service carries.
// state reports success; on failure exactly one of errno, errNo or
// code is populated.
type Base struct {
	State   Bool   `json:"state"`
	Errno   Int    `json:"errno"`
	ErrNo   Int    `json:"errNo"`
	Code    Int    `json:"code"`
	ErrMsg  string `json:"error"`
	Message string `json:"message"`
	Msg     string `json:"msg"`
}

// Err returns nil if the response was successful, otherwise a
// classified *Error.
func (b *Base) Err() error {
	if b.State {
		return nil
	}
	msg := b.ErrMsg
	if msg == "" {
		msg = b.Message
	}
	if msg == "" {
		msg = b.Msg
	}
	return &Error{
		Errno:   int(b.Errno),
		ErrNo:   int(b.ErrNo),
		Code:    int(b.Code),
		Message: msg,
	}
}

// ------------------------------------------------------------

// FileEntry is one child in a directory listing. Directory entries
// carry cid (their own id) and pid (the parent); file entries carry
// fid (their own id) and cid (the parent).
type FileEntry struct {
	FID      Int64    `json:"fid"` // file id, zero for directories
	CID      Int64    `json:"cid"` // directory id, or parent for files
	PID      Int64    `json:"pid"` // parent id, directories only
	Name     string   `json:"n"`
	Size     Int64    `json:"s"`
	SHA1     string   `json:"sha"`
	PickCode string   `json:"pc"`
	Star     Bool     `json:"m"`
	Hidden   Bool     `json:"hdf"`
	Desc     Bool     `json:"d"`
	Score    Int      `json:"score"`
	Thumb    string   `json:"u"`
	PlayLong float64  `json:"play_long"`
	Violated Bool     `json:"c"`
	Labels   []*Label `json:"fl"`
	PTime    Int64    `json:"tp"` // put (create) time, unix seconds
	MTime    Int64    `json:"te"` // modify time, unix seconds
	UTime    Int64    `json:"tu"` // update time, unix seconds
	OTime    Int64    `json:"to"` // open time, unix seconds
}

// IsDir reports whether the entry describes a directory
func (e *FileEntry) IsDir() bool {
	return e.FID == 0
}

// ID returns the node id of the entry
func (e *FileEntry) ID() uint64 {
	if e.IsDir() {
		return uint64(e.CID)
	}
	return uint64(e.FID)
}

// ParentID returns the parent node id of the entry
func (e *FileEntry) ParentID() uint64 {
	if e.IsDir() {
		return uint64(e.PID)
	}
	return uint64(e.CID)
}

// Label is a user-defined tag attached to a node
type Label struct {
	ID    Int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// PathEntry is one breadcrumb element of a listing or get_info reply
type PathEntry struct {
	CID  Int64  `json:"cid"`
	PID  Int64  `json:"pid"`
	Name string `json:"name"`
}

// FilesResponse is the reply of GET fs/files
type FilesResponse struct {
	Base
	AreaID    Int          `json:"aid"`
	CID       Int64        `json:"cid"`
	Count     Int          `json:"count"`
	SysCount  Int          `json:"sys_count"`
	Offset    Int          `json:"offset"`
	Limit     Int          `json:"limit"`
	PageSize  Int          `json:"page_size"`
	Data      []*FileEntry `json:"data"`
	Path      []*PathEntry `json:"path"`
	Order     string       `json:"order"`
	IsAsc     Int          `json:"is_asc"`
	FolderCnt Int          `json:"folder_count"`
}

// CategoryInfo is the reply of GET category/get: the attributes of a
// single directory, used among other things as the freshness probe of
// the attribute cache.
type CategoryInfo struct {
	Base
	Count        Int          `json:"count"`
	FolderCount  Int          `json:"folder_count"`
	Size         string       `json:"size"`
	Name         string       `json:"file_name"`
	PickCode     string       `json:"pick_code"`
	SHA1         string       `json:"sha1"`
	IsShare      Bool         `json:"is_share"`
	PTime        Int64        `json:"ptime"`
	UTime        Int64        `json:"utime"`
	OpenTime     Int64        `json:"open_time"`
	FileCategory Int          `json:"file_category"` // 0 for directories
	Paths        []*PathEntry `json:"paths"`
}

// FileInfo is one element of the get_info reply
type FileInfo struct {
	FileID       Int64        `json:"file_id"`
	CategoryID   Int64        `json:"category_id"`
	ParentID     Int64        `json:"parent_id"`
	FileName     string       `json:"file_name"`
	FileCategory Int          `json:"file_category"` // 0 directory, 1 file
	Size         Int64        `json:"size"`
	SHA1         string       `json:"sha1"`
	PickCode     string       `json:"pick_code"`
	PTime        Int64        `json:"ptime"`
	UTime        Int64        `json:"utime"`
	OpenTime     Int64        `json:"open_time"`
	Star         Bool         `json:"star"`
	Paths        []*PathEntry `json:"paths"`
}

// GetInfoResponse is the reply of GET files/get_info
type GetInfoResponse struct {
	Base
	Data []*FileInfo `json:"data"`
}

// MkdirResponse is the reply of POST files/add
type MkdirResponse struct {
	Base
	AreaID Int64  `json:"aid"`
	CID    Int64  `json:"cid"`
	FileID Int64  `json:"file_id"`
	Name   string `json:"cname"`
}

// ------------------------------------------------------------
// Download

// DownloadURL wraps the signed URL of a download ticket. The server
// sends literal false instead of an object for directories, which is
// preserved here as an empty URL.
type DownloadURL struct {
	URL    string `json:"url"`
	Client Int    `json:"client"`
	OssID  string `json:"oss_id"`
}

// UnmarshalJSON turns JSON into a DownloadURL
func (u *DownloadURL) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("false")) || bytes.Equal(data, []byte("null")) {
		*u = DownloadURL{}
		return nil
	}
	type alias DownloadURL
	return json.Unmarshal(data, (*alias)(u))
}

// DownloadInfo is the per-file payload inside the decoded downurl
// reply, keyed by file id.
type DownloadInfo struct {
	FileName string      `json:"file_name"`
	FileSize Int64       `json:"file_size"`
	PickCode string      `json:"pick_code"`
	URL      DownloadURL `json:"url"`
}

// DownloadResponse is the outer (enveloped) reply of the downurl
// endpoint; Data is itself an RSA envelope.
type DownloadResponse struct {
	Base
	Data string `json:"data"`
}

// ------------------------------------------------------------
// Upload

// UploadBasicInfo is the reply of GET app/uploadinfo: the per-user
// inputs of the upload-init signature.
type UploadBasicInfo struct {
	Base
	UserID    Int64  `json:"user_id"`
	UserKey   string `json:"userkey"`
	SizeLimit Int64  `json:"size_limit"`
	AppID     Int64  `json:"app_id"`
	AppVer    string `json:"app_version"`
}

// UploadEndpointInfo is the reply of GET getuploadinfo.php
type UploadEndpointInfo struct {
	Base
	Endpoint    string `json:"endpoint"`
	GetTokenURL string `json:"gettokenurl"`
}

// UploadToken is the reply of GET gettoken.php: an STS triple for
// direct-to-OSS transfer.
type UploadToken struct {
	StatusCode      string    `json:"StatusCode"`
	AccessKeyID     string    `json:"AccessKeyId"`
	AccessKeySecret string    `json:"AccessKeySecret"`
	SecurityToken   string    `json:"SecurityToken"`
	Expiration      time.Time `json:"Expiration"`
}

// Callback is the opaque pair the service expects echoed, base64
// encoded, in the multipart completion headers.
type Callback struct {
	Callback    string `json:"callback"`
	CallbackVar string `json:"callback_var"`
}

// UploadInitResponse is the decoded reply of initupload.php.
//
// status/statuscode combinations:
//
//	2/0   instant hit, pickcode identifies the deduped file
//	7/701 hash challenge, sign_key and sign_check are set
//	1/0   no dedup, bucket/object/callback describe the OSS upload
type UploadInitResponse struct {
	Request    string   `json:"request"`
	Status     Int      `json:"status"`
	StatusCode Int      `json:"statuscode"`
	StatusMsg  string   `json:"statusmsg"`
	PickCode   string   `json:"pickcode"`
	Target     string   `json:"target"`
	Version    string   `json:"version"`
	Bucket     string   `json:"bucket"`
	Object     string   `json:"object"`
	Callback   Callback `json:"callback"`
	SignKey    string   `json:"sign_key"`
	SignCheck  string   `json:"sign_check"`
	FileID     Int64    `json:"file_id"`
}

// SampleInitResponse is the reply of sampleinitupload.php: a
// pre-signed form POST the server takes care of signing.
type SampleInitResponse struct {
	Base
	Host      string `json:"host"`
	Object    string `json:"object"`
	Policy    string `json:"policy"`
	AccessID  string `json:"accessid"`
	Callback  string `json:"callback"`
	Signature string `json:"signature"`
	Expire    Int64  `json:"expire"`
}

// CallbackFile is the node booked by the service when an OSS upload
// completes.
type CallbackFile struct {
	AreaID   Int64  `json:"aid"`
	CID      Int64  `json:"cid"`
	FileID   Int64  `json:"file_id"`
	FileName string `json:"file_name"`
	FileSize Int64  `json:"file_size"`
	PickCode string `json:"pick_code"`
	SHA1     string `json:"sha"`
	IsVideo  Int    `json:"is_video"`
	ThumbURL string `json:"thumb_url"`
}

// CallbackResponse is the JSON body the OSS completion call relays
// back from the service.
type CallbackResponse struct {
	Base
	Data *CallbackFile `json:"data"`
}

// ------------------------------------------------------------

// IndexInfoResponse is the reply of GET files/index_info (quota)
type IndexInfoResponse struct {
	Base
	Data struct {
		SpaceInfo struct {
			Total  SpaceValue `json:"all_total"`
			Remain SpaceValue `json:"all_remain"`
			Use    SpaceValue `json:"all_use"`
		} `json:"space_info"`
	} `json:"data"`
}

// SpaceValue is one quota figure
type SpaceValue struct {
	Size       float64 `json:"size"`
	SizeFormat string  `json:"size_format"`
}
