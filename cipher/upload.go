package cipher

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// UploadSignature computes the sig field of an upload-init request.
// fileID is the uppercase hex SHA-1 of the content and target the
// destination string, e.g. "U_1_<dirID>".
func UploadSignature(userID int64, userKey, fileID, target string) string {
	inner := sha1.Sum([]byte(strconv.FormatInt(userID, 10) + fileID + target + "0"))
	outer := sha1.Sum([]byte(userKey + hex.EncodeToString(inner[:]) + "000000"))
	return strings.ToUpper(hex.EncodeToString(outer[:]))
}

// UploadToken computes the token field of an upload-init request.
// signKey and signVal are empty on the first attempt and carry the
// hash-challenge answer on the second.
func UploadToken(fileID string, fileSize int64, signKey, signVal string, timestamp int64, userID int64) string {
	uid := strconv.FormatInt(userID, 10)
	uidMD5 := md5.Sum([]byte(uid))
	sum := md5.Sum([]byte(md5Salt + fileID + strconv.FormatInt(fileSize, 10) +
		signKey + signVal + uid + strconv.FormatInt(timestamp, 10) +
		hex.EncodeToString(uidMD5[:]) + AppVersion))
	return hex.EncodeToString(sum[:])
}

// UserAgent is the User-Agent string all requests carry. The service
// couples some endpoint behaviour to the claimed client version.
func UserAgent() string {
	return fmt.Sprintf("Mozilla/5.0 115disk/%s", AppVersion)
}
