package oss

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// subresources are the query parameters which take part in the
// canonical resource. This is a closed set from the v1 protocol, not
// "all parameters"; the server computes its side of the signature over
// exactly these.
var subresources = map[string]struct{}{}

func init() {
	for _, k := range []string{
		"response-content-type", "response-content-language", "response-cache-control",
		"logging", "response-content-encoding", "acl", "uploadId", "uploads", "partNumber",
		"group", "link", "delete", "website", "location", "objectInfo", "objectMeta",
		"response-expires", "response-content-disposition", "cors", "lifecycle", "restore",
		"qos", "referer", "stat", "bucketInfo", "append", "position", "security-token",
		"live", "comp", "status", "vod", "startTime", "endTime", "x-oss-process",
		"symlink", "callback", "callback-var", "tagging", "encryption", "versions",
		"versioning", "versionId", "policy", "requestPayment", "x-oss-traffic-limit",
		"qosInfo", "asyncFetch", "x-oss-request-payer", "sequential", "inventory",
		"inventoryId", "continuation-token", "worm", "wormId", "wormExtend",
		"replication", "replicationLocation", "replicationProgress",
		"transferAcceleration", "cname", "metaQuery", "x-oss-ac-source-ip",
		"x-oss-ac-subnet-mask", "x-oss-ac-vpc-id", "x-oss-ac-forward-allow",
		"resourceGroup", "style", "styleName", "x-oss-async-process", "regionList",
	} {
		subresources[k] = struct{}{}
	}
}

// CanonicalString builds the v1 string to sign for a request. headers
// are the request headers which will actually be sent; only the
// x-oss-* ones take part.
func CanonicalString(method, contentMD5, contentType, date string, headers map[string]string, bucket, object string, params url.Values) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte('\n')
	b.WriteString(contentMD5)
	b.WriteByte('\n')
	b.WriteString(contentType)
	b.WriteByte('\n')
	b.WriteString(date)
	b.WriteByte('\n')

	var ossHeaders []string
	for k, v := range headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-oss-") {
			ossHeaders = append(ossHeaders, lk+":"+strings.TrimSpace(v))
		}
	}
	sort.Strings(ossHeaders)
	for _, h := range ossHeaders {
		b.WriteString(h)
		b.WriteByte('\n')
	}

	b.WriteString(canonicalizedResource(bucket, object, params))
	return b.String()
}

func canonicalizedResource(bucket, object string, params url.Values) string {
	res := "/" + bucket + "/" + object
	if len(params) == 0 {
		return res
	}
	var keys []string
	for k := range params {
		if _, ok := subresources[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return res
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		if v := params.Get(k); v != "" {
			parts = append(parts, k+"="+v)
		} else {
			parts = append(parts, k)
		}
	}
	return res + "?" + strings.Join(parts, "&")
}

// Signature computes base64(HMAC-SHA1(secret, stringToSign))
func Signature(accessKeySecret, stringToSign string) string {
	mac := hmac.New(sha1.New, []byte(accessKeySecret))
	_, _ = mac.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorization builds the value of the Authorization header
func Authorization(accessKeyID, accessKeySecret, stringToSign string) string {
	return "OSS " + accessKeyID + ":" + Signature(accessKeySecret, stringToSign)
}
