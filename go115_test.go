package go115

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yunkit/go115/api"
	"github.com/yunkit/go115/oss"
)

// rewriteTransport sends every request to the fake server regardless
// of host, keeping the original Host header for inspection.
type rewriteTransport struct {
	addr string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.URL.Scheme = "http"
	r.URL.Host = t.addr
	r.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(r)
}

// plainCipher stands in for the upload envelope so the fake server
// sees requests in clear.
type plainCipher struct{}

func (plainCipher) Encrypt(b []byte) ([]byte, error)         { return b, nil }
func (plainCipher) Decrypt(b []byte, _ bool) ([]byte, error) { return b, nil }
func (plainCipher) EncodeToken(ts int64) string              { return "stub" }

// plainRSA stands in for the download envelope
type plainRSA struct{}

func (plainRSA) Encode(b []byte) (string, error) { return string(b), nil }
func (plainRSA) Decode(s string) ([]byte, error) { return []byte(s), nil }

func sha1hex(b []byte) string {
	h := sha1.Sum(b)
	return strings.ToUpper(hex.EncodeToString(h[:]))
}

// ------------------------------------------------------------
// fake service

type fakeNode struct {
	id     uint64
	parent uint64
	name   string
	dir    bool
	size   int64
	sha    string
	pick   string
}

type pendingUpload struct {
	name   string
	parent uint64
	size   int64
	sha    string
}

type fakeService struct {
	mu      sync.Mutex
	nodes   map[uint64]*fakeNode
	next    uint64
	version map[uint64]int64

	knownSHA          map[string]bool
	challenge         bool
	signKey           string
	signCheck         string
	wantSignVal       string
	gotSignVal        string
	instantStatusCode int
	initCalls         int
	pending           pendingUpload

	uploadID   string
	ossParts   map[int][]byte
	ossPuts    []int
	failPart   int
	singlePuts int

	listCalls     int
	afterList     func(f *fakeService)
	sampleUploads int
}

func newFakeService() *fakeService {
	return &fakeService{
		nodes:    map[uint64]*fakeNode{},
		next:     100,
		version:  map[uint64]int64{},
		knownSHA: map[string]bool{},
		ossParts: map[int][]byte{},
	}
}

// makeNode must be called with mu held
func (f *fakeService) makeNode(parent uint64, name string, dir bool, size int64, sha, pick string) *fakeNode {
	n := &fakeNode{
		id:     f.next,
		parent: parent,
		name:   name,
		dir:    dir,
		size:   size,
		sha:    sha,
		pick:   pick,
	}
	f.next++
	f.nodes[n.id] = n
	f.version[parent]++
	return n
}

func (f *fakeService) children(dir uint64) []*fakeNode {
	var out []*fakeNode
	for _, n := range f.nodes {
		if n.parent == dir && n.id != dir {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()
	if q.Has("uploads") || q.Get("uploadId") != "" || q.Get("partNumber") != "" {
		f.serveOSS(w, r)
		return
	}
	switch r.URL.Path {
	case "/app/uploadinfo":
		writeJSON(w, map[string]interface{}{"state": true, "user_id": 1001, "userkey": "userkey01"})
	case "/3.0/getuploadinfo.php":
		writeJSON(w, map[string]interface{}{"state": true, "endpoint": "http://oss.example.com"})
	case "/3.0/gettoken.php":
		writeJSON(w, map[string]interface{}{
			"StatusCode": "200", "AccessKeyId": "AK", "AccessKeySecret": "SK",
			"SecurityToken": "tok", "Expiration": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	case "/4.0/initupload.php":
		f.serveInitUpload(w, r)
	case "/3.0/sampleinitupload.php":
		writeJSON(w, map[string]interface{}{
			"state": true, "host": "http://sample.example.com", "object": "sample-obj",
			"policy": "pol", "accessid": "AK", "callback": "cb", "signature": "sig",
		})
	case "/":
		f.serveSampleForm(w, r)
	case "/obj-1":
		f.servePutObject(w, r)
	case "/files":
		f.serveList(w, r)
	case "/category/get":
		f.serveCategory(w, r)
	case "/files/get_info":
		f.serveGetInfo(w, r)
	case "/files/add":
		f.serveMkdir(w, r)
	case "/files/batch_rename":
		f.serveRename(w, r)
	case "/files/move":
		f.serveMove(w, r)
	case "/files/copy":
		f.serveCopy(w, r)
	case "/rb/delete":
		f.serveDelete(w, r)
	case "/files/index_info":
		writeJSON(w, map[string]interface{}{
			"state": true,
			"data": map[string]interface{}{"space_info": map[string]interface{}{
				"all_total":  map[string]interface{}{"size": 1.1805916207174113e+16},
				"all_remain": map[string]interface{}{"size": 9e+15},
				"all_use":    map[string]interface{}{"size": 2.805916207174113e+15},
			}},
		})
	case "/app/chrome/downurl":
		f.serveDownURL(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeService) serveList(w http.ResponseWriter, r *http.Request) {
	f.listCalls++
	q := r.URL.Query()
	cid, _ := strconv.ParseUint(q.Get("cid"), 10, 64)
	offset, _ := strconv.Atoi(q.Get("offset"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	if _, ok := f.nodes[cid]; !ok && cid != 0 {
		// the real server answers for the root in this case
		cid = 0
	}
	kids := f.children(cid)
	count := len(kids)
	var data []map[string]interface{}
	for i := offset; i < count && i < offset+limit; i++ {
		n := kids[i]
		if n.dir {
			data = append(data, map[string]interface{}{"cid": n.id, "pid": n.parent, "n": n.name})
		} else {
			data = append(data, map[string]interface{}{
				"fid": n.id, "cid": n.parent, "n": n.name, "s": n.size, "sha": n.sha, "pc": n.pick,
			})
		}
	}
	writeJSON(w, map[string]interface{}{
		"state": true, "cid": cid, "count": count, "offset": offset, "limit": limit, "data": data,
	})
	if f.afterList != nil {
		f.afterList(f)
	}
}

func (f *fakeService) serveCategory(w http.ResponseWriter, r *http.Request) {
	cid, _ := strconv.ParseUint(r.URL.Query().Get("cid"), 10, 64)
	name := "root"
	if cid != 0 {
		n, ok := f.nodes[cid]
		if !ok {
			writeJSON(w, map[string]interface{}{"state": false, "errno": 20009, "error": "not exist"})
			return
		}
		name = n.name
	}
	writeJSON(w, map[string]interface{}{
		"count": len(f.children(cid)), "file_name": name, "utime": 1700000000 + f.version[cid],
	})
}

func (f *fakeService) breadcrumb(n *fakeNode) []map[string]interface{} {
	var chain []*fakeNode
	for p := n.parent; p != 0; {
		pn := f.nodes[p]
		if pn == nil {
			break
		}
		chain = append([]*fakeNode{pn}, chain...)
		p = pn.parent
	}
	paths := []map[string]interface{}{{"cid": 0, "pid": 0, "name": "root"}}
	for _, pn := range chain {
		paths = append(paths, map[string]interface{}{"cid": pn.id, "pid": pn.parent, "name": pn.name})
	}
	return paths
}

func (f *fakeService) serveGetInfo(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(r.URL.Query().Get("file_id"), 10, 64)
	n, ok := f.nodes[id]
	if !ok {
		writeJSON(w, map[string]interface{}{"state": false, "code": 20018, "error": "not found"})
		return
	}
	category := 1
	if n.dir {
		category = 0
	}
	writeJSON(w, map[string]interface{}{
		"state": true,
		"data": []map[string]interface{}{{
			"file_id": n.id, "parent_id": n.parent, "file_name": n.name,
			"file_category": category, "size": n.size, "sha1": n.sha,
			"pick_code": n.pick, "paths": f.breadcrumb(n),
		}},
	})
}

func (f *fakeService) serveMkdir(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	pid, _ := strconv.ParseUint(r.PostForm.Get("pid"), 10, 64)
	name := r.PostForm.Get("cname")
	for _, n := range f.children(pid) {
		if n.name == name {
			writeJSON(w, map[string]interface{}{"state": false, "errno": 20004, "error": "exists"})
			return
		}
	}
	n := f.makeNode(pid, name, true, 0, "", "")
	writeJSON(w, map[string]interface{}{"state": true, "cid": strconv.FormatUint(n.id, 10), "cname": name})
}

func (f *fakeService) serveRename(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	for k, vs := range r.PostForm {
		if strings.HasPrefix(k, "files_new_name[") {
			id, _ := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(k, "files_new_name["), "]"), 10, 64)
			if n, ok := f.nodes[id]; ok {
				n.name = vs[0]
				f.version[n.parent]++
			}
		}
	}
	writeJSON(w, map[string]interface{}{"state": true})
}

func (f *fakeService) formIDs(r *http.Request) []uint64 {
	var ids []uint64
	for k, vs := range r.PostForm {
		if strings.HasPrefix(k, "fid[") {
			id, _ := strconv.ParseUint(vs[0], 10, 64)
			ids = append(ids, id)
		}
	}
	return ids
}

func (f *fakeService) serveMove(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	pid, _ := strconv.ParseUint(r.PostForm.Get("pid"), 10, 64)
	for _, id := range f.formIDs(r) {
		if n, ok := f.nodes[id]; ok {
			f.version[n.parent]++
			n.parent = pid
			f.version[pid]++
		}
	}
	writeJSON(w, map[string]interface{}{"state": true})
}

func (f *fakeService) serveCopy(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	pid, _ := strconv.ParseUint(r.PostForm.Get("pid"), 10, 64)
	for _, id := range f.formIDs(r) {
		if n, ok := f.nodes[id]; ok {
			f.makeNode(pid, n.name, n.dir, n.size, n.sha, n.pick)
		}
	}
	writeJSON(w, map[string]interface{}{"state": true})
}

func (f *fakeService) serveDelete(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	for _, id := range f.formIDs(r) {
		if n, ok := f.nodes[id]; ok {
			f.version[n.parent]++
			delete(f.nodes, id)
		}
	}
	writeJSON(w, map[string]interface{}{"state": true})
}

func (f *fakeService) serveDownURL(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	var req map[string]string
	_ = json.Unmarshal([]byte(r.PostForm.Get("data")), &req)
	for _, n := range f.nodes {
		if !n.dir && n.pick == req["pickcode"] {
			inner, _ := json.Marshal(map[string]interface{}{
				strconv.FormatUint(n.id, 10): map[string]interface{}{
					"file_name": n.name, "file_size": n.size, "pick_code": n.pick,
					"url": map[string]interface{}{"url": "https://cdn.115.com/dl/" + n.pick + "?t=1999999999"},
				},
			})
			writeJSON(w, map[string]interface{}{"state": true, "data": string(inner)})
			return
		}
	}
	writeJSON(w, map[string]interface{}{"state": false, "errno": 90008, "error": "no such file"})
}

func (f *fakeService) serveInitUpload(w http.ResponseWriter, r *http.Request) {
	f.initCalls++
	body, _ := io.ReadAll(r.Body)
	form, _ := url.ParseQuery(string(body))
	target := form.Get("target")
	parent, _ := strconv.ParseUint(strings.TrimPrefix(target, "U_1_"), 10, 64)
	size, _ := strconv.ParseInt(form.Get("filesize"), 10, 64)
	sha := form.Get("fileid")
	name := form.Get("filename")

	if f.challenge && form.Get("sign_key") == "" {
		writeJSON(w, map[string]interface{}{
			"status": 7, "statuscode": 701, "sign_key": f.signKey, "sign_check": f.signCheck,
		})
		return
	}
	if f.challenge {
		f.gotSignVal = form.Get("sign_val")
		if form.Get("sign_key") != f.signKey || f.gotSignVal != f.wantSignVal {
			writeJSON(w, map[string]interface{}{"status": 0, "statuscode": 702, "statusmsg": "bad proof"})
			return
		}
	}
	if f.knownSHA[sha] {
		n := f.makeNode(parent, name, false, size, sha, "pc-instant-"+sha[:8])
		writeJSON(w, map[string]interface{}{
			"status": 2, "statuscode": f.instantStatusCode, "pickcode": n.pick,
		})
		return
	}
	f.pending = pendingUpload{name: name, parent: parent, size: size, sha: sha}
	writeJSON(w, map[string]interface{}{
		"status": 1, "statuscode": 0, "bucket": "bkt", "object": "obj-1",
		"callback": map[string]string{"callback": `{"cb":1}`, "callback_var": `{"var":1}`},
	})
}

func (f *fakeService) serveOSS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.Method == "POST" && q.Has("uploads"):
		f.uploadID = "U1"
		f.ossParts = map[int][]byte{}
		out, _ := xml.Marshal(struct {
			XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
			UploadID string   `xml:"UploadId"`
		}{UploadID: f.uploadID})
		_, _ = w.Write(out)
	case r.Method == "GET" && q.Get("uploadId") != "":
		type part struct {
			PartNumber int    `xml:"PartNumber"`
			ETag       string `xml:"ETag"`
			Size       int64  `xml:"Size"`
		}
		var parts []part
		for n, data := range f.ossParts {
			parts = append(parts, part{PartNumber: n, ETag: fmt.Sprintf("\"e%d\"", n), Size: int64(len(data))})
		}
		out, _ := xml.Marshal(struct {
			XMLName xml.Name `xml:"ListPartsResult"`
			Parts   []part   `xml:"Part"`
		}{Parts: parts})
		_, _ = w.Write(out)
	case r.Method == "PUT" && q.Get("partNumber") != "":
		n, _ := strconv.Atoi(q.Get("partNumber"))
		f.ossPuts = append(f.ossPuts, n)
		if n == f.failPart {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`<Error><Code>TestInduced</Code><Message>no</Message></Error>`))
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.ossParts[n] = body
		w.Header().Set("ETag", fmt.Sprintf("\"e%d\"", n))
	case r.Method == "POST" && q.Get("uploadId") != "":
		var joined []byte
		for n := 1; ; n++ {
			data, ok := f.ossParts[n]
			if !ok {
				break
			}
			joined = append(joined, data...)
		}
		node := f.makeNode(f.pending.parent, f.pending.name, false, int64(len(joined)), sha1hex(joined), "pc-oss-1")
		writeJSON(w, map[string]interface{}{
			"state": true,
			"data": map[string]interface{}{
				"file_id": node.id, "cid": node.parent, "file_name": node.name,
				"file_size": node.size, "pick_code": node.pick, "sha": node.sha,
			},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeService) servePutObject(w http.ResponseWriter, r *http.Request) {
	if r.Method != "PUT" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	f.singlePuts++
	body, _ := io.ReadAll(r.Body)
	node := f.makeNode(f.pending.parent, f.pending.name, false, int64(len(body)), sha1hex(body), "pc-put-1")
	writeJSON(w, map[string]interface{}{
		"state": true,
		"data": map[string]interface{}{
			"file_id": node.id, "cid": node.parent, "file_name": node.name,
			"file_size": node.size, "pick_code": node.pick, "sha": node.sha,
		},
	})
}

func (f *fakeService) serveSampleForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f.sampleUploads++
	file, _, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	body, _ := io.ReadAll(file)
	_ = file.Close()
	node := f.makeNode(f.sampleParent(r), r.MultipartForm.Value["name"][0], false, int64(len(body)), sha1hex(body), "pc-sample-1")
	writeJSON(w, map[string]interface{}{
		"state": true,
		"data": map[string]interface{}{
			"file_id": node.id, "cid": node.parent, "file_name": node.name,
			"file_size": node.size, "pick_code": node.pick, "sha": node.sha,
		},
	})
}

func (f *fakeService) sampleParent(r *http.Request) uint64 {
	// The sample form has no target field; the object ticket tracked
	// it server side. The fake keeps it in pending like the OSS path.
	if f.pending.parent != 0 {
		return f.pending.parent
	}
	return 0
}

// ------------------------------------------------------------

func newTestClient(t *testing.T, fake *fakeService) *Client {
	return newTestClientOpts(t, fake, nil)
}

func newTestClientOpts(t *testing.T, fake *fakeService, tweak func(*Options)) *Client {
	t.Helper()
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	restoreUp := newUploadCipher
	newUploadCipher = func() (uploadCipher, error) { return plainCipher{}, nil }
	restoreRSA := newRSACipher
	newRSACipher = func() envelopeCipher { return plainRSA{} }
	t.Cleanup(func() {
		newUploadCipher = restoreUp
		newRSACipher = restoreRSA
	})

	opt := &Options{
		HTTPClient:        &http.Client{Transport: &rewriteTransport{ts.Listener.Addr().String()}},
		MinSleep:          time.Millisecond,
		PageSize:          2,
		PartSize:          1024,
		UploadConcurrency: 2,
	}
	if tweak != nil {
		tweak(opt)
	}
	c, err := New(context.Background(), "UID=1_A_1; CID=c1; SEID=s1", opt)
	require.NoError(t, err)
	return c
}

func TestNewRejectsEmptyCookies(t *testing.T) {
	_, err := New(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestListPagination(t *testing.T) {
	fake := newFakeService()
	for i := 0; i < 5; i++ {
		fake.makeNode(0, fmt.Sprintf("f%d.bin", i), false, 10, "", fmt.Sprintf("p%d", i))
	}
	c := newTestClient(t, fake)

	nodes, err := c.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, nodes, 5)
	// PageSize is 2, so 3 pages
	assert.Equal(t, 3, fake.listCalls)

	// Second List is served from cache: version unchanged
	calls := fake.listCalls
	_, err = c.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, calls, fake.listCalls)
}

func TestListRetriesWhenDirectoryChanges(t *testing.T) {
	fake := newFakeService()
	for i := 0; i < 5; i++ {
		fake.makeNode(0, fmt.Sprintf("f%d.bin", i), false, 10, "", "")
	}
	// Grow the directory after the first page of the first pass only
	fired := false
	fake.afterList = func(f *fakeService) {
		if !fired {
			fired = true
			f.makeNode(0, "late.bin", false, 1, "", "")
		}
	}
	c := newTestClient(t, fake)
	nodes, err := c.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, nodes, 6)
}

func TestListMissingDirectory(t *testing.T) {
	fake := newFakeService()
	c := newTestClient(t, fake)
	_, err := c.List(context.Background(), 424242)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestResolvePath(t *testing.T) {
	fake := newFakeService()
	docs := fake.makeNode(0, "docs", true, 0, "", "")
	reports := fake.makeNode(docs.id, "reports", true, 0, "", "")
	file := fake.makeNode(reports.id, "a.txt", false, 3, "DA39", "pca")
	slashed := fake.makeNode(0, "a/b.txt", false, 1, "", "pcb")
	c := newTestClient(t, fake)
	ctx := context.Background()

	id, err := c.ResolvePath(ctx, "/docs/reports/a.txt")
	require.NoError(t, err)
	assert.Equal(t, file.id, id)

	id, err = c.ResolvePath(ctx, "docs/reports")
	require.NoError(t, err)
	assert.Equal(t, reports.id, id)

	id, err = c.ResolvePath(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, uint64(RootID), id)

	id, err = c.ResolvePath(ctx, `/a\/b.txt`)
	require.NoError(t, err)
	assert.Equal(t, slashed.id, id)

	_, err = c.ResolvePath(ctx, "/docs/none.txt")
	assert.ErrorIs(t, err, api.ErrNotFound)
	_, err = c.ResolvePath(ctx, "/nodir/none.txt")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestResolvePathFirstWins(t *testing.T) {
	fake := newFakeService()
	first := fake.makeNode(0, "dup.txt", false, 1, "", "pc1")
	fake.makeNode(0, "dup.txt", false, 2, "", "pc2")
	c := newTestClient(t, fake)

	id, err := c.ResolvePath(context.Background(), "/dup.txt")
	require.NoError(t, err)
	assert.Equal(t, first.id, id)
}

func TestStatAndPathRoundTrip(t *testing.T) {
	fake := newFakeService()
	docs := fake.makeNode(0, "docs", true, 0, "", "")
	file := fake.makeNode(docs.id, "a.txt", false, 3, "ABCD", "pca")
	c := newTestClient(t, fake)
	ctx := context.Background()

	node, err := c.StatID(ctx, file.id)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", node.Name)
	assert.Equal(t, docs.id, node.ParentID)
	assert.False(t, node.IsDir)

	p, err := c.PathOfID(ctx, file.id)
	require.NoError(t, err)
	assert.Equal(t, "/docs/a.txt", p)

	// resolve(path(id)) == id
	id, err := c.ResolvePath(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, file.id, id)

	_, err = c.StatID(ctx, 999999)
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestMkdir(t *testing.T) {
	fake := newFakeService()
	c := newTestClient(t, fake)
	ctx := context.Background()

	node, err := c.Mkdir(ctx, 0, "fresh")
	require.NoError(t, err)
	assert.True(t, node.IsDir)
	assert.NotZero(t, node.ID)

	_, err = c.Mkdir(ctx, 0, "fresh")
	assert.ErrorIs(t, err, api.ErrAlreadyExists)
}

func TestRenameVisibleInNextList(t *testing.T) {
	fake := newFakeService()
	file := fake.makeNode(0, "old.txt", false, 3, "", "pc")
	c := newTestClient(t, fake)
	ctx := context.Background()

	// Warm the cache with the old name
	nodes, err := c.List(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, "old.txt", nodes[0].Name)

	node, err := c.Rename(ctx, file.id, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, "new.txt", node.Name)

	nodes, err = c.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "new.txt", nodes[0].Name)
}

func TestRenameRefusesRetype(t *testing.T) {
	fake := newFakeService()
	file := fake.makeNode(0, "a.txt", false, 3, "ABCD", "pc")
	c := newTestClient(t, fake)

	_, err := c.Rename(context.Background(), file.id, "a.pdf")
	assert.ErrorIs(t, err, api.ErrUnsupported)

	// Same extension is fine
	_, err = c.Rename(context.Background(), file.id, "b.txt")
	assert.NoError(t, err)
}

func TestMoveCopyDelete(t *testing.T) {
	fake := newFakeService()
	dir := fake.makeNode(0, "dst", true, 0, "", "")
	file := fake.makeNode(0, "f.bin", false, 9, "", "pc")
	c := newTestClient(t, fake)
	ctx := context.Background()

	require.NoError(t, c.Move(ctx, []uint64{file.id}, dir.id))
	nodes, err := c.List(ctx, dir.id)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, "f.bin", nodes[0].Name)

	require.NoError(t, c.Copy(ctx, []uint64{file.id}, 0))
	rootNodes, err := c.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, rootNodes, 2) // dst plus the copy

	require.NoError(t, c.Delete(ctx, file.id))
	nodes, err = c.List(ctx, dir.id)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestUploadInstantHit(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 1234)
	_, _ = rand.New(rand.NewSource(1)).Read(content)
	fake.knownSHA[sha1hex(content)] = true
	c := newTestClient(t, fake)

	node, err := c.Upload(context.Background(), bytes.NewReader(content), 0, "hit.bin", int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, sha1hex(content), node.SHA1)
	assert.True(t, strings.HasPrefix(node.PickCode, "pc-instant-"))
	// No second init round trip for a small file, and no OSS traffic
	assert.Equal(t, 1, fake.initCalls)
	assert.Empty(t, fake.ossPuts)
}

func TestUploadChallengeThenMultipart(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 3*1024+512)
	_, _ = rand.New(rand.NewSource(2)).Read(content)
	fake.challenge = true
	fake.signKey = "sk1"
	fake.signCheck = "1024-2047"
	fake.wantSignVal = sha1hex(content[1024:2048])
	c := newTestClient(t, fake)

	node, err := c.Upload(context.Background(), bytes.NewReader(content), 0, "big.bin", int64(len(content)))
	require.NoError(t, err)
	// Exactly one challenge round trip, proof over the exact range
	assert.Equal(t, 2, fake.initCalls)
	assert.Equal(t, fake.wantSignVal, fake.gotSignVal)
	// All bytes arrived and were reassembled in order
	assert.Equal(t, sha1hex(content), node.SHA1)
	assert.Equal(t, int64(len(content)), node.Size)
	assert.Equal(t, "pc-oss-1", node.PickCode)
}

func TestUploadAbortAndResume(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 3*1024+512)
	_, _ = rand.New(rand.NewSource(3)).Read(content)
	fake.failPart = 3
	c := newTestClient(t, fake)
	ctx := context.Background()

	_, err := c.Upload(ctx, bytes.NewReader(content), 0, "r.bin", int64(len(content)))
	require.Error(t, err)
	var abort *oss.MultipartAbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "U1", abort.Checkpoint.UploadID)
	assert.Equal(t, int64(len(content)), abort.Checkpoint.FileSize)

	fake.failPart = 0
	fake.ossPuts = nil
	node, err := c.ResumeUpload(ctx, abort.Checkpoint, bytes.NewReader(content))
	require.NoError(t, err)
	// Only the missing parts were re-sent
	assert.ElementsMatch(t, []int{3, 4}, fake.ossPuts)
	// The finished node matches a never-aborted upload of the same bytes
	assert.Equal(t, sha1hex(content), node.SHA1)
	assert.Equal(t, int64(len(content)), node.Size)
}

func TestListVersionPredicate(t *testing.T) {
	fake := newFakeService()
	file := fake.makeNode(0, "old.txt", false, 3, "", "pc")
	c := newTestClientOpts(t, fake, func(o *Options) {
		// Track the child count instead of the update time
		o.VersionPredicate = func(info *api.CategoryInfo) int64 { return int64(info.Count) }
	})
	ctx := context.Background()

	nodes, err := c.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "old.txt", nodes[0].Name)
	calls := fake.listCalls

	// A server-side rename moves utime but not the child count, so the
	// cached listing stays live under this predicate.
	fake.mu.Lock()
	fake.nodes[file.id].name = "new.txt"
	fake.version[0]++
	fake.mu.Unlock()
	nodes, err = c.List(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "old.txt", nodes[0].Name)
	assert.Equal(t, calls, fake.listCalls)

	// A deletion moves the count and forces a refetch
	fake.mu.Lock()
	delete(fake.nodes, file.id)
	fake.version[0]++
	fake.mu.Unlock()
	nodes, err = c.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, nodes)
	assert.Greater(t, fake.listCalls, calls)
}

func TestUploadWithHashInstantNonSeekable(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 2048)
	_, _ = rand.New(rand.NewSource(5)).Read(content)
	sha := sha1hex(content)
	fake.knownSHA[sha] = true
	c := newTestClient(t, fake)

	// A bare stream with a known hash still gets the dedup attempt
	node, err := c.UploadWithHash(context.Background(), io.MultiReader(bytes.NewReader(content)), 0, "hit.bin", int64(len(content)), sha)
	require.NoError(t, err)
	assert.Equal(t, sha, node.SHA1)
	assert.Equal(t, 1, fake.initCalls)
	assert.Equal(t, 0, fake.sampleUploads)
	assert.Empty(t, fake.ossPuts)
}

func TestUploadWithHashTransferNonSeekable(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 3*1024+512)
	_, _ = rand.New(rand.NewSource(6)).Read(content)
	sha := sha1hex(content)
	c := newTestClient(t, fake)

	// Dedup miss: the bytes go up multipart, reading sequentially
	node, err := c.UploadWithHash(context.Background(), io.MultiReader(bytes.NewReader(content)), 0, "miss.bin", int64(len(content)), sha)
	require.NoError(t, err)
	assert.Equal(t, sha, node.SHA1)
	assert.Equal(t, int64(len(content)), node.Size)
	assert.Equal(t, 0, fake.sampleUploads)
	assert.ElementsMatch(t, []int{1, 2, 3, 4}, fake.ossPuts)
}

func TestUploadWithHashNeedsSize(t *testing.T) {
	fake := newFakeService()
	c := newTestClient(t, fake)
	_, err := c.UploadWithHash(context.Background(), strings.NewReader("x"), 0, "x.bin", -1, "DA39A3EE5E6B4B0D3255BFEF95601890AFD80709")
	assert.ErrorIs(t, err, api.ErrInvalid)
}

func TestUploadSingleShot(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 2048)
	_, _ = rand.New(rand.NewSource(7)).Read(content)
	c := newTestClientOpts(t, fake, func(o *Options) {
		o.PartSize = SingleShot
	})

	node, err := c.Upload(context.Background(), bytes.NewReader(content), 0, "one.bin", int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, sha1hex(content), node.SHA1)
	assert.Equal(t, 1, fake.singlePuts)
	assert.Empty(t, fake.ossPuts)
}

func TestUploadRejectsMalformedInstantVerdict(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 512)
	_, _ = rand.New(rand.NewSource(8)).Read(content)
	fake.knownSHA[sha1hex(content)] = true
	fake.instantStatusCode = 414
	c := newTestClient(t, fake)

	_, err := c.Upload(context.Background(), bytes.NewReader(content), 0, "odd.bin", int64(len(content)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status")
}

func TestUploadUnknownSizeUsesSamplePath(t *testing.T) {
	fake := newFakeService()
	content := make([]byte, 2048)
	_, _ = rand.New(rand.NewSource(4)).Read(content)
	c := newTestClient(t, fake)

	// A bare reader with unknown size cannot dedup or resume
	node, err := c.Upload(context.Background(), io.MultiReader(bytes.NewReader(content)), 0, "s.bin", -1)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.sampleUploads)
	assert.Equal(t, sha1hex(content), node.SHA1)
	assert.Equal(t, 0, fake.initCalls)
}

func TestDownloadTicket(t *testing.T) {
	fake := newFakeService()
	fake.makeNode(0, "movie.mkv", false, 5, "", "pick1")
	c := newTestClient(t, fake)

	ticket, err := c.GetDownloadURL(context.Background(), "pick1")
	require.NoError(t, err)
	assert.Contains(t, ticket.URL, "pick1")
	assert.Equal(t, "movie.mkv", ticket.FileName)
	assert.Equal(t, int64(5), ticket.FileSize)
	assert.Equal(t, time.Unix(1999999999, 0), ticket.Expiry)
	assert.False(t, ticket.Expired(5*time.Minute))
	// The CDN requires the session headers to be resent
	assert.NotEmpty(t, ticket.Headers.Get("User-Agent"))
	assert.Contains(t, ticket.Headers.Get("Cookie"), "UID=")

	_, err = c.GetDownloadURL(context.Background(), "nope")
	assert.ErrorIs(t, err, api.ErrNotFound)
}

func TestAbout(t *testing.T) {
	fake := newFakeService()
	c := newTestClient(t, fake)
	usage, err := c.About(context.Background())
	require.NoError(t, err)
	assert.Greater(t, usage.Total, usage.Used)
	assert.Greater(t, usage.Free, int64(0))
}

func TestSplitPathEscapes(t *testing.T) {
	assert.Equal(t, []string{"a", "b/c", "d"}, splitPath(`/a/b\/c/d/`))
	assert.Equal(t, []string(nil), splitPath("/"))
	assert.Equal(t, `a\/b`, EscapeName("a/b"))
	assert.Equal(t, "a/b", UnescapeName(`a\/b`))
}
