package badge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"labtrack/internal/cloudinary"
	"labtrack/internal/member"
	"labtrack/internal/queue"
	"labtrack/internal/store"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestRender(t *testing.T) {
	png, err := Render("IBACMI_LAB_STU001_abc123", 128)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(png, pngMagic) {
		t.Fatal("output is not a PNG")
	}
	if _, err := Render("", 128); !errors.Is(err, ErrNoPayload) {
		t.Fatalf("expected ErrNoPayload, got %v", err)
	}
}

func TestRequesterEnqueuesJob(t *testing.T) {
	q := queue.NewInMemory(1)
	if err := NewRequester(q).RequestBadge(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := q.Consume(ctx)
	msg := <-ch
	var job Job
	if err := msg.Decode(&job); err != nil || msg.Type != JobType || job.MemberID != "m1" {
		t.Fatalf("unexpected message %+v (%v)", msg, err)
	}
}

type memUploader struct {
	mu   sync.Mutex
	objs map[string][]byte
	err  error
}

func (u *memUploader) Upload(_ context.Context, key string, png []byte) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objs[key] = png
	return "https://badges.example/" + key, nil
}

func seedMember(t *testing.T, st *store.Memory, codec member.Codec) member.Member {
	t.Helper()
	ctx := context.Background()
	m, err := st.CreateMember(ctx, member.Member{FirstName: "Ana", LastName: "Cruz", ExternalID: "STU001"})
	if err != nil {
		t.Fatal(err)
	}
	payload, _ := codec.Issue(m)
	m, err = st.UpdateMember(ctx, m.ID, member.Update{QRPayload: &payload})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestWorkerHandle(t *testing.T) {
	st := store.NewMemory(nil)
	codec := member.NewCodec("")
	m := seedMember(t, st, codec)
	up := &memUploader{objs: map[string][]byte{}}
	w := NewWorker(st, codec, up)

	msg, _ := queue.NewMessage(JobType, Job{MemberID: m.ID})
	url, err := w.Handle(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://badges.example/IBACMI_LAB_QR_STU001.png" {
		t.Fatalf("url = %s", url)
	}
	if !bytes.HasPrefix(up.objs["IBACMI_LAB_QR_STU001.png"], pngMagic) {
		t.Fatal("uploaded object is not a PNG")
	}
	got, _ := st.GetMember(context.Background(), m.ID)
	if got.BadgeURL != url {
		t.Fatalf("badge url not recorded: %+v", got)
	}
}

func TestWorkerHandleFailures(t *testing.T) {
	st := store.NewMemory(nil)
	codec := member.NewCodec("")
	m := seedMember(t, st, codec)
	bare, _ := st.CreateMember(context.Background(), member.Member{FirstName: "Ben", LastName: "Reyes", ExternalID: "STU002"})

	cases := []struct {
		name     string
		memberID string
		uploader *memUploader
		want     error
	}{
		{"unknown member", "ghost", &memUploader{objs: map[string][]byte{}}, member.ErrNotFound},
		{"no payload", bare.ID, &memUploader{objs: map[string][]byte{}}, ErrNoPayload},
		{"upload", m.ID, &memUploader{err: io.ErrUnexpectedEOF}, io.ErrUnexpectedEOF},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, _ := queue.NewMessage(JobType, Job{MemberID: tc.memberID})
			if _, err := NewWorker(st, codec, tc.uploader).Handle(context.Background(), msg); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

type countingObserver struct {
	mu       sync.Mutex
	ok, fail int
}

func (o *countingObserver) ObserveBadgeJob(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.fail++
	} else {
		o.ok++
	}
}

func (o *countingObserver) total() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ok + o.fail
}

func TestWorkerRun(t *testing.T) {
	st := store.NewMemory(nil)
	codec := member.NewCodec("")
	m := seedMember(t, st, codec)
	q := queue.NewInMemory(4)
	w := NewWorker(st, codec, &memUploader{objs: map[string][]byte{}})
	obs := &countingObserver{}
	w.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, q) }()

	_ = q.Publish(ctx, queue.Message{Type: "other"})
	_ = NewRequester(q).RequestBadge(ctx, m.ID)
	_ = NewRequester(q).RequestBadge(ctx, "ghost")

	deadline := time.After(2 * time.Second)
	for obs.total() < 2 {
		select {
		case <-deadline:
			t.Fatal("jobs not processed")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if obs.ok != 1 || obs.fail != 1 {
		t.Fatalf("ok=%d fail=%d", obs.ok, obs.fail)
	}
}

type s3RoundTripper struct {
	mu      sync.Mutex
	method  string
	path    string
	ctype   string
	payload int
}

func (rt *s3RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.method = req.Method
	rt.path = req.URL.Path
	rt.ctype = req.Header.Get("Content-Type")
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		rt.payload = len(b)
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Etag": {`"etag123"`}},
		Body:       io.NopCloser(strings.NewReader("")),
		Request:    req,
	}, nil
}

func TestS3Upload(t *testing.T) {
	rt := &s3RoundTripper{}
	up, err := NewS3(context.Background(), S3Config{
		Bucket:          "lab-badges",
		Endpoint:        "https://minio.local:9000",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
	}, func(o *s3.Options) { o.HTTPClient = &http.Client{Transport: rt} })
	if err != nil {
		t.Fatal(err)
	}

	url, err := up.Upload(context.Background(), "IBACMI_LAB_QR_STU001.png", pngMagic)
	if err != nil {
		t.Fatal(err)
	}
	if url != "https://minio.local:9000/lab-badges/IBACMI_LAB_QR_STU001.png" {
		t.Fatalf("url = %s", url)
	}
	if rt.method != http.MethodPut || rt.path != "/lab-badges/IBACMI_LAB_QR_STU001.png" {
		t.Fatalf("unexpected request %s %s", rt.method, rt.path)
	}
	if rt.ctype != "image/png" || rt.payload == 0 {
		t.Fatalf("unexpected content type %q or empty body", rt.ctype)
	}
}

func TestS3ObjectURL(t *testing.T) {
	cases := []struct {
		cfg  S3Config
		want string
	}{
		{S3Config{Bucket: "b", Region: "eu-west-1"}, "https://b.s3.eu-west-1.amazonaws.com/k.png"},
		{S3Config{Bucket: "b", Endpoint: "http://minio:9000/", PathStyle: true}, "http://minio:9000/b/k.png"},
		{S3Config{Bucket: "b", Endpoint: "https://s3.example.com"}, "https://b.s3.example.com/k.png"},
	}
	for _, tc := range cases {
		u := &S3{cfg: tc.cfg}
		if got := u.objectURL("k.png"); got != tc.want {
			t.Errorf("objectURL(%+v) = %s, want %s", tc.cfg, got, tc.want)
		}
	}
}

func TestNewS3RequiresBucket(t *testing.T) {
	if _, err := NewS3(context.Background(), S3Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestCloudinaryUploader(t *testing.T) {
	var publicID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseMultipartForm(1 << 20)
		publicID = r.FormValue("public_id")
		fmt.Fprintf(w, `{"public_id":%q,"secure_url":"https://cdn.example/%s.png"}`, publicID, publicID)
	}))
	defer srv.Close()

	client := cloudinary.New("demo", "key", "secret", "")
	client.BaseURL = srv.URL
	url, err := NewCloudinary(client).Upload(context.Background(), "IBACMI_LAB_QR_STU001.png", pngMagic)
	if err != nil {
		t.Fatal(err)
	}
	if publicID != "IBACMI_LAB_QR_STU001" || url != "https://cdn.example/IBACMI_LAB_QR_STU001.png" {
		t.Fatalf("public id %q, url %q", publicID, url)
	}
}
