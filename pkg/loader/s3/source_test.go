package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	aws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-intercept/pkg/domain"
	"github.com/polisai/polis-intercept/pkg/loader"
)

// objectServer is an in-memory S3 transport serving HEAD and GET for single objects.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	etags   map[string]string
	gets    int
}

func newObjectServer() *objectServer {
	return &objectServer{objects: map[string][]byte{}, etags: map[string]string{}}
}

func (m *objectServer) put(key, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = []byte(body)
	m.etags[key] = fmt.Sprintf("\"etag-%d\"", len(m.etags)+len(body))
}

func (m *objectServer) getCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}

func (m *objectServer) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	body, ok := m.objects[key]
	if !ok {
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
	}
	header := http.Header{
		"Content-Length": {fmt.Sprintf("%d", len(body))},
		"Content-Type":   {"application/octet-stream"},
		"ETag":           {m.etags[key]},
		"Last-Modified":  {time.Now().UTC().Format(http.TimeFormat)},
	}
	switch req.Method {
	case http.MethodHead:
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil)), Header: header}, nil
	case http.MethodGet:
		m.gets++
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(body)), Header: header}, nil
	}
	return &http.Response{StatusCode: http.StatusNotImplemented, Body: io.NopCloser(bytes.NewReader(nil)), Header: http.Header{}}, nil
}

func newMockClient(t *testing.T, rt http.RoundTripper) *s3.Client {
	t.Helper()
	cfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion("us-east-1"),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")),
	)
	require.NoError(t, err)
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.HTTPClient = &http.Client{Transport: rt}
		o.UsePathStyle = true
		o.BaseEndpoint = aws.String("https://mock.s3.local")
	})
}

const document = `
reload_interval: 10s
behaviors:
  - {owner: Foo, member: bar, params: "*", body: "42"}
`

func TestSourceFetchesAndDecodesDocument(t *testing.T) {
	server := newObjectServer()
	server.put("intercept/behaviors.yaml", document)

	src, err := NewWithClient(newMockClient(t, server), Config{Bucket: "rules", Key: "intercept/behaviors.yaml"})
	require.NoError(t, err)
	l := loader.New(src)

	set, err := l.Load(context.Background())
	require.NoError(t, err)
	entry, ok := set.Get(domain.WildcardKey("Foo", "bar"))
	require.True(t, ok)
	assert.Equal(t, "42", entry.Body)
	assert.Equal(t, 10*time.Second, l.ReloadInterval())
}

func TestSourceSkipsUnchangedObjects(t *testing.T) {
	server := newObjectServer()
	server.put("behaviors.yaml", document)

	src, err := NewWithClient(newMockClient(t, server), Config{Bucket: "rules", Key: "behaviors.yaml"})
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	_, err = src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, server.getCount())

	server.put("behaviors.yaml", "behaviors:\n  - {owner: Foo, member: bar, params: \"*\", body: \"7\"}\n")
	set, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, server.getCount())
	entry, _ := set.Get(domain.WildcardKey("Foo", "bar"))
	assert.Equal(t, "7", entry.Body)
}

func TestSourceMissingObject(t *testing.T) {
	src, err := NewWithClient(newMockClient(t, newObjectServer()), Config{Bucket: "rules", Key: "absent.json"})
	require.NoError(t, err)

	_, err = src.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://rules/absent.json")
}

func TestConfigValidation(t *testing.T) {
	_, err := New(context.Background(), Config{Bucket: "rules"})
	assert.Error(t, err)

	_, err = NewWithClient(nil, Config{Bucket: "rules", Key: "behaviors.xml"})
	assert.ErrorIs(t, err, loader.ErrUnknownFormat)

	src, err := NewWithClient(nil, Config{Bucket: "rules", Key: "behaviors", Format: loader.FormatCBOR})
	require.NoError(t, err)
	assert.Equal(t, loader.FormatCBOR, src.format)
}
