package e2e

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"example.com/h2bridge/e2e/testutil"
	"example.com/h2bridge/internal/config"
)

func setupTempFilesForRoutingTest(t *testing.T, fileMap map[string]string) string {
	t.Helper()
	docRoot := t.TempDir()
	for name, content := range fileMap {
		path := filepath.Join(docRoot, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("failed to create dir for %s: %v", name, err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return docRoot
}

func serverConfig(routes []config.Route, mplx map[string]interface{}) map[string]interface{} {
	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"address":                   "127.0.0.1:0",
			"graceful_shutdown_timeout": "2s",
		},
		"logging": map[string]interface{}{
			"log_level": "DEBUG",
		},
		"routes": routes,
	}
	if mplx != nil {
		cfg["mplx"] = mplx
	}
	return cfg
}

func TestDefaultErrorResponses(t *testing.T) {
	docRoot := setupTempFilesForRoutingTest(t, map[string]string{
		"index.html":   "Default Index Page",
		"testfile.txt": "Test File Content for 405",
	})

	testutil.RunE2ETest(t, testutil.E2ETestDefinition{
		Name: "TestDefaultErrorResponses",
		ServerConfigData: serverConfig([]config.Route{
			{PathPattern: "/static-for-405/", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeFiles, DocumentRoot: docRoot},
		}, nil),
		ServerConfigFormat: "json",
		TestCases: []testutil.E2ETestCase{
			{
				Name:    "404_NoAcceptHeader",
				Request: testutil.TestRequest{Method: "GET", Path: "/does-not-exist"},
				Expected: testutil.ExpectedResponse{
					StatusCode:  404,
					Headers:     testutil.HeaderMatcher{"content-type": "text/html; charset=utf-8"},
					BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: "<h1>Not Found</h1>"},
				},
			},
			{
				Name: "404_AcceptJSON",
				Request: testutil.TestRequest{
					Method: "GET", Path: "/does-not-exist",
					Headers: map[string]string{"Accept": "application/json"},
				},
				Expected: testutil.ExpectedResponse{
					StatusCode:  404,
					Headers:     testutil.HeaderMatcher{"content-type": "application/json; charset=utf-8"},
					BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: `"status_code":404`},
				},
			},
			{
				Name:    "404_HEAD_NoBody",
				Request: testutil.TestRequest{Method: "HEAD", Path: "/does-not-exist"},
				Expected: testutil.ExpectedResponse{
					StatusCode:   404,
					ExpectNoBody: true,
				},
			},
			{
				Name:    "405_PostToFiles",
				Request: testutil.TestRequest{Method: "POST", Path: "/static-for-405/testfile.txt", Body: []byte("x")},
				Expected: testutil.ExpectedResponse{
					StatusCode:  405,
					BodyMatcher: &testutil.StringContainsBodyMatcher{Substring: "Method not allowed for this resource."},
				},
			},
		},
	})
}

func TestRouting_MatchingLogic(t *testing.T) {
	docRoot := setupTempFilesForRoutingTest(t, map[string]string{
		"exact.txt":           "exact file",
		"general/file.txt":    "general content",
		"specific/file.txt":   "specific content",
		"specific/index.html": "specific index",
	})
	generalRoot := filepath.Join(docRoot, "general")
	specificRoot := filepath.Join(docRoot, "specific")

	routes := []config.Route{
		{PathPattern: "/prefix/", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeFiles, DocumentRoot: generalRoot},
		{PathPattern: "/prefix/specific/", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeFiles, DocumentRoot: specificRoot},
		{PathPattern: "/prefix/echo", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
	}

	for _, format := range []string{"json", "toml"} {
		t.Run(format, func(t *testing.T) {
			testutil.RunE2ETest(t, testutil.E2ETestDefinition{
				Name:               "TestRouting_MatchingLogic_" + format,
				ServerConfigData:   serverConfig(routes, nil),
				ServerConfigFormat: format,
				TestCases: []testutil.E2ETestCase{
					{
						Name:     "GeneralPrefix",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix/file.txt"},
						Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("general content")}},
					},
					{
						Name:     "LongestPrefixWins",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix/specific/file.txt"},
						Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("specific content")}},
					},
					{
						Name:     "PrefixDirectoryIndex",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix/specific/"},
						Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("specific index")}},
					},
					{
						Name:    "ExactBeatsPrefix",
						Request: testutil.TestRequest{Method: "PUT", Path: "/prefix/echo", Body: []byte("reflected")},
						Expected: testutil.ExpectedResponse{
							StatusCode:  200,
							BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("reflected")},
						},
					},
					{
						Name:     "QueryIgnoredForMatching",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix/file.txt?v=2"},
						Expected: testutil.ExpectedResponse{StatusCode: 200, BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: []byte("general content")}},
					},
					{
						Name:     "NoRoute",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix"},
						Expected: testutil.ExpectedResponse{StatusCode: 404},
					},
					{
						Name:     "TraversalStaysInRoot",
						Request:  testutil.TestRequest{Method: "GET", Path: "/prefix/../exact.txt"},
						Expected: testutil.ExpectedResponse{StatusCode: 404},
					},
				},
			})
		})
	}
}

// Bodies much larger than both the flow control windows and the per-stream
// output budget have to move through the channels in many rounds.
func TestLargeBodies(t *testing.T) {
	big := bytes.Repeat([]byte("0123456789abcdef"), 128*1024) // 2 MiB
	docRoot := setupTempFilesForRoutingTest(t, map[string]string{"big.bin": string(big)})

	testutil.RunE2ETest(t, testutil.E2ETestDefinition{
		Name: "TestLargeBodies",
		ServerConfigData: serverConfig([]config.Route{
			{PathPattern: "/echo", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
			{PathPattern: "/files/", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeFiles, DocumentRoot: docRoot,
				MimeTypes: map[string]string{".bin": "application/x-test-bin"}},
		}, map[string]interface{}{"stream_max_mem": 16384, "max_file_segments": 2}),
		ServerConfigFormat: "toml",
		TestCases: []testutil.E2ETestCase{
			{
				Name: "EchoUpload",
				Request: testutil.TestRequest{
					Method: "POST", Path: "/echo", Body: big,
					Headers: map[string]string{"Content-Type": "application/x-test-bin", "X-Echo-Trailer": "checked"},
				},
				Expected: testutil.ExpectedResponse{
					StatusCode:  200,
					Headers:     testutil.HeaderMatcher{"content-type": "application/x-test-bin", "content-length": "2097152"},
					Trailers:    testutil.HeaderMatcher{"x-echo-trailer": "checked"},
					BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: big},
				},
			},
			{
				Name:    "FileDownload",
				Request: testutil.TestRequest{Method: "GET", Path: "/files/big.bin"},
				Expected: testutil.ExpectedResponse{
					StatusCode:  200,
					Headers:     testutil.HeaderMatcher{"content-type": "application/x-test-bin", "content-length": "2097152"},
					BodyMatcher: &testutil.ExactBodyMatcher{ExpectedBody: big},
				},
			},
			{
				Name:    "FileHead",
				Request: testutil.TestRequest{Method: "HEAD", Path: "/files/big.bin"},
				Expected: testutil.ExpectedResponse{
					StatusCode:   200,
					Headers:      testutil.HeaderMatcher{"content-length": "2097152"},
					ExpectNoBody: true,
				},
			},
		},
	})
}

func TestConcurrentClients(t *testing.T) {
	path, cleanup, err := testutil.WriteTempConfig(serverConfig([]config.Route{
		{PathPattern: "/echo", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
	}, nil), "json")
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	srv, err := testutil.StartTestServer(path)
	if err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer func() {
		if err := srv.Stop(); err != nil {
			t.Error(err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	const clients, perClient = 4, 5
	errs := make(chan error, clients*perClient)
	for c := 0; c < clients; c++ {
		go func() {
			client, err := testutil.Dial(ctx, srv.Address)
			if err != nil {
				for i := 0; i < perClient; i++ {
					errs <- err
				}
				return
			}
			defer client.Close()
			for i := 0; i < perClient; i++ {
				body := []byte(strings.Repeat(string(rune('a'+c)), 1000*(i+1)))
				resp, err := client.Do(ctx, testutil.TestRequest{Method: "POST", Path: "/echo", Body: body})
				if err == nil && !bytes.Equal(resp.Body, body) {
					err = errMismatch
				}
				errs <- err
			}
		}()
	}
	for i := 0; i < clients*perClient; i++ {
		if err := <-errs; err != nil {
			t.Errorf("request failed: %v", err)
		}
	}

	families, err := srv.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var opened float64
	for _, mf := range families {
		if mf.GetName() == "h2bridge_streams_opened_total" {
			opened = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	if opened != clients*perClient {
		t.Errorf("streams opened = %v, want %d", opened, clients*perClient)
	}
}

type mismatchError struct{}

func (mismatchError) Error() string { return "echoed body does not match request body" }

var errMismatch error = mismatchError{}

func TestRouting_ConfigValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		routes []config.Route
	}{
		{"UnknownHandler", []config.Route{{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: "proxy"}}},
		{"PrefixWithoutSlash", []config.Route{{PathPattern: "/x", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeEcho}}},
		{"RelativeDocumentRoot", []config.Route{{PathPattern: "/x/", MatchType: config.MatchTypePrefix, HandlerType: config.HandlerTypeFiles, DocumentRoot: "www"}}},
		{"Duplicate", []config.Route{
			{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
			{PathPattern: "/x", MatchType: config.MatchTypeExact, HandlerType: config.HandlerTypeEcho},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path, cleanup, err := testutil.WriteTempConfig(serverConfig(tc.routes, nil), "json")
			if err != nil {
				t.Fatal(err)
			}
			defer cleanup()
			srv, err := testutil.StartTestServer(path)
			if err == nil {
				_ = srv.Stop()
				t.Fatal("expected the server to refuse the configuration")
			}
		})
	}
}
