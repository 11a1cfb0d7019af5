package s3

import (
	"context"
	"encoding/xml"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/auth"
	"github.com/orcastor/s3gw/multipart"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/sigv4"
	"github.com/orcastor/s3gw/storage"
)

const (
	testAKID   = "AKIDEXAMPLE"
	testSecret = "wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY"
	testRegion = "us-east-1"
)

type testEnv struct {
	backend storage.Backend
	tracker *multipart.Tracker
	router  *gin.Engine
	signer  *sigv4.Signer
}

func newEnv(t *testing.T) *testEnv {
	gin.SetMode(gin.TestMode)
	backend := storage.NewMemory()
	tracker, err := multipart.NewTracker(context.Background(), backend)
	if err != nil {
		t.Fatal(err)
	}
	verifier := sigv4.NewVerifier(auth.NewStaticResolver(map[string]string{testAKID: testSecret}))
	return &testEnv{
		backend: backend,
		tracker: tracker,
		router:  NewRouter(NewServer(backend, tracker, testRegion), verifier),
		signer: &sigv4.Signer{
			AccessKeyID: testAKID,
			Secret:      testSecret,
			Region:      testRegion,
			Service:     "s3",
		},
	}
}

func (e *testEnv) request(method, target string, body []byte, header http.Header) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	if err := e.signer.SignBytes(req, body); err != nil {
		panic(err)
	}
	return req
}

func (e *testEnv) serve(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// do sends a signed request.
func (e *testEnv) do(method, target string, body []byte, header http.Header) *httptest.ResponseRecorder {
	return e.serve(e.request(method, target, body, header))
}

func decodeXML(w *httptest.ResponseRecorder, v interface{}) error {
	return xml.Unmarshal(w.Body.Bytes(), v)
}

func errorCode(w *httptest.ResponseRecorder) string {
	var e util.S3Error
	if err := decodeXML(w, &e); err != nil {
		return ""
	}
	return e.Code
}
