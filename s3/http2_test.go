package s3

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/net/http2"
)

func TestHTTP2(t *testing.T) {
	Convey("The gateway speaks HTTP/2 over TLS", t, func() {
		env := newEnv(t)
		srv := httptest.NewUnstartedServer(env.router)
		srv.EnableHTTP2 = true
		srv.StartTLS()
		defer srv.Close()

		pool := x509.NewCertPool()
		pool.AddCert(srv.Certificate())
		client := &http.Client{Transport: &http2.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}}

		send := func(method, path string, body []byte) *http.Response {
			req, err := http.NewRequest(method, srv.URL+path, nil)
			So(err, ShouldBeNil)
			So(env.signer.SignBytes(req, body), ShouldBeNil)
			resp, err := client.Do(req)
			So(err, ShouldBeNil)
			return resp
		}

		resp := send("PUT", "/h2", nil)
		resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusOK)
		So(resp.ProtoMajor, ShouldEqual, 2)

		data := bytes.Repeat([]byte("h2"), 32<<10)
		resp = send("PUT", "/h2/blob", data)
		resp.Body.Close()
		So(resp.StatusCode, ShouldEqual, http.StatusOK)

		resp = send("GET", "/h2/blob", nil)
		defer resp.Body.Close()
		So(resp.ProtoMajor, ShouldEqual, 2)
		got, err := ioutil.ReadAll(resp.Body)
		So(err, ShouldBeNil)
		So(bytes.Equal(got, data), ShouldBeTrue)
	})
}
