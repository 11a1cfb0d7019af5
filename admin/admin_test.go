package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/admin/middleware"
	"github.com/orcastor/s3gw/auth"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/multipart"
	"github.com/orcastor/s3gw/sigv4"
	"github.com/orcastor/s3gw/storage"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/crypto/bcrypt"
)

type reply struct {
	Code int                    `json:"code"`
	Msg  string                 `json:"msg"`
	Data map[string]interface{} `json:"data"`
}

type fixture struct {
	router  *gin.Engine
	keys    auth.KeyStore
	backend storage.Backend
	tracker *multipart.Tracker
}

func newFixture() *fixture {
	gin.SetMode(gin.TestMode)
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	So(err, ShouldBeNil)

	cfg := core.DefaultConfig()
	cfg.Admin = core.AdminConfig{User: "ops", PasswordHash: string(hash), Secret: "jwt-signing-secret"}

	backend := storage.NewMemory()
	tracker, err := multipart.NewTracker(context.Background(), backend)
	So(err, ShouldBeNil)
	keys := auth.NewCachingResolver(auth.NewStaticResolver(map[string]string{"AKIDEXAMPLE": "secret-one"}), time.Minute)
	return &fixture{
		router:  NewRouter(NewServer(cfg, keys, tracker)),
		keys:    keys,
		backend: backend,
		tracker: tracker,
	}
}

func (f *fixture) call(method, path, token, body string) reply {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	So(w.Code, ShouldEqual, http.StatusOK)
	var r reply
	So(json.Unmarshal(w.Body.Bytes(), &r), ShouldBeNil)
	return r
}

func (f *fixture) login() string {
	r := f.call("POST", "/_admin/login", "", `{"u":"ops","p":"s3cret"}`)
	So(r.Code, ShouldEqual, codeOK)
	token, _ := r.Data["access_token"].(string)
	So(token, ShouldNotBeEmpty)
	return token
}

func TestLogin(t *testing.T) {
	Convey("Login", t, func() {
		f := newFixture()

		Convey("rejects a wrong password", func() {
			r := f.call("POST", "/_admin/login", "", `{"u":"ops","p":"nope"}`)
			So(r.Code, ShouldEqual, codeAuth)
			r = f.call("POST", "/_admin/login", "", `{"u":"other","p":"s3cret"}`)
			So(r.Code, ShouldEqual, codeAuth)
		})

		Convey("issues a token that guards the other routes", func() {
			r := f.call("GET", "/_admin/uploads?bucket=b", "", "")
			So(r.Code, ShouldEqual, middleware.TokenExpiredCode)
			r = f.call("GET", "/_admin/uploads?bucket=b", "garbage", "")
			So(r.Code, ShouldEqual, middleware.TokenExpiredCode)

			token := f.login()
			claims, err := middleware.ParseToken("jwt-signing-secret", token)
			So(err, ShouldBeNil)
			So(claims.User, ShouldEqual, "ops")

			_, err = middleware.ParseToken("another-secret", token)
			So(err, ShouldNotBeNil)
		})

		Convey("accepts the token as a query parameter", func() {
			token := f.login()
			So(f.call("GET", "/_admin/uploads?bucket=b&token="+token, "", "").Code, ShouldNotEqual, middleware.TokenExpiredCode)
		})
	})
}

func TestKeys(t *testing.T) {
	Convey("Key management", t, func() {
		f := newFixture()
		token := f.login()
		ctx := context.Background()

		Convey("stores a given secret", func() {
			r := f.call("PUT", "/_admin/keys/NEWKEY01", token, `{"secret":"given"}`)
			So(r.Code, ShouldEqual, codeOK)
			So(r.Data["secret"], ShouldEqual, "given")
			cred, err := f.keys.Resolve(ctx, "NEWKEY01")
			So(err, ShouldBeNil)
			So(cred.Secret, ShouldEqual, "given")
		})

		Convey("rotation bypasses the cache", func() {
			cred, err := f.keys.Resolve(ctx, "AKIDEXAMPLE")
			So(err, ShouldBeNil)
			So(cred.Secret, ShouldEqual, "secret-one")

			r := f.call("PUT", "/_admin/keys/AKIDEXAMPLE", token, "")
			So(r.Code, ShouldEqual, codeOK)
			generated, _ := r.Data["secret"].(string)
			So(len(generated), ShouldEqual, 40)

			cred, err = f.keys.Resolve(ctx, "AKIDEXAMPLE")
			So(err, ShouldBeNil)
			So(cred.Secret, ShouldEqual, generated)
		})

		Convey("deletes keys", func() {
			So(f.call("DELETE", "/_admin/keys/AKIDEXAMPLE", token, "").Code, ShouldEqual, codeOK)
			_, err := f.keys.Resolve(ctx, "AKIDEXAMPLE")
			So(err, ShouldEqual, core.ERR_UNKNOWN_ACCESS_KEY)
		})

		Convey("validates key ids", func() {
			So(f.call("PUT", "/_admin/keys/ab", token, "").Code, ShouldEqual, codeBadParam)
			So(f.call("PUT", "/_admin/keys/with-dash", token, "").Code, ShouldEqual, codeBadParam)
			So(f.call("PUT", "/_admin/keys/GOODKEY", token, "{").Code, ShouldEqual, codeBadParam)
		})
	})
}

func TestUploads(t *testing.T) {
	Convey("Upload inspection", t, func() {
		f := newFixture()
		token := f.login()
		ctx := context.Background()
		So(f.backend.CreateBucket(ctx, "bkt"), ShouldBeNil)
		u, err := f.tracker.Create(ctx, storage.ObjectKey{Bucket: "bkt", Key: "big"}, storage.PutOptions{}, "AKIDEXAMPLE")
		So(err, ShouldBeNil)

		Convey("lists open uploads", func() {
			r := f.call("GET", "/_admin/uploads?bucket=bkt", token, "")
			So(r.Code, ShouldEqual, codeOK)
			uploads, _ := r.Data["uploads"].([]interface{})
			So(len(uploads), ShouldEqual, 1)
			first, _ := uploads[0].(map[string]interface{})
			So(first["upload_id"], ShouldEqual, u.ID)
			So(first["initiator"], ShouldEqual, "AKIDEXAMPLE")
			So(r.Data["active"], ShouldEqual, float64(1))

			So(f.call("GET", "/_admin/uploads", token, "").Code, ShouldEqual, codeBadParam)
		})

		Convey("purge keeps young uploads and drops orphans", func() {
			_, err := f.backend.Put(ctx, storage.ObjectKey{Bucket: core.MULTIPART_BUCKET, Key: "ghost/00001/x"},
				strings.NewReader("zz"), 2, storage.PutOptions{})
			So(err, ShouldBeNil)

			r := f.call("POST", "/_admin/uploads/purge", token, `{"max_age":3600}`)
			So(r.Code, ShouldEqual, codeOK)
			So(r.Data["aborted"], ShouldEqual, float64(0))
			So(r.Data["purged"], ShouldEqual, float64(1))
			So(f.tracker.Active(), ShouldEqual, 1)

			r = f.call("POST", "/_admin/uploads/purge", token, "")
			So(r.Code, ShouldEqual, codeOK)
			So(r.Data["purged"], ShouldEqual, float64(0))
		})
	})
}

func TestPresign(t *testing.T) {
	Convey("Presigned links", t, func() {
		f := newFixture()
		token := f.login()

		Convey("verify against the same key store", func() {
			r := f.call("POST", "/_admin/presign", token,
				`{"access_key_id":"AKIDEXAMPLE","endpoint":"http://gw.example.com","bucket":"bkt","key":"a/b.txt","expires":600}`)
			So(r.Code, ShouldEqual, codeOK)
			link, _ := r.Data["url"].(string)
			So(link, ShouldStartWith, "http://gw.example.com/bkt/a/b.txt?")
			So(link, ShouldContainSubstring, "X-Amz-Expires=600")

			req := httptest.NewRequest("GET", link, nil)
			id, err := sigv4.NewVerifier(f.keys).Verify(req)
			So(err, ShouldBeNil)
			So(id.AccessKeyID, ShouldEqual, "AKIDEXAMPLE")

			put := httptest.NewRequest("PUT", link, nil)
			_, err = sigv4.NewVerifier(f.keys).Verify(put)
			So(err, ShouldNotBeNil)
		})

		Convey("reject unknown keys and bad requests", func() {
			r := f.call("POST", "/_admin/presign", token,
				`{"access_key_id":"NOBODY","endpoint":"http://gw","bucket":"bkt","key":"k"}`)
			So(r.Code, ShouldEqual, codeNotFound)

			r = f.call("POST", "/_admin/presign", token, `{"access_key_id":"AKIDEXAMPLE","bucket":"bkt","key":"k"}`)
			So(r.Code, ShouldEqual, codeBadParam)

			r = f.call("POST", "/_admin/presign", token,
				`{"access_key_id":"AKIDEXAMPLE","endpoint":"http://gw","bucket":"bkt","key":"k","expires":999999999}`)
			So(r.Code, ShouldEqual, codeBadParam)
		})
	})
}
