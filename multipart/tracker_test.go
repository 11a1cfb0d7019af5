package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/storage"
	. "github.com/smartystreets/goconvey/convey"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTracker(backend storage.Backend) *Tracker {
	ctx := context.Background()
	So(backend.CreateBucket(ctx, "bkt"), ShouldBeNil)
	t, err := NewTracker(ctx, backend)
	So(err, ShouldBeNil)
	return t
}

func upload(t *Tracker, id string, key storage.ObjectKey, n int, data string) *Part {
	p, err := t.UploadPart(context.Background(), id, key, n, strings.NewReader(data), int64(len(data)))
	So(err, ShouldBeNil)
	return p
}

func read(b storage.Backend, key storage.ObjectKey) string {
	_, rc, err := b.Get(context.Background(), key, nil)
	So(err, ShouldBeNil)
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	So(err, ShouldBeNil)
	return string(data)
}

func partCount(b storage.Backend) int {
	page, err := b.List(context.Background(), core.MULTIPART_BUCKET, storage.ListOptions{})
	So(err, ShouldBeNil)
	return len(page.Objects)
}

// flakyDeletes fails every Delete, for best-effort cleanup paths.
type flakyDeletes struct {
	storage.Backend
}

func (f flakyDeletes) Delete(ctx context.Context, key storage.ObjectKey) error {
	if key.Bucket == core.MULTIPART_BUCKET {
		return core.ERR_BACKEND_UNAVAILABLE
	}
	return f.Backend.Delete(ctx, key)
}

// failingPut rejects writes to the user bucket.
type failingPut struct {
	storage.Backend
}

func (f failingPut) Put(ctx context.Context, key storage.ObjectKey, r io.Reader, size int64, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	if key.Bucket != core.MULTIPART_BUCKET {
		return nil, core.ERR_BACKEND_UNAVAILABLE
	}
	return f.Backend.Put(ctx, key, r, size, opts)
}

func TestCompositeETag(t *testing.T) {
	Convey("Composite etag", t, func() {
		a, b := md5Hex("AAA"), md5Hex("BBB")
		raw, _ := hex.DecodeString(a + b)
		sum := md5.Sum(raw)

		etag, err := CompositeETag([]string{a, `"` + strings.ToUpper(b) + `"`})
		So(err, ShouldBeNil)
		So(etag, ShouldEqual, hex.EncodeToString(sum[:])+"-2")

		_, err = CompositeETag([]string{"nothex"})
		So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)

		So(TrimETag(` "ABC" `), ShouldEqual, "abc")
		So(TrimETag(`W/"abc"`), ShouldEqual, "abc")
	})
}

func TestMultipartLifecycle(t *testing.T) {
	Convey("Multipart upload", t, func() {
		ctx := context.Background()
		backend := storage.NewMemory()
		tr := newTracker(backend)
		key := storage.ObjectKey{Bucket: "bkt", Key: "dir/obj"}

		u, err := tr.Create(ctx, key, storage.PutOptions{ContentType: "text/plain", Metadata: map[string]string{"k": "v"}}, "AKID")
		So(err, ShouldBeNil)
		So(u.ID, ShouldNotBeEmpty)
		So(u.Initiator, ShouldEqual, "AKID")
		So(tr.Active(), ShouldEqual, 1)

		Convey("parts concatenate in order", func() {
			p2 := upload(tr, u.ID, key, 2, "BBB")
			p1 := upload(tr, u.ID, key, 1, "AAA")
			So(p1.ETag, ShouldEqual, md5Hex("AAA"))

			info, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, `"` + p1.ETag + `"`}, {2, p2.ETag}})
			So(err, ShouldBeNil)
			So(info.Size, ShouldEqual, 6)
			So(strings.HasSuffix(info.ETag, "-2"), ShouldBeTrue)
			So(read(backend, key), ShouldEqual, "AAABBB")

			st, err := backend.Stat(ctx, key)
			So(err, ShouldBeNil)
			So(st.ContentType, ShouldEqual, "text/plain")
			So(st.Metadata["k"], ShouldEqual, "v")
			So(st.ETag, ShouldEqual, info.ETag)

			So(partCount(backend), ShouldEqual, 0)
			So(tr.Active(), ShouldEqual, 0)

			Convey("and the session is gone", func() {
				_, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {2, p2.ETag}})
				So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
				So(tr.Abort(ctx, u.ID, key), ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
			})
		})

		Convey("invalid completions leave the session intact", func() {
			p1 := upload(tr, u.ID, key, 1, "AAA")
			p2 := upload(tr, u.ID, key, 2, "BBB")

			_, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}})
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, md5Hex("other")}, {2, p2.ETag}})
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {3, p2.ETag}})
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{2, p2.ETag}, {1, p1.ETag}})
			So(err, ShouldEqual, core.ERR_INVALID_PART_ORDER)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {1, p1.ETag}})
			So(err, ShouldEqual, core.ERR_INVALID_PART_ORDER)

			_, err = tr.Complete(ctx, u.ID, key, nil)
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)

			_, err = backend.Stat(ctx, key)
			So(err, ShouldEqual, core.ERR_NO_SUCH_KEY)
			So(tr.Active(), ShouldEqual, 1)

			parts, _, err := tr.ListParts(u.ID, key, 0, 0)
			So(err, ShouldBeNil)
			So(len(parts), ShouldEqual, 2)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {2, p2.ETag}})
			So(err, ShouldBeNil)
			So(read(backend, key), ShouldEqual, "AAABBB")
		})

		Convey("a failed final write keeps the parts", func() {
			p1 := upload(tr, u.ID, key, 1, "AAA")
			tr.backend = failingPut{backend}
			_, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}})
			So(err, ShouldEqual, core.ERR_BACKEND_UNAVAILABLE)
			So(partCount(backend), ShouldEqual, 1)

			tr.backend = backend
			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}})
			So(err, ShouldBeNil)
			So(read(backend, key), ShouldEqual, "AAA")
		})

		Convey("abort removes everything", func() {
			upload(tr, u.ID, key, 1, "AAA")
			upload(tr, u.ID, key, 2, "BBB")
			So(partCount(backend), ShouldEqual, 2)

			So(tr.Abort(ctx, u.ID, key), ShouldBeNil)
			So(partCount(backend), ShouldEqual, 0)
			So(tr.Active(), ShouldEqual, 0)

			_, err := tr.UploadPart(ctx, u.ID, key, 3, strings.NewReader("C"), 1)
			So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, md5Hex("AAA")}})
			So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
			So(tr.Abort(ctx, u.ID, key), ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
		})

		Convey("abort succeeds when part deletion fails", func() {
			upload(tr, u.ID, key, 1, "AAA")
			tr.backend = flakyDeletes{backend}
			So(tr.Abort(ctx, u.ID, key), ShouldBeNil)
			So(tr.Active(), ShouldEqual, 0)

			tr.backend = backend
			n, err := tr.PurgeOrphans(ctx)
			So(err, ShouldBeNil)
			So(n, ShouldEqual, 1)
			So(partCount(backend), ShouldEqual, 0)
		})

		Convey("re-uploading a part replaces it", func() {
			upload(tr, u.ID, key, 1, "old")
			p1 := upload(tr, u.ID, key, 1, "new")
			So(partCount(backend), ShouldEqual, 1)

			_, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, md5Hex("old")}})
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)
			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}})
			So(err, ShouldBeNil)
			So(read(backend, key), ShouldEqual, "new")
		})

		Convey("parts upload concurrently", func() {
			var wg sync.WaitGroup
			errs := make(chan error, 20)
			for i := 1; i <= 20; i++ {
				wg.Add(1)
				go func(n int) {
					defer wg.Done()
					data := fmt.Sprintf("<%02d>", n)
					_, err := tr.UploadPart(ctx, u.ID, key, n, strings.NewReader(data), int64(len(data)))
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				So(err, ShouldBeNil)
			}

			parts, _, err := tr.ListParts(u.ID, key, 0, 0)
			So(err, ShouldBeNil)
			So(len(parts), ShouldEqual, 20)
			var list []CompletedPart
			var want bytes.Buffer
			for _, p := range parts {
				list = append(list, CompletedPart{p.Number, p.ETag})
				fmt.Fprintf(&want, "<%02d>", p.Number)
			}
			_, err = tr.Complete(ctx, u.ID, key, list)
			So(err, ShouldBeNil)
			So(read(backend, key), ShouldEqual, want.String())
		})

		// stall starts an upload of part n that blocks until the returned
		// writer is closed. The first chunk has been consumed on return.
		stall := func(n int) (*io.PipeWriter, chan error) {
			pr, pw := io.Pipe()
			done := make(chan error, 1)
			go func() {
				_, err := tr.UploadPart(ctx, u.ID, key, n, pr, 4)
				done <- err
			}()
			_, err := pw.Write([]byte("BB"))
			So(err, ShouldBeNil)
			return pw, done
		}
		blocked := func(ch chan error) bool {
			select {
			case <-ch:
				return false
			case <-time.After(50 * time.Millisecond):
				return true
			}
		}

		Convey("complete waits for a part in flight", func() {
			p1 := upload(tr, u.ID, key, 1, "AAA")
			pw, uploaded := stall(2)

			completed := make(chan error, 1)
			go func() {
				_, err := tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}})
				completed <- err
			}()
			So(blocked(completed), ShouldBeTrue)

			_, err := pw.Write([]byte("BB"))
			So(err, ShouldBeNil)
			So(pw.Close(), ShouldBeNil)
			So(<-uploaded, ShouldBeNil)

			err = <-completed
			So(errors.Is(err, core.ERR_INVALID_PART), ShouldBeTrue)
			So(tr.Active(), ShouldEqual, 1)

			_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {2, md5Hex("BBBB")}})
			So(err, ShouldBeNil)
			So(read(backend, key), ShouldEqual, "AAABBBB")
			So(partCount(backend), ShouldEqual, 0)
		})

		Convey("abort waits for a part in flight", func() {
			upload(tr, u.ID, key, 1, "AAA")
			pw, uploaded := stall(2)

			aborted := make(chan error, 1)
			go func() { aborted <- tr.Abort(ctx, u.ID, key) }()
			So(blocked(aborted), ShouldBeTrue)

			_, err := pw.Write([]byte("BB"))
			So(err, ShouldBeNil)
			So(pw.Close(), ShouldBeNil)
			So(<-uploaded, ShouldBeNil)
			So(<-aborted, ShouldBeNil)

			So(partCount(backend), ShouldEqual, 0)
			So(tr.Active(), ShouldEqual, 0)
			_, err = tr.UploadPart(ctx, u.ID, key, 3, strings.NewReader("C"), 1)
			So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
		})

		Convey("arguments are checked", func() {
			_, err := tr.UploadPart(ctx, u.ID, key, 0, strings.NewReader("x"), 1)
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
			_, err = tr.UploadPart(ctx, u.ID, key, core.MAX_PART_NUMBER+1, strings.NewReader("x"), 1)
			So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)

			other := storage.ObjectKey{Bucket: "bkt", Key: "other"}
			_, err = tr.UploadPart(ctx, u.ID, other, 1, strings.NewReader("x"), 1)
			So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
			_, err = tr.UploadPart(ctx, "nope", key, 1, strings.NewReader("x"), 1)
			So(err, ShouldEqual, core.ERR_NO_SUCH_UPLOAD)

			_, err = tr.Create(ctx, storage.ObjectKey{Bucket: "missing", Key: "k"}, storage.PutOptions{}, "")
			So(err, ShouldEqual, core.ERR_NO_SUCH_BUCKET)
		})

		Convey("short part bodies are not recorded", func() {
			_, err := tr.UploadPart(ctx, u.ID, key, 1, strings.NewReader("AB"), 3)
			So(errors.Is(err, core.ERR_INCOMPLETE_BODY), ShouldBeTrue)
			parts, _, err := tr.ListParts(u.ID, key, 0, 0)
			So(err, ShouldBeNil)
			So(parts, ShouldBeEmpty)
			So(partCount(backend), ShouldEqual, 0)
		})

		Convey("listing", func() {
			for i := 1; i <= 5; i++ {
				upload(tr, u.ID, key, i, "x")
			}
			parts, next, err := tr.ListParts(u.ID, key, 0, 2)
			So(err, ShouldBeNil)
			So(len(parts), ShouldEqual, 2)
			So(next, ShouldEqual, 2)
			parts, next, _ = tr.ListParts(u.ID, key, next, 2)
			So(parts[0].Number, ShouldEqual, 3)
			So(next, ShouldEqual, 4)
			parts, next, _ = tr.ListParts(u.ID, key, next, 2)
			So(len(parts), ShouldEqual, 1)
			So(next, ShouldEqual, 0)

			u2, _ := tr.Create(ctx, storage.ObjectKey{Bucket: "bkt", Key: "a"}, storage.PutOptions{}, "")
			uploads := tr.ListUploads("bkt", "")
			So(len(uploads), ShouldEqual, 2)
			So(uploads[0].ID, ShouldEqual, u2.ID)
			So(len(tr.ListUploads("bkt", "dir/")), ShouldEqual, 1)
			So(tr.ListUploads("other", ""), ShouldBeEmpty)
		})
	})
}

func TestMultipartOnFS(t *testing.T) {
	Convey("Multipart over the fs provider", t, func() {
		backend, err := storage.NewFS(t.TempDir())
		So(err, ShouldBeNil)
		defer backend.Close()
		tr := newTracker(backend)
		ctx := context.Background()
		key := storage.ObjectKey{Bucket: "bkt", Key: "big"}

		u, err := tr.Create(ctx, key, storage.PutOptions{}, "")
		So(err, ShouldBeNil)
		a := strings.Repeat("a", 64<<10)
		b := strings.Repeat("b", 1000)
		p1 := upload(tr, u.ID, key, 1, a)
		p2 := upload(tr, u.ID, key, 2, b)
		_, err = tr.Complete(ctx, u.ID, key, []CompletedPart{{1, p1.ETag}, {2, p2.ETag}})
		So(err, ShouldBeNil)
		So(read(backend, key), ShouldEqual, a+b)
		So(partCount(backend), ShouldEqual, 0)

		Convey("a second tracker sees the part bucket", func() {
			_, err := NewTracker(ctx, backend)
			So(err, ShouldBeNil)
		})
	})
}

func TestJanitor(t *testing.T) {
	Convey("Janitor", t, func() {
		ctx := context.Background()

		Convey("schedules", func() {
			s, err := ParseSchedule("0,30 2-3 * * 1")
			So(err, ShouldBeNil)
			So(s.Minute, ShouldResemble, []int{0, 30})
			So(s.Hour, ShouldResemble, []int{2, 3})
			So(len(s.Day), ShouldEqual, 31)

			monday := time.Date(2024, 2, 5, 2, 30, 0, 0, time.UTC)
			So(s.Due(monday), ShouldBeTrue)
			So(s.Due(monday.Add(time.Minute)), ShouldBeFalse)
			So(s.Due(monday.AddDate(0, 0, 1)), ShouldBeFalse)

			for _, bad := range []string{"", "* * * *", "60 * * * *", "5-1 * * * *", "x * * * *", "* * 0 * *"} {
				_, err := ParseSchedule(bad)
				So(errors.Is(err, core.ERR_INVALID_ARGUMENT), ShouldBeTrue)
			}
		})

		Convey("stale uploads are aborted", func() {
			backend := storage.NewMemory()
			tr := newTracker(backend)
			key := storage.ObjectKey{Bucket: "bkt", Key: "k"}
			old, _ := tr.Create(ctx, key, storage.PutOptions{}, "")
			upload(tr, old.ID, key, 1, "x")
			tr.sessions[old.ID].CreatedAt = time.Now().Add(-2 * time.Hour)
			fresh, _ := tr.Create(ctx, key, storage.PutOptions{}, "")
			upload(tr, fresh.ID, key, 1, "y")

			j, err := NewJanitor(tr, core.MultipartConfig{Schedule: "* * * * *", MaxAgeSec: 3600})
			So(err, ShouldBeNil)
			j.RunOnce(ctx)

			So(tr.Active(), ShouldEqual, 1)
			So(tr.Abort(ctx, old.ID, key), ShouldEqual, core.ERR_NO_SUCH_UPLOAD)
			So(partCount(backend), ShouldEqual, 1)

			j.Start(ctx)
			j.Stop()
		})
	})
}
