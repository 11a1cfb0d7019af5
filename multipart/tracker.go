// Package multipart tracks in-flight multipart uploads on top of any
// storage.Backend. Part bytes live in the reserved .multipart bucket;
// session records live in process memory.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/storage"
)

type Upload struct {
	ID        string
	Bucket    string
	Key       string
	Initiator string
	CreatedAt time.Time
}

type Part struct {
	Number       int
	ETag         string
	Size         int64
	LastModified time.Time

	location string
}

// CompletedPart is one entry of a client's CompleteMultipartUpload list.
type CompletedPart struct {
	Number int
	ETag   string
}

type session struct {
	Upload
	opts storage.PutOptions

	// ops is shared by part uploads and held exclusively by complete and abort.
	ops sync.RWMutex

	mu     sync.Mutex
	parts  map[int]*Part
	closed bool
}

func (s *session) snapshot() []*Part {
	s.mu.Lock()
	parts := make([]*Part, 0, len(s.parts))
	for _, p := range s.parts {
		parts = append(parts, p)
	}
	s.mu.Unlock()
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

type Tracker struct {
	backend storage.Backend
	logger  *elog.Component

	mu       sync.RWMutex
	sessions map[string]*session
	active   int64
}

type Option func(*Tracker)

func WithLogger(l *elog.Component) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

// NewTracker makes sure the part bucket exists on backend.
func NewTracker(ctx context.Context, backend storage.Backend, opts ...Option) (*Tracker, error) {
	if err := backend.CreateBucket(ctx, core.MULTIPART_BUCKET); err != nil && !errors.Is(err, core.ERR_BUCKET_EXISTS) {
		return nil, fmt.Errorf("create part bucket: %w", err)
	}
	t := &Tracker{
		backend:  backend,
		logger:   elog.DefaultLogger,
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Active is the number of open sessions.
func (t *Tracker) Active() int {
	return int(atomic.LoadInt64(&t.active))
}

func (t *Tracker) Create(ctx context.Context, key storage.ObjectKey, opts storage.PutOptions, initiator string) (*Upload, error) {
	if key.Key == "" {
		return nil, fmt.Errorf("%w: empty object key", core.ERR_INVALID_ARGUMENT)
	}
	if _, err := t.backend.HeadBucket(ctx, key.Bucket); err != nil {
		return nil, err
	}
	s := &session{
		Upload: Upload{
			ID:        core.NewIDString(),
			Bucket:    key.Bucket,
			Key:       key.Key,
			Initiator: initiator,
			CreatedAt: time.Now().UTC(),
		},
		opts:  opts,
		parts: make(map[int]*Part),
	}

	t.mu.Lock()
	for _, dup := t.sessions[s.ID]; dup; _, dup = t.sessions[s.ID] {
		s.ID = core.NewIDString()
	}
	t.sessions[s.ID] = s
	t.mu.Unlock()
	atomic.AddInt64(&t.active, 1)

	u := s.Upload
	return &u, nil
}

// lookup finds an open session for uploadID that was created for key.
func (t *Tracker) lookup(uploadID string, key storage.ObjectKey) (*session, error) {
	t.mu.RLock()
	s, ok := t.sessions[uploadID]
	t.mu.RUnlock()
	if !ok || s.Bucket != key.Bucket || s.Key != key.Key {
		return nil, core.ERR_NO_SUCH_UPLOAD
	}
	return s, nil
}

func (t *Tracker) forget(s *session) {
	t.mu.Lock()
	if t.sessions[s.ID] == s {
		delete(t.sessions, s.ID)
		atomic.AddInt64(&t.active, -1)
	}
	t.mu.Unlock()
}

func partLocation(uploadID string, number int) string {
	return fmt.Sprintf("%s/%05d/%s", uploadID, number, core.NewIDString())
}

func partKey(location string) storage.ObjectKey {
	return storage.ObjectKey{Bucket: core.MULTIPART_BUCKET, Key: location}
}

// UploadPart stores one part. Re-uploading a part number replaces the
// previous bytes and record.
func (t *Tracker) UploadPart(ctx context.Context, uploadID string, key storage.ObjectKey, number int, r io.Reader, size int64) (*Part, error) {
	if number < core.MIN_PART_NUMBER || number > core.MAX_PART_NUMBER {
		return nil, fmt.Errorf("%w: part number must be between %d and %d", core.ERR_INVALID_ARGUMENT, core.MIN_PART_NUMBER, core.MAX_PART_NUMBER)
	}
	s, err := t.lookup(uploadID, key)
	if err != nil {
		return nil, err
	}

	s.ops.RLock()
	defer s.ops.RUnlock()
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, core.ERR_NO_SUCH_UPLOAD
	}

	loc := partLocation(uploadID, number)
	info, err := t.backend.Put(ctx, partKey(loc), r, size, storage.PutOptions{})
	if err != nil {
		// Backends roll back failed writes; drop any leftovers anyway.
		t.backend.Delete(context.Background(), partKey(loc))
		return nil, err
	}

	p := &Part{
		Number:       number,
		ETag:         info.ETag,
		Size:         info.Size,
		LastModified: info.LastModified,
		location:     loc,
	}
	s.mu.Lock()
	old := s.parts[number]
	s.parts[number] = p
	s.mu.Unlock()

	if old != nil {
		t.removePart(uploadID, old)
	}
	out := *p
	return &out, nil
}

// removePart runs detached from the request so a disconnect cannot strand data.
func (t *Tracker) removePart(uploadID string, p *Part) error {
	err := t.backend.Delete(context.Background(), partKey(p.location))
	if err != nil {
		t.logger.Warn("remove part failed",
			elog.String("uploadId", uploadID),
			elog.Int("part", p.Number),
			elog.FieldErr(err))
	}
	return err
}

// validate checks a completion list against the stored parts and returns
// the parts to concatenate, in order.
func validate(stored []*Part, list []CompletedPart) ([]*Part, error) {
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: no parts given", core.ERR_INVALID_PART)
	}
	byNum := make(map[int]*Part, len(stored))
	for _, p := range stored {
		byNum[p.Number] = p
	}
	out := make([]*Part, 0, len(list))
	for i, cp := range list {
		if i > 0 && cp.Number <= list[i-1].Number {
			return nil, core.ERR_INVALID_PART_ORDER
		}
		p, ok := byNum[cp.Number]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was not uploaded", core.ERR_INVALID_PART, cp.Number)
		}
		if TrimETag(cp.ETag) != p.ETag {
			return nil, fmt.Errorf("%w: etag mismatch for part %d", core.ERR_INVALID_PART, cp.Number)
		}
		out = append(out, p)
	}
	if len(out) != len(stored) {
		return nil, fmt.Errorf("%w: %d uploaded parts not listed", core.ERR_INVALID_PART, len(stored)-len(out))
	}
	return out, nil
}

// Complete concatenates the listed parts into the final object. Any
// validation or write failure leaves the session open for a retry.
func (t *Tracker) Complete(ctx context.Context, uploadID string, key storage.ObjectKey, list []CompletedPart) (*storage.ObjectInfo, error) {
	s, err := t.lookup(uploadID, key)
	if err != nil {
		return nil, err
	}

	s.ops.Lock()
	defer s.ops.Unlock()
	if s.closed {
		return nil, core.ERR_NO_SUCH_UPLOAD
	}

	parts, err := validate(s.snapshot(), list)
	if err != nil {
		return nil, err
	}
	etags := make([]string, len(parts))
	var total int64
	for i, p := range parts {
		etags[i] = p.ETag
		total += p.Size
	}
	etag, err := CompositeETag(etags)
	if err != nil {
		return nil, err
	}

	pr := &partsReader{ctx: ctx, backend: t.backend, parts: parts}
	opts := s.opts
	opts.ETag = etag
	info, err := t.backend.Put(ctx, key, pr, total, opts)
	pr.Close()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	t.forget(s)
	for _, p := range parts {
		t.removePart(uploadID, p)
	}
	return info, nil
}

// Abort forgets the session and removes its parts best effort.
func (t *Tracker) Abort(ctx context.Context, uploadID string, key storage.ObjectKey) error {
	s, err := t.lookup(uploadID, key)
	if err != nil {
		return err
	}
	return t.abort(ctx, s)
}

func (t *Tracker) abort(ctx context.Context, s *session) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ERR_NO_SUCH_UPLOAD
	}
	s.closed = true
	s.mu.Unlock()
	t.forget(s)

	var failed int
	for _, p := range s.snapshot() {
		if t.removePart(s.ID, p) != nil {
			failed++
		}
	}
	if failed > 0 {
		t.logger.Warn("abort left parts behind", elog.String("uploadId", s.ID), elog.Int("failed", failed))
	}
	return nil
}

// ListUploads returns open sessions of bucket whose key has prefix,
// ordered by key then creation time.
func (t *Tracker) ListUploads(bucket, prefix string) []Upload {
	t.mu.RLock()
	out := make([]Upload, 0)
	for _, s := range t.sessions {
		if s.Bucket == bucket && strings.HasPrefix(s.Key, prefix) {
			out = append(out, s.Upload)
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListParts returns up to max parts numbered above marker. next is the
// marker for the following page, zero when there is none.
func (t *Tracker) ListParts(uploadID string, key storage.ObjectKey, marker, max int) (parts []Part, next int, err error) {
	s, err := t.lookup(uploadID, key)
	if err != nil {
		return nil, 0, err
	}
	if max <= 0 || max > core.DEFAULT_MAX_KEYS {
		max = core.DEFAULT_MAX_KEYS
	}
	for _, p := range s.snapshot() {
		if p.Number <= marker {
			continue
		}
		if len(parts) == max {
			return parts, parts[len(parts)-1].Number, nil
		}
		parts = append(parts, *p)
	}
	return parts, 0, nil
}

// partsReader streams parts one after another, opening each lazily so
// only one part reader is open at a time.
type partsReader struct {
	ctx     context.Context
	backend storage.Backend
	parts   []*Part
	cur     io.ReadCloser
}

func (pr *partsReader) Read(p []byte) (int, error) {
	for {
		if pr.cur == nil {
			if len(pr.parts) == 0 {
				return 0, io.EOF
			}
			_, rc, err := pr.backend.Get(pr.ctx, partKey(pr.parts[0].location), nil)
			if err != nil {
				return 0, fmt.Errorf("open part %d: %w", pr.parts[0].Number, err)
			}
			pr.cur = rc
			pr.parts = pr.parts[1:]
		}
		n, err := pr.cur.Read(p)
		if err == io.EOF {
			pr.cur.Close()
			pr.cur = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (pr *partsReader) Close() error {
	if pr.cur != nil {
		err := pr.cur.Close()
		pr.cur = nil
		return err
	}
	return nil
}
