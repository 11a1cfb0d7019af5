package storage

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/orcastor/s3gw/core"
)

type memObject struct {
	info ObjectInfo
	data []byte
}

type memBucket struct {
	created time.Time
	objects map[string]*memObject
}

// Memory keeps everything in process. Object data is immutable once
// stored, so readers hold their slice without the lock.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*memBucket
}

func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memBucket)}
}

func (m *Memory) CreateBucket(ctx context.Context, bucket string) error {
	if !ValidBucketName(bucket) {
		return core.ERR_INVALID_BUCKET
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket]; ok {
		return core.ERR_BUCKET_EXISTS
	}
	m.buckets[bucket] = &memBucket{created: time.Now().UTC(), objects: make(map[string]*memObject)}
	return nil
}

func (m *Memory) DeleteBucket(ctx context.Context, bucket string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return core.ERR_NO_SUCH_BUCKET
	}
	if len(b.objects) > 0 {
		return core.ERR_BUCKET_NOT_EMPTY
	}
	delete(m.buckets, bucket)
	return nil
}

func (m *Memory) HeadBucket(ctx context.Context, bucket string) (*BucketInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[bucket]
	if !ok {
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	return &BucketInfo{Name: bucket, CreatedAt: b.created}, nil
}

func (m *Memory) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	m.mu.RLock()
	out := make([]BucketInfo, 0, len(m.buckets))
	for name, b := range m.buckets {
		out = append(out, BucketInfo{Name: name, CreatedAt: b.created})
	}
	m.mu.RUnlock()
	sortBuckets(out)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key ObjectKey, r io.Reader, size int64, opts PutOptions) (*ObjectInfo, error) {
	if _, err := m.HeadBucket(ctx, key.Bucket); err != nil {
		return nil, err
	}
	br := newBodyReader(ctx, r)
	var buf bytes.Buffer
	if size > 0 {
		buf.Grow(int(size))
	}
	if _, err := io.Copy(&buf, br); err != nil {
		return nil, err
	}
	etag, err := br.finish(size, opts)
	if err != nil {
		return nil, err
	}

	obj := &memObject{
		info: ObjectInfo{
			Bucket:       key.Bucket,
			Key:          key.Key,
			Size:         int64(buf.Len()),
			ETag:         etag,
			ContentType:  opts.ContentType,
			LastModified: time.Now().UTC(),
			Metadata:     cloneMeta(opts.Metadata),
		},
		data: buf.Bytes(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key.Bucket]
	if !ok {
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	b.objects[key.Key] = obj
	info := obj.info
	return &info, nil
}

func (m *Memory) lookup(key ObjectKey) (*memObject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buckets[key.Bucket]
	if !ok {
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	obj, ok := b.objects[key.Key]
	if !ok {
		return nil, core.ERR_NO_SUCH_KEY
	}
	return obj, nil
}

func (m *Memory) Get(ctx context.Context, key ObjectKey, rng *Range) (*ObjectInfo, io.ReadCloser, error) {
	obj, err := m.lookup(key)
	if err != nil {
		return nil, nil, err
	}
	data := obj.data
	if rng != nil {
		start, end, err := clampRange(rng, int64(len(data)))
		if err != nil {
			return nil, nil, err
		}
		data = data[start:end]
	}
	info := obj.info
	return &info, ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Stat(ctx context.Context, key ObjectKey) (*ObjectInfo, error) {
	obj, err := m.lookup(key)
	if err != nil {
		return nil, err
	}
	info := obj.info
	return &info, nil
}

func (m *Memory) Delete(ctx context.Context, key ObjectKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key.Bucket]
	if !ok {
		return core.ERR_NO_SUCH_BUCKET
	}
	delete(b.objects, key.Key)
	return nil
}

func (m *Memory) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	after, err := opts.after()
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.buckets[bucket]
	if !ok {
		m.mu.RUnlock()
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	objs := make([]ObjectInfo, 0, len(b.objects))
	for k, obj := range b.objects {
		if k > after && strings.HasPrefix(k, opts.Prefix) {
			objs = append(objs, obj.info)
		}
	}
	m.mu.RUnlock()

	sort.Slice(objs, func(i, j int) bool { return objs[i].Key < objs[j].Key })
	max := opts.maxKeys()
	if len(objs) > max+1 {
		objs = objs[:max+1]
	}
	return page(objs, max), nil
}

func (m *Memory) Close() error {
	return nil
}

// clampRange resolves rng against size into [start, end).
func clampRange(rng *Range, size int64) (int64, int64, error) {
	if rng.Offset < 0 || (rng.Offset >= size && size > 0) || (size == 0 && rng.Offset > 0) {
		return 0, 0, core.ERR_INVALID_RANGE
	}
	end := size
	if rng.Length >= 0 && rng.Offset+rng.Length < size {
		end = rng.Offset + rng.Length
	}
	return rng.Offset, end, nil
}
