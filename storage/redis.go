package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/core"
)

const maxWatchRetries = 8

// Redis splits object data into chunks under fresh data ids and swaps the
// metadata hash in a WATCH transaction, so a key always points at one
// complete set of chunks. Superseded chunks are deleted after the swap.
//
//	<p>buckets              hash   bucket -> created (ns)
//	<p>idx:<bucket>         zset   keys, score 0, ordered by ZRANGEBYLEX
//	<p>meta:<bucket>/<key>  hash   object metadata
//	<p>data:<id>:<n>        string chunk n of data id
type Redis struct {
	client    *redis.Client
	prefix    string
	chunkSize int
	codec     *Codec
}

func NewRedisFromConfig(cfg core.StorageConfig) (*Redis, error) {
	codec, err := NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return NewRedis(client, cfg.Redis.Prefix, cfg.ChunkSize, codec), nil
}

func NewRedis(client *redis.Client, prefix string, chunkSize int, codec *Codec) *Redis {
	if chunkSize <= 0 {
		chunkSize = core.DEFAULT_CHUNK_SIZE
	}
	if codec == nil {
		codec = &Codec{}
	}
	return &Redis{client: client, prefix: prefix, chunkSize: chunkSize, codec: codec}
}

func (r *Redis) bucketsKey() string {
	return r.prefix + "buckets"
}

func (r *Redis) idxKey(bucket string) string {
	return r.prefix + "idx:" + bucket
}

func (r *Redis) metaKey(k ObjectKey) string {
	return r.prefix + "meta:" + k.Bucket + "/" + k.Key
}

func (r *Redis) dataKey(id int64, n int) string {
	return r.prefix + "data:" + strconv.FormatInt(id, 36) + ":" + strconv.Itoa(n)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", core.ERR_BACKEND_UNAVAILABLE, err)
}

func (r *Redis) CreateBucket(ctx context.Context, bucket string) error {
	if !ValidBucketName(bucket) {
		return core.ERR_INVALID_BUCKET
	}
	ok, err := r.client.WithContext(ctx).HSetNX(r.bucketsKey(), bucket, time.Now().UnixNano()).Result()
	if err != nil {
		return unavailable(err)
	}
	if !ok {
		return core.ERR_BUCKET_EXISTS
	}
	return nil
}

func (r *Redis) DeleteBucket(ctx context.Context, bucket string) error {
	c := r.client.WithContext(ctx)
	if _, err := r.HeadBucket(ctx, bucket); err != nil {
		return err
	}
	n, err := c.ZCard(r.idxKey(bucket)).Result()
	if err != nil {
		return unavailable(err)
	}
	if n > 0 {
		return core.ERR_BUCKET_NOT_EMPTY
	}
	if err := c.HDel(r.bucketsKey(), bucket).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *Redis) HeadBucket(ctx context.Context, bucket string) (*BucketInfo, error) {
	v, err := r.client.WithContext(ctx).HGet(r.bucketsKey(), bucket).Result()
	if err == redis.Nil {
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	if err != nil {
		return nil, unavailable(err)
	}
	ns, _ := strconv.ParseInt(v, 10, 64)
	return &BucketInfo{Name: bucket, CreatedAt: time.Unix(0, ns).UTC()}, nil
}

func (r *Redis) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	all, err := r.client.WithContext(ctx).HGetAll(r.bucketsKey()).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	out := make([]BucketInfo, 0, len(all))
	for name, v := range all {
		ns, _ := strconv.ParseInt(v, 10, 64)
		out = append(out, BucketInfo{Name: name, CreatedAt: time.Unix(0, ns).UTC()})
	}
	sortBuckets(out)
	return out, nil
}

func (r *Redis) Put(ctx context.Context, key ObjectKey, body io.Reader, size int64, opts PutOptions) (*ObjectInfo, error) {
	if _, err := r.HeadBucket(ctx, key.Bucket); err != nil {
		return nil, err
	}
	c := r.client.WithContext(ctx)
	id := core.NewID()
	br := newBodyReader(ctx, body)
	buf := make([]byte, r.chunkSize)
	var kind uint32
	chunks := 0
	cleanup := func() { r.deleteChunks(id, chunks) }

	for {
		n, err := io.ReadFull(br, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			cleanup()
			return nil, err
		}
		if n > 0 {
			if chunks == 0 {
				kind = r.codec.Kind(buf[:n])
			}
			stored, eerr := r.codec.Encode(buf[:n], &kind, chunks == 0)
			if eerr != nil {
				cleanup()
				return nil, eerr
			}
			if serr := c.Set(r.dataKey(id, chunks), stored, 0).Err(); serr != nil {
				cleanup()
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, unavailable(serr)
			}
			chunks++
		}
		if err != nil {
			break
		}
	}
	etag, err := br.finish(size, opts)
	if err != nil {
		cleanup()
		return nil, err
	}

	now := time.Now().UTC()
	meta := ""
	if len(opts.Metadata) > 0 {
		mb, _ := json.Marshal(opts.Metadata)
		meta = string(mb)
	}
	fields := []interface{}{
		"id", id,
		"size", br.n,
		"etag", etag,
		"ctype", opts.ContentType,
		"mtime", now.UnixNano(),
		"kind", kind,
		"csz", r.chunkSize,
		"chunks", chunks,
		"meta", meta,
	}
	old, err := r.swap(ctx, key, func(pipe redis.Pipeliner) {
		pipe.Del(r.metaKey(key))
		pipe.HMSet(r.metaKey(key), fields...)
		pipe.ZAdd(r.idxKey(key.Bucket), &redis.Z{Score: 0, Member: key.Key})
	}, true)
	if err != nil {
		cleanup()
		return nil, err
	}
	if old != nil {
		r.deleteChunks(old.id, old.chunks)
	}
	return &ObjectInfo{
		Bucket:       key.Bucket,
		Key:          key.Key,
		Size:         br.n,
		ETag:         etag,
		ContentType:  opts.ContentType,
		LastModified: now,
		Metadata:     cloneMeta(opts.Metadata),
	}, nil
}

type redisMeta struct {
	id     int64
	size   int64
	kind   uint32
	csz    int64
	chunks int
	info   ObjectInfo
}

func parseMeta(key ObjectKey, m map[string]string) *redisMeta {
	if len(m) == 0 {
		return nil
	}
	rm := &redisMeta{}
	rm.id, _ = strconv.ParseInt(m["id"], 10, 64)
	rm.size, _ = strconv.ParseInt(m["size"], 10, 64)
	kind, _ := strconv.ParseUint(m["kind"], 10, 32)
	rm.kind = uint32(kind)
	rm.csz, _ = strconv.ParseInt(m["csz"], 10, 64)
	rm.chunks, _ = strconv.Atoi(m["chunks"])
	mtime, _ := strconv.ParseInt(m["mtime"], 10, 64)
	rm.info = ObjectInfo{
		Bucket:       key.Bucket,
		Key:          key.Key,
		Size:         rm.size,
		ETag:         m["etag"],
		ContentType:  m["ctype"],
		LastModified: time.Unix(0, mtime).UTC(),
	}
	if m["meta"] != "" {
		json.Unmarshal([]byte(m["meta"]), &rm.info.Metadata)
	}
	return rm
}

// swap runs fn in a transaction watching the object's metadata and returns
// what the metadata pointed at before.
func (r *Redis) swap(ctx context.Context, key ObjectKey, fn func(redis.Pipeliner), needBucket bool) (*redisMeta, error) {
	c := r.client.WithContext(ctx)
	mk := r.metaKey(key)
	for i := 0; i < maxWatchRetries; i++ {
		var old *redisMeta
		err := c.Watch(func(tx *redis.Tx) error {
			m, err := tx.HGetAll(mk).Result()
			if err != nil {
				return err
			}
			old = parseMeta(key, m)
			if needBucket {
				ok, err := tx.HExists(r.bucketsKey(), key.Bucket).Result()
				if err != nil {
					return err
				}
				if !ok {
					return core.ERR_NO_SUCH_BUCKET
				}
			}
			_, err = tx.TxPipelined(func(pipe redis.Pipeliner) error {
				fn(pipe)
				return nil
			})
			return err
		}, mk, r.bucketsKey())
		switch {
		case err == nil:
			return old, nil
		case err == redis.TxFailedErr:
			continue
		case err == core.ERR_NO_SUCH_BUCKET:
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, unavailable(err)
		}
	}
	return nil, unavailable(fmt.Errorf("too much contention on %s", key))
}

func (r *Redis) deleteChunks(id int64, chunks int) {
	if chunks <= 0 {
		return
	}
	keys := make([]string, chunks)
	for i := range keys {
		keys[i] = r.dataKey(id, i)
	}
	// not bound to the request context: cleanup must outlive a cancelled request
	if err := r.client.Del(keys...).Err(); err != nil {
		elog.Warn("delete chunks failed", elog.Int64("id", id), elog.Int("chunks", chunks), elog.FieldErr(err))
	}
}

func (r *Redis) meta(ctx context.Context, key ObjectKey) (*redisMeta, error) {
	m, err := r.client.WithContext(ctx).HGetAll(r.metaKey(key)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	rm := parseMeta(key, m)
	if rm == nil {
		if _, err := r.HeadBucket(ctx, key.Bucket); err != nil {
			return nil, err
		}
		return nil, core.ERR_NO_SUCH_KEY
	}
	return rm, nil
}

func (r *Redis) Stat(ctx context.Context, key ObjectKey) (*ObjectInfo, error) {
	rm, err := r.meta(ctx, key)
	if err != nil {
		return nil, err
	}
	return &rm.info, nil
}

func (r *Redis) Get(ctx context.Context, key ObjectKey, rng *Range) (*ObjectInfo, io.ReadCloser, error) {
	rm, err := r.meta(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	start, end := int64(0), rm.size
	if rng != nil {
		if start, end, err = clampRange(rng, rm.size); err != nil {
			return nil, nil, err
		}
	}
	rr := &redisReader{ctx: ctx, r: r, meta: rm, remain: end - start}
	if rm.csz > 0 {
		rr.next = int(start / rm.csz)
		rr.skip = start % rm.csz
	}
	return &rm.info, rr, nil
}

// redisReader fetches and decodes one chunk at a time.
type redisReader struct {
	ctx    context.Context
	r      *Redis
	meta   *redisMeta
	next   int
	skip   int64
	remain int64
	buf    []byte
}

func (rr *redisReader) Read(p []byte) (int, error) {
	for len(rr.buf) == 0 {
		if rr.remain <= 0 || rr.next >= rr.meta.chunks {
			return 0, io.EOF
		}
		stored, err := rr.r.client.WithContext(rr.ctx).Get(rr.r.dataKey(rr.meta.id, rr.next)).Bytes()
		if err == redis.Nil {
			// the object was replaced or deleted while streaming
			return 0, core.ERR_NO_SUCH_KEY
		}
		if err != nil {
			return 0, unavailable(err)
		}
		data, err := rr.r.codec.Decode(stored, rr.meta.kind)
		if err != nil {
			return 0, err
		}
		rr.next++
		if rr.skip > 0 {
			if rr.skip >= int64(len(data)) {
				return 0, fmt.Errorf("%w: chunk shorter than recorded", core.ERR_READ_FILE)
			}
			data = data[rr.skip:]
			rr.skip = 0
		}
		if int64(len(data)) > rr.remain {
			data = data[:rr.remain]
		}
		rr.buf = data
	}
	n := copy(p, rr.buf)
	rr.buf = rr.buf[n:]
	rr.remain -= int64(n)
	return n, nil
}

func (rr *redisReader) Close() error {
	rr.buf = nil
	return nil
}

func (r *Redis) Delete(ctx context.Context, key ObjectKey) error {
	if _, err := r.HeadBucket(ctx, key.Bucket); err != nil {
		return err
	}
	old, err := r.swap(ctx, key, func(pipe redis.Pipeliner) {
		pipe.Del(r.metaKey(key))
		pipe.ZRem(r.idxKey(key.Bucket), key.Key)
	}, false)
	if err != nil {
		return err
	}
	if old != nil {
		r.deleteChunks(old.id, old.chunks)
	}
	return nil
}

func (r *Redis) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	if _, err := r.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}
	after, err := opts.after()
	if err != nil {
		return nil, err
	}
	min := "-"
	if after != "" {
		min = "(" + after
	}
	if opts.Prefix != "" && opts.Prefix > after {
		min = "[" + opts.Prefix
	}
	max := opts.maxKeys()
	c := r.client.WithContext(ctx)
	keys, err := c.ZRangeByLex(r.idxKey(bucket), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(max + 1),
	}).Result()
	if err != nil {
		return nil, unavailable(err)
	}

	var matched []string
	for _, k := range keys {
		if !hasPrefix(k, opts.Prefix) {
			break
		}
		matched = append(matched, k)
	}
	cmds := make([]*redis.StringStringMapCmd, len(matched))
	if len(matched) > 0 {
		_, err = c.Pipelined(func(pipe redis.Pipeliner) error {
			for i, k := range matched {
				cmds[i] = pipe.HGetAll(r.metaKey(ObjectKey{Bucket: bucket, Key: k}))
			}
			return nil
		})
		if err != nil {
			return nil, unavailable(err)
		}
	}
	objs := make([]ObjectInfo, 0, len(matched))
	for i, k := range matched {
		if rm := parseMeta(ObjectKey{Bucket: bucket, Key: k}, cmds[i].Val()); rm != nil {
			objs = append(objs, rm.info)
		}
	}
	return page(objs, max), nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
