package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gotomicro/ego/core/elog"
	_ "github.com/mattn/go-sqlite3"
	b "github.com/orca-zhang/borm"
	"github.com/orcastor/s3gw/core"
)

const (
	BKT_TBL = "bkt"
	OBJ_TBL = "obj"
)

type bucketRow struct {
	Name      string `borm:"name"`       // 桶名称
	CreatedAt int64  `borm:"created_at"` // 创建时间（纳秒）
}

type objectRow struct {
	Bucket      string `borm:"bkt"`     // 桶名称
	Key         string `borm:"okey"`    // 对象键
	DataID      int64  `borm:"data_id"` // 数据文件ID（idgen生成，每次写入都是新的）
	Size        int64  `borm:"size"`    // 数据大小
	ETag        string `borm:"etag"`
	ContentType string `borm:"ctype"`
	Meta        string `borm:"meta"`  // 用户元数据（json）
	MTime       int64  `borm:"mtime"` // 修改时间（纳秒）
}

// FS stores object bytes as files named by data id and keeps the
// bucket/key index in sqlite. A put writes a temp file, renames it into
// place and then swaps the index row, so readers see old or new data.
type FS struct {
	root string
	db   *sql.DB
	// mu serializes index swaps so superseded data files are always found.
	mu sync.Mutex
}

func NewFS(root string) (*FS, error) {
	if root == "" {
		return nil, fmt.Errorf("%w: fs provider needs a root", core.ERR_INVALID_ARGUMENT)
	}
	for _, dir := range []string{root, filepath.Join(root, "data"), filepath.Join(root, "tmp")} {
		if err := os.MkdirAll(dir, 0o766); err != nil {
			return nil, fmt.Errorf("%w: %v", core.ERR_OPEN_FILE, err)
		}
	}
	db, err := sql.Open("sqlite3", filepath.Join(root, "meta.db")+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ERR_OPEN_DB, err)
	}
	if err := initIndex(db); err != nil {
		db.Close()
		return nil, err
	}
	return &FS{root: root, db: db}, nil
}

func initIndex(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bkt (name TEXT PRIMARY KEY NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS obj (bkt TEXT NOT NULL,
			okey TEXT NOT NULL,
			data_id BIGINT NOT NULL,
			size BIGINT NOT NULL,
			etag TEXT NOT NULL,
			ctype TEXT NOT NULL DEFAULT '',
			meta TEXT NOT NULL DEFAULT '',
			mtime BIGINT NOT NULL,
			PRIMARY KEY (bkt, okey)
		)`,
		`PRAGMA temp_store = MEMORY`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("%w: %v", core.ERR_EXEC_DB, err)
		}
	}
	return nil
}

func (f *FS) dataPath(dataID int64) string {
	s := strconv.FormatInt(dataID, 16)
	return filepath.Join(f.root, "data", s[len(s)-2:], s)
}

func (f *FS) CreateBucket(ctx context.Context, bucket string) error {
	if !ValidBucketName(bucket) {
		return core.ERR_INVALID_BUCKET
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.HeadBucket(ctx, bucket); err == nil {
		return core.ERR_BUCKET_EXISTS
	} else if err != core.ERR_NO_SUCH_BUCKET {
		return err
	}
	row := bucketRow{Name: bucket, CreatedAt: time.Now().UnixNano()}
	if _, err := b.Table(f.db, BKT_TBL, ctx).Insert(&row); err != nil {
		return fmt.Errorf("%w: %v", core.ERR_EXEC_DB, err)
	}
	return nil
}

func (f *FS) DeleteBucket(ctx context.Context, bucket string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.HeadBucket(ctx, bucket); err != nil {
		return err
	}
	var rows []objectRow
	if _, err := b.Table(f.db, OBJ_TBL, ctx).Select(&rows, b.Where(b.Eq("bkt", bucket)), b.Limit(1)); err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("%w: %v", core.ERR_QUERY_DB, err)
	}
	if len(rows) > 0 {
		return core.ERR_BUCKET_NOT_EMPTY
	}
	if _, err := b.Table(f.db, BKT_TBL, ctx).Delete(b.Where(b.Eq("name", bucket))); err != nil {
		return fmt.Errorf("%w: %v", core.ERR_EXEC_DB, err)
	}
	return nil
}

func (f *FS) HeadBucket(ctx context.Context, bucket string) (*BucketInfo, error) {
	var row bucketRow
	n, err := b.Table(f.db, BKT_TBL, ctx).Select(&row, b.Where(b.Eq("name", bucket)))
	if err == sql.ErrNoRows || (err == nil && n == 0) {
		return nil, core.ERR_NO_SUCH_BUCKET
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ERR_QUERY_DB, err)
	}
	return &BucketInfo{Name: row.Name, CreatedAt: time.Unix(0, row.CreatedAt).UTC()}, nil
}

func (f *FS) ListBuckets(ctx context.Context) ([]BucketInfo, error) {
	var rows []bucketRow
	if _, err := b.Table(f.db, BKT_TBL, ctx).Select(&rows, b.OrderBy("name")); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", core.ERR_QUERY_DB, err)
	}
	out := make([]BucketInfo, 0, len(rows))
	for _, row := range rows {
		out = append(out, BucketInfo{Name: row.Name, CreatedAt: time.Unix(0, row.CreatedAt).UTC()})
	}
	return out, nil
}

func (f *FS) Put(ctx context.Context, key ObjectKey, r io.Reader, size int64, opts PutOptions) (*ObjectInfo, error) {
	if _, err := f.HeadBucket(ctx, key.Bucket); err != nil {
		return nil, err
	}
	dataID := core.NewID()
	tmp := filepath.Join(f.root, "tmp", strconv.FormatInt(dataID, 16))
	etag, n, err := f.writeTemp(ctx, tmp, r, size, opts)
	if err != nil {
		os.Remove(tmp)
		return nil, err
	}

	dst := f.dataPath(dataID)
	os.MkdirAll(filepath.Dir(dst), 0o766)
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("%w: %v", core.ERR_OPEN_FILE, err)
	}

	meta := ""
	if len(opts.Metadata) > 0 {
		mb, _ := json.Marshal(opts.Metadata)
		meta = string(mb)
	}
	row := objectRow{
		Bucket:      key.Bucket,
		Key:         key.Key,
		DataID:      dataID,
		Size:        n,
		ETag:        etag,
		ContentType: opts.ContentType,
		Meta:        meta,
		MTime:       time.Now().UnixNano(),
	}

	f.mu.Lock()
	old, oldErr := f.row(ctx, key)
	// The bucket may have gone away while the body was streaming.
	_, bktErr := f.HeadBucket(ctx, key.Bucket)
	if bktErr != nil {
		f.mu.Unlock()
		os.Remove(dst)
		return nil, bktErr
	}
	if _, err := b.Table(f.db, OBJ_TBL, ctx).ReplaceInto(&row); err != nil {
		f.mu.Unlock()
		os.Remove(dst)
		return nil, fmt.Errorf("%w: %v", core.ERR_EXEC_DB, err)
	}
	f.mu.Unlock()

	if oldErr == nil {
		if err := os.Remove(f.dataPath(old.DataID)); err != nil && !os.IsNotExist(err) {
			elog.Warn("remove superseded data failed", elog.String("key", key.String()), elog.FieldErr(err))
		}
	}
	return row.info(), nil
}

func (f *FS) writeTemp(ctx context.Context, path string, r io.Reader, size int64, opts PutOptions) (string, int64, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ERR_OPEN_FILE, err)
	}
	defer fd.Close()

	br := newBodyReader(ctx, r)
	buf := make([]byte, 256<<10)
	if _, err := io.CopyBuffer(fd, br, buf); err != nil {
		return "", 0, err
	}
	etag, err := br.finish(size, opts)
	if err != nil {
		return "", 0, err
	}
	if err := fd.Sync(); err != nil {
		return "", 0, fmt.Errorf("%w: %v", core.ERR_OPEN_FILE, err)
	}
	return etag, br.n, nil
}

func (f *FS) row(ctx context.Context, key ObjectKey) (*objectRow, error) {
	var row objectRow
	n, err := b.Table(f.db, OBJ_TBL, ctx).Select(&row, b.Where(b.Eq("bkt", key.Bucket), b.Eq("okey", key.Key)))
	if err == sql.ErrNoRows || (err == nil && n == 0) {
		return nil, core.ERR_NO_SUCH_KEY
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ERR_QUERY_DB, err)
	}
	return &row, nil
}

func (row *objectRow) info() *ObjectInfo {
	info := &ObjectInfo{
		Bucket:       row.Bucket,
		Key:          row.Key,
		Size:         row.Size,
		ETag:         row.ETag,
		ContentType:  row.ContentType,
		LastModified: time.Unix(0, row.MTime).UTC(),
	}
	if row.Meta != "" {
		json.Unmarshal([]byte(row.Meta), &info.Metadata)
	}
	return info
}

func (f *FS) Stat(ctx context.Context, key ObjectKey) (*ObjectInfo, error) {
	row, err := f.row(ctx, key)
	if err == core.ERR_NO_SUCH_KEY {
		if _, berr := f.HeadBucket(ctx, key.Bucket); berr != nil {
			return nil, berr
		}
	}
	if err != nil {
		return nil, err
	}
	return row.info(), nil
}

func (f *FS) Get(ctx context.Context, key ObjectKey, rng *Range) (*ObjectInfo, io.ReadCloser, error) {
	row, err := f.row(ctx, key)
	if err == core.ERR_NO_SUCH_KEY {
		if _, berr := f.HeadBucket(ctx, key.Bucket); berr != nil {
			return nil, nil, berr
		}
	}
	if err != nil {
		return nil, nil, err
	}
	row, fd, err := f.openData(ctx, key, row)
	if err != nil {
		return nil, nil, err
	}
	if rng == nil {
		return row.info(), fd, nil
	}
	start, end, err := clampRange(rng, row.Size)
	if err != nil {
		fd.Close()
		return nil, nil, err
	}
	if _, err := fd.Seek(start, io.SeekStart); err != nil {
		fd.Close()
		return nil, nil, fmt.Errorf("%w: %v", core.ERR_READ_FILE, err)
	}
	return row.info(), &readCloser{Reader: io.LimitReader(fd, end-start), Closer: fd}, nil
}

// openData opens the data file of row. An overwrite committed after row was
// read removes the old file, so a missing file rereads the index once.
func (f *FS) openData(ctx context.Context, key ObjectKey, row *objectRow) (*objectRow, *os.File, error) {
	for retried := false; ; retried = true {
		fd, err := os.Open(f.dataPath(row.DataID))
		if err == nil {
			return row, fd, nil
		}
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %v", core.ERR_OPEN_FILE, err)
		}
		if retried {
			return nil, nil, core.ERR_NO_SUCH_KEY
		}
		fresh, err := f.row(ctx, key)
		if err != nil {
			return nil, nil, err
		}
		if fresh.DataID == row.DataID {
			// deleted, not replaced
			return nil, nil, core.ERR_NO_SUCH_KEY
		}
		row = fresh
	}
}

func (f *FS) Delete(ctx context.Context, key ObjectKey) error {
	f.mu.Lock()
	row, err := f.row(ctx, key)
	if err != nil {
		f.mu.Unlock()
		if err == core.ERR_NO_SUCH_KEY {
			if _, berr := f.HeadBucket(ctx, key.Bucket); berr != nil {
				return berr
			}
			return nil
		}
		return err
	}
	_, err = b.Table(f.db, OBJ_TBL, ctx).Delete(b.Where(b.Eq("bkt", key.Bucket), b.Eq("okey", key.Key)))
	f.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", core.ERR_EXEC_DB, err)
	}
	if err := os.Remove(f.dataPath(row.DataID)); err != nil && !os.IsNotExist(err) {
		elog.Warn("remove data failed", elog.String("key", key.String()), elog.FieldErr(err))
	}
	return nil
}

func (f *FS) List(ctx context.Context, bucket string, opts ListOptions) (*ListPage, error) {
	if _, err := f.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}
	after, err := opts.after()
	if err != nil {
		return nil, err
	}
	lower := b.Gt("okey", after)
	if opts.Prefix > after {
		lower = b.Gte("okey", opts.Prefix)
	}
	max := opts.maxKeys()
	var rows []objectRow
	if _, err := b.Table(f.db, OBJ_TBL, ctx).Select(&rows,
		b.Where(b.Eq("bkt", bucket), lower),
		b.OrderBy("okey"),
		b.Limit(max+1)); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %v", core.ERR_QUERY_DB, err)
	}
	objs := make([]ObjectInfo, 0, len(rows))
	for i := range rows {
		if !hasPrefix(rows[i].Key, opts.Prefix) {
			break
		}
		objs = append(objs, *rows[i].info())
	}
	return page(objs, max), nil
}

func (f *FS) Close() error {
	return f.db.Close()
}

type readCloser struct {
	io.Reader
	io.Closer
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
