package s3

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/orcastor/s3gw/storage"
)

type listing struct {
	objects   []storage.ObjectInfo
	prefixes  []string
	truncated bool
	// last is the final key or common prefix returned, the resume point.
	last string
}

// afterPrefix is past every key that starts with p.
func afterPrefix(p string) string {
	return p + "\xff"
}

// list walks backend pages from after, folding keys on delimiter into
// common prefixes, until max entries are collected.
func (s *Server) list(ctx context.Context, bucket, prefix, delimiter, after string, max int) (*listing, error) {
	res := &listing{}
	if delimiter != "" && strings.HasPrefix(after, prefix) && strings.Contains(after[len(prefix):], delimiter) {
		// Resuming after a common prefix skips the keys folded into it.
		after = afterPrefix(after)
	}
	opts := storage.ListOptions{Prefix: prefix, StartAfter: after, MaxKeys: max + 1}
	if max == 0 {
		_, err := s.backend.HeadBucket(ctx, bucket)
		return res, err
	}

	for {
		page, err := s.backend.List(ctx, bucket, opts)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Objects {
			entry, isPrefix := obj.Key, false
			if delimiter != "" {
				if i := strings.Index(obj.Key[len(prefix):], delimiter); i >= 0 {
					entry, isPrefix = obj.Key[:len(prefix)+i+len(delimiter)], true
				}
			}
			if isPrefix && entry == res.last {
				continue
			}
			if len(res.objects)+len(res.prefixes) == max {
				res.truncated = true
				return res, nil
			}
			if isPrefix {
				res.prefixes = append(res.prefixes, entry)
			} else {
				res.objects = append(res.objects, obj)
			}
			res.last = entry
		}
		if !page.IsTruncated {
			return res, nil
		}
		opts.ContinuationToken = page.NextToken
		if len(res.prefixes) > 0 && res.last == res.prefixes[len(res.prefixes)-1] {
			opts.StartAfter = afterPrefix(res.last)
		}
	}
}

func maxKeys(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return core.DEFAULT_MAX_KEYS, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", core.ERR_INVALID_ARGUMENT, name)
	}
	if n > core.DEFAULT_MAX_KEYS {
		n = core.DEFAULT_MAX_KEYS
	}
	return n, nil
}

// keyEncoder applies encoding-type=url to keys in listings.
func keyEncoder(c *gin.Context) (func(string) string, string, error) {
	switch c.Query("encoding-type") {
	case "":
		return func(k string) string { return k }, "", nil
	case "url":
		return func(k string) string {
			return strings.ReplaceAll(url.QueryEscape(k), "+", "%20")
		}, "url", nil
	}
	return nil, "", fmt.Errorf("%w: invalid encoding-type", core.ERR_INVALID_ARGUMENT)
}

// listResult builds the shared part of both listing versions. The returned
// encoder is for the version specific marker fields.
func (s *Server) listResult(c *gin.Context, bucket string, l *listing, max int) (*ListBucketResult, func(string) string, error) {
	enc, encType, err := keyEncoder(c)
	if err != nil {
		return nil, nil, err
	}
	res := &ListBucketResult{
		Name:         bucket,
		Prefix:       enc(c.Query("prefix")),
		Delimiter:    enc(c.Query("delimiter")),
		EncodingType: encType,
		MaxKeys:      max,
		IsTruncated:  l.truncated,
		Contents:     make([]Content, 0, len(l.objects)),
	}
	var own *Owner
	if c.Query("fetch-owner") == "true" || c.Query("list-type") != "2" {
		o := owner(c)
		own = &o
	}
	for _, obj := range l.objects {
		res.Contents = append(res.Contents, Content{
			Key:          enc(obj.Key),
			LastModified: isoTime(obj.LastModified),
			ETag:         util.Quote(obj.ETag),
			Size:         obj.Size,
			StorageClass: storageClass,
			Owner:        own,
		})
	}
	for _, p := range l.prefixes {
		res.CommonPrefixes = append(res.CommonPrefixes, CommonPrefix{Prefix: enc(p)})
	}
	return res, enc, nil
}

// listObjects handles GET /{bucket} - ListObjects (v1, marker based)
func (s *Server) listObjects(c *gin.Context, bucket, _ string) {
	max, err := maxKeys(c, "max-keys")
	if err != nil {
		writeError(c, err)
		return
	}
	marker := c.Query("marker")
	l, err := s.list(c.Request.Context(), bucket, c.Query("prefix"), c.Query("delimiter"), marker, max)
	if err != nil {
		writeError(c, err)
		return
	}
	res, enc, err := s.listResult(c, bucket, l, max)
	if err != nil {
		writeError(c, err)
		return
	}
	marker = enc(marker)
	res.Marker = &marker
	if l.truncated {
		res.NextMarker = enc(l.last)
	}
	writeXML(c, http.StatusOK, res)
}

// listObjectsV2 handles GET /{bucket}?list-type=2 - ListObjectsV2
func (s *Server) listObjectsV2(c *gin.Context, bucket, _ string) {
	max, err := maxKeys(c, "max-keys")
	if err != nil {
		writeError(c, err)
		return
	}
	startAfter := c.Query("start-after")
	token := c.Query("continuation-token")
	after := startAfter
	if token != "" {
		k, err := storage.DecodeToken(token)
		if err != nil {
			writeError(c, err)
			return
		}
		if k > after {
			after = k
		}
	}

	l, err := s.list(c.Request.Context(), bucket, c.Query("prefix"), c.Query("delimiter"), after, max)
	if err != nil {
		writeError(c, err)
		return
	}
	res, enc, err := s.listResult(c, bucket, l, max)
	if err != nil {
		writeError(c, err)
		return
	}
	count := len(l.objects) + len(l.prefixes)
	res.KeyCount = &count
	res.StartAfter = enc(startAfter)
	res.ContinuationToken = token
	if l.truncated {
		res.NextContinuationToken = storage.EncodeToken(l.last)
	}
	writeXML(c, http.StatusOK, res)
}
