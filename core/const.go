package core

import "os"

var S3GW_BASE = os.Getenv("S3GW_BASE")

const (
	// MULTIPART_BUCKET holds in-flight part data, hidden from ListBuckets.
	MULTIPART_BUCKET = ".multipart"

	DEFAULT_REGION     = "us-east-1"
	DEFAULT_CHUNK_SIZE = 1 << 20
	DEFAULT_SKEW_SEC   = 15 * 60
	DEFAULT_CACHE_TTL  = 30
	DEFAULT_MAX_KEYS   = 1000

	DEFAULT_JANITOR_SCHEDULE = "17 * * * *"
	DEFAULT_UPLOAD_MAX_AGE   = 7 * 24 * 3600

	MIN_PART_NUMBER = 1
	MAX_PART_NUMBER = 10000

	SECRET_KEY_PREFIX = "secret_key::"
)

type Error string

func (e Error) Error() string {
	return string(e)
}
