package core

const (
	ERR_AUTH_FAILED   = Error("auth failed")
	ERR_INCORRECT_PWD = Error("incorrect username or password")

	ERR_UNKNOWN_ACCESS_KEY  = Error("unknown access key")
	ERR_BACKEND_UNAVAILABLE = Error("backend unavailable")

	ERR_NO_SUCH_BUCKET   = Error("bucket does not exist")
	ERR_NO_SUCH_KEY      = Error("key does not exist")
	ERR_BUCKET_EXISTS    = Error("bucket already exists")
	ERR_BUCKET_NOT_EMPTY = Error("bucket is not empty")
	ERR_INVALID_BUCKET   = Error("invalid bucket name")

	ERR_NO_SUCH_UPLOAD     = Error("upload does not exist")
	ERR_INVALID_PART       = Error("one or more parts could not be found or etag mismatch")
	ERR_INVALID_PART_ORDER = Error("part list is not in ascending order")

	ERR_MALFORMED_XML    = Error("malformed xml")
	ERR_INVALID_ARGUMENT = Error("invalid argument")
	ERR_INVALID_RANGE    = Error("requested range not satisfiable")
	ERR_BAD_DIGEST       = Error("payload digest mismatch")
	ERR_INCOMPLETE_BODY  = Error("request body shorter than declared")
	ERR_INVALID_DIGEST   = Error("content-md5 is not valid")
	ERR_BAD_CONTENT_MD5  = Error("content-md5 does not match the body")
	ERR_PRECONDITION     = Error("precondition failed")

	ERR_METHOD_NOT_ALLOWED = Error("method not allowed against this resource")
	ERR_NOT_IMPLEMENTED    = Error("not implemented")

	ERR_OPEN_FILE = Error("open file failed")
	ERR_READ_FILE = Error("read file failed")

	ERR_OPEN_DB  = Error("open db failed")
	ERR_QUERY_DB = Error("query db failed")
	ERR_EXEC_DB  = Error("exec db failed")
)
