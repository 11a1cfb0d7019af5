package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/orcastor/s3gw/s3/util"
	"github.com/prometheus/client_golang/prometheus"
)

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		op := c.GetString(util.OperationKey)
		if op == "" {
			op = "Unknown"
		}
		RequestTime(c.Request.Method, op, time.Since(start).Seconds())
		RequestCount(c.Request.Method, op, c.Writer.Status())
	}
}

var (
	requestTime   *kitprometheus.Histogram
	requestCount  *kitprometheus.Counter
	authRejected  *kitprometheus.Counter
	activeUploads *kitprometheus.Gauge
)

func init() {
	requestTime = kitprometheus.NewHistogramFrom(prometheus.HistogramOpts{
		Namespace: "s3gw",
		Subsystem: "s3",
		Name:      "request_time",
		Help:      "S3 request time cost.",
	}, []string{"method", "operation"})

	requestCount = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "s3gw",
		Subsystem: "s3",
		Name:      "request_count",
		Help:      "S3 request count.",
	}, []string{"method", "operation", "code"})

	authRejected = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "s3gw",
		Subsystem: "auth",
		Name:      "rejected_count",
		Help:      "Rejected signatures by reason.",
	}, []string{"reason"})

	activeUploads = kitprometheus.NewGaugeFrom(prometheus.GaugeOpts{
		Namespace: "s3gw",
		Subsystem: "multipart",
		Name:      "active_uploads",
		Help:      "Open multipart upload sessions.",
	}, []string{})
}

func RequestTime(method, operation string, tm float64) {
	requestTime.With([]string{
		"method", method,
		"operation", operation,
	}...).Observe(tm)
}

func RequestCount(method, operation string, code int) {
	requestCount.With([]string{
		"method", method,
		"operation", operation,
		"code", strconv.FormatInt(int64(code), 10),
	}...).Add(1)
}

func AuthRejected(reason string) {
	authRejected.With("reason", reason).Add(1)
}

func ActiveUploads(n int) {
	activeUploads.Set(float64(n))
}
