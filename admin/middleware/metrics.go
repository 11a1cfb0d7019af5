package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestTime.With("path", path).Observe(time.Since(start).Seconds())
		requestCount.With("path", path, "code", strconv.Itoa(c.Writer.Status())).Add(1)
	}
}

var (
	requestTime  *kitprometheus.Histogram
	requestCount *kitprometheus.Counter
)

func init() {
	requestTime = kitprometheus.NewHistogramFrom(prometheus.HistogramOpts{
		Namespace: "s3gw",
		Subsystem: "admin",
		Name:      "request_time",
		Help:      "Admin request time cost.",
	}, []string{"path"})

	requestCount = kitprometheus.NewCounterFrom(prometheus.CounterOpts{
		Namespace: "s3gw",
		Subsystem: "admin",
		Name:      "request_count",
		Help:      "Admin request count.",
	}, []string{"path", "code"})
}
