package multipart

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gotomicro/ego/core/elog"
	"github.com/orcastor/s3gw/core"
	"github.com/orcastor/s3gw/storage"
)

// Schedule is a parsed cron expression: minute hour day month weekday.
// Fields accept *, single values, ranges (1-5) and lists (1,3,5).
type Schedule struct {
	Minute  []int
	Hour    []int
	Day     []int
	Month   []int
	Weekday []int // 0 is Sunday
}

func ParseSchedule(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, fmt.Errorf("%w: cron schedule needs 5 fields, got %d", core.ERR_INVALID_ARGUMENT, len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	names := [5]string{"minute", "hour", "day", "month", "weekday"}
	var parsed [5][]int
	for i, f := range fields {
		v, err := parseField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid %s field: %v", core.ERR_INVALID_ARGUMENT, names[i], err)
		}
		parsed[i] = v
	}
	return &Schedule{Minute: parsed[0], Hour: parsed[1], Day: parsed[2], Month: parsed[3], Weekday: parsed[4]}, nil
}

func parseField(field string, min, max int) ([]int, error) {
	if field == "*" {
		out := make([]int, 0, max-min+1)
		for i := min; i <= max; i++ {
			out = append(out, i)
		}
		return out, nil
	}

	seen := make(map[int]bool)
	var out []int
	add := func(v int) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err := strconv.Atoi(strings.TrimSpace(lo))
			if err != nil {
				return nil, err
			}
			end, err := strconv.Atoi(strings.TrimSpace(hi))
			if err != nil {
				return nil, err
			}
			if start < min || end > max || start > end {
				return nil, fmt.Errorf("range %d-%d out of bounds [%d-%d]", start, end, min, max)
			}
			for i := start; i <= end; i++ {
				add(i)
			}
			continue
		}
		v, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if v < min || v > max {
			return nil, fmt.Errorf("value %d out of bounds [%d-%d]", v, min, max)
		}
		add(v)
	}
	return out, nil
}

func (s *Schedule) Due(t time.Time) bool {
	return contains(s.Minute, t.Minute()) &&
		contains(s.Hour, t.Hour()) &&
		contains(s.Day, t.Day()) &&
		contains(s.Month, int(t.Month())) &&
		contains(s.Weekday, int(t.Weekday()))
}

func contains(vs []int, v int) bool {
	for _, x := range vs {
		if x == v {
			return true
		}
	}
	return false
}

// AbortStale aborts every session created before now-maxAge.
func (t *Tracker) AbortStale(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	t.mu.RLock()
	var stale []*session
	for _, s := range t.sessions {
		if s.CreatedAt.Before(cutoff) {
			stale = append(stale, s)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, s := range stale {
		if ctx.Err() != nil {
			break
		}
		if t.abort(ctx, s) == nil {
			n++
		}
	}
	return n
}

// PurgeOrphans deletes part data that belongs to no open session, such
// as parts left by a previous process.
func (t *Tracker) PurgeOrphans(ctx context.Context) (int, error) {
	opts := storage.ListOptions{}
	n := 0
	for {
		page, err := t.backend.List(ctx, core.MULTIPART_BUCKET, opts)
		if err != nil {
			return n, err
		}
		for _, obj := range page.Objects {
			id, _, _ := strings.Cut(obj.Key, "/")
			t.mu.RLock()
			_, open := t.sessions[id]
			t.mu.RUnlock()
			if open {
				continue
			}
			if err := t.backend.Delete(ctx, partKey(obj.Key)); err != nil {
				t.logger.Warn("purge orphaned part failed", elog.String("key", obj.Key), elog.FieldErr(err))
				continue
			}
			n++
		}
		if !page.IsTruncated {
			return n, nil
		}
		opts.ContinuationToken = page.NextToken
	}
}

// Janitor runs AbortStale and PurgeOrphans on a cron schedule.
type Janitor struct {
	tracker  *Tracker
	schedule *Schedule
	maxAge   time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewJanitor(t *Tracker, cfg core.MultipartConfig) (*Janitor, error) {
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	return &Janitor{tracker: t, schedule: sched, maxAge: cfg.MaxAge()}, nil
}

// RunOnce performs one sweep.
func (j *Janitor) RunOnce(ctx context.Context) {
	aborted := j.tracker.AbortStale(ctx, j.maxAge)
	purged, err := j.tracker.PurgeOrphans(ctx)
	if err != nil {
		j.tracker.logger.Warn("purge orphaned parts failed", elog.FieldErr(err))
	}
	if aborted > 0 || purged > 0 {
		j.tracker.logger.Info("multipart janitor", elog.Int("aborted", aborted), elog.Int("purged", purged))
	}
}

func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		var last time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				now = now.Truncate(time.Minute)
				if now.Equal(last) || !j.schedule.Due(now) {
					continue
				}
				last = now
				j.RunOnce(ctx)
			}
		}
	}()
}

func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
		<-j.done
	}
}
