package httpserver

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"jobcast/internal/queue"
	"jobcast/internal/storage"
	"jobcast/pkg/logx"
)

const maxEnqueueBody = 1 << 20

func (s *Server) queueParam(c *gin.Context) (*queue.Queue, bool) {
	name := c.Param("name")
	q, ok := s.deps.Registry.Queue(name)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown queue " + strconv.Quote(name)})
		return nil, false
	}
	return q, true
}

func (s *Server) listQueues(c *gin.Context) {
	stats, err := s.deps.Registry.Statistics(c.Request.Context())
	if err != nil && len(stats) == 0 {
		s.fail(c, err)
		return
	}
	out := gin.H{"queues": stats}
	if err != nil {
		out["partial"] = true
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) enqueue(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEnqueueBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	h, err := s.deps.Registry.EnqueueJSON(c.Request.Context(), c.Param("name"), body)
	s.audit(c, "enqueue", h.ID, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h)
}

func parseStatus(raw string) (queue.Status, bool) {
	if raw == "" {
		return queue.StatusWaiting, true
	}
	switch st := queue.Status(raw); st {
	case queue.StatusWaiting, queue.StatusActive, queue.StatusDelayed, queue.StatusCompleted, queue.StatusFailed:
		return st, true
	}
	return "", false
}

func (s *Server) listJobs(c *gin.Context) {
	q, ok := s.queueParam(c)
	if !ok {
		return
	}
	st, ok := parseStatus(c.Query("status"))
	if !ok {
		badRequest(c, "unknown status "+strconv.Quote(c.Query("status")))
		return
	}
	start, err1 := strconv.ParseInt(c.DefaultQuery("start", "0"), 10, 64)
	stop, err2 := strconv.ParseInt(c.DefaultQuery("stop", "49"), 10, 64)
	if err1 != nil || err2 != nil || start < 0 || stop < start {
		badRequest(c, "start and stop must be integers with 0 <= start <= stop")
		return
	}
	list, err := q.Jobs(c.Request.Context(), st, start, stop)
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []*queue.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "status": st, "jobs": list})
}

func (s *Server) getJob(c *gin.Context) {
	q, ok := s.queueParam(c)
	if !ok {
		return
	}
	j, err := q.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, j)
}

func (s *Server) retryJob(c *gin.Context) {
	s.jobAction(c, "retry", (*queue.Queue).RetryJob)
}

func (s *Server) removeJob(c *gin.Context) {
	s.jobAction(c, "remove", (*queue.Queue).RemoveJob)
}

func (s *Server) jobAction(c *gin.Context, action string, fn func(*queue.Queue, context.Context, string) error) {
	q, ok := s.queueParam(c)
	if !ok {
		return
	}
	id := c.Param("id")
	err := fn(q, c.Request.Context(), id)
	s.audit(c, action, id, err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "id": id, "action": action})
}

func (s *Server) pauseQueue(c *gin.Context)  { s.queueAction(c, "pause", (*queue.Queue).Pause) }
func (s *Server) resumeQueue(c *gin.Context) { s.queueAction(c, "resume", (*queue.Queue).Resume) }

func (s *Server) queueAction(c *gin.Context, action string, fn func(*queue.Queue, context.Context) error) {
	q, ok := s.queueParam(c)
	if !ok {
		return
	}
	err := fn(q, c.Request.Context())
	s.audit(c, action, "", err)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queue": q.Name(), "action": action})
}

func (s *Server) cleanup(c *gin.Context) {
	res, err := s.deps.Cleaner.RunCleanup(c.Request.Context())
	s.audit(c, "cleanup", "", err)
	if err != nil && len(res) == 0 {
		s.fail(c, err)
		return
	}
	out := gin.H{"removed": res}
	if err != nil {
		out["partial"] = true
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listArchive(c *gin.Context) {
	if s.deps.Archive == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return
	}
	list, err := s.deps.Archive.ListFailures(c.Request.Context(), storage.ListOptions{Queue: c.Query("queue"), Limit: limit})
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []storage.FailedJob{}
	}
	c.JSON(http.StatusOK, gin.H{"failures": list})
}

// audit records a mutating admin call. The archive is optional and its
// failures never fail the request.
func (s *Server) audit(c *gin.Context, action, jobID string, err error) {
	if s.deps.Archive == nil {
		return
	}
	e := storage.AuditEntry{
		At:     time.Now(),
		Actor:  c.ClientIP(),
		Action: action,
		Queue:  c.Param("name"),
		JobID:  jobID,
	}
	if err != nil {
		e.Error = err.Error()
	}
	if start, ok := c.Get(startKey); ok {
		if t, ok := start.(time.Time); ok {
			e.TookMS = time.Since(t).Milliseconds()
		}
	}
	if aerr := s.deps.Archive.AppendAudit(c.Request.Context(), e); aerr != nil && !errors.Is(aerr, storage.ErrDisabled) {
		s.log.Warn("audit append failed", logx.String("action", action), logx.Err(aerr))
	}
}
