package syncer

import (
	"io"
	"net/http"
	"time"

	gateway "github.com/focusguard/focusd/apigateway"
	"github.com/focusguard/focusd/apperr"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
)

type writeRequest struct {
	DocID       string          `json:"doc_id" binding:"required"`
	AccountID   string          `json:"account_id"`
	BaseVersion int64           `json:"base_version"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	// Force opts into last-writer-wins instead of the version compare.
	Force     bool      `json:"force"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WriteHandler is POST /sync/write: compare-and-swap by default, with
// the last-writer-wins escape hatch behind force.
func (e *Engine) WriteHandler(c *gin.Context) {
	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	if !gateway.RequireAccountMatch(c, req.AccountID) {
		return
	}
	accountID := gateway.AccountFromCtx(c)
	deviceID := gateway.DeviceFromCtx(c)

	if req.Force {
		updatedAt := req.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		doc, err := e.ForceWrite(c.Request.Context(), accountID, req.DocID, req.Payload, updatedAt, deviceID)
		if err != nil {
			c.JSON(apperr.Status(err), apperr.Payload(err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": doc})
		return
	}

	doc, err := e.SubmitLocalWrite(c.Request.Context(), accountID, req.DocID, req.BaseVersion, req.Payload, deviceID)
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": doc})
}

// DocumentsHandler is GET /sync/docs, the full-resync path.
func (e *Engine) DocumentsHandler(c *gin.Context) {
	docs, err := e.Documents(c.Request.Context(), gateway.AccountFromCtx(c))
	if err != nil {
		c.JSON(apperr.Status(err), apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": docs})
}

type ackRequest struct {
	DocID   string `json:"doc_id" binding:"required"`
	Version int64  `json:"version" binding:"required"`
}

// AckHandler persists a device's watermark so a parameterless stream
// reopen resumes where it left off.
func (e *Engine) AckHandler(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error(), "code": "bad_request"})
		return
	}
	if err := e.Store.SetWatermark(c.Request.Context(), gateway.AccountFromCtx(c), gateway.DeviceFromCtx(c), req.DocID, req.Version); err != nil {
		c.JSON(http.StatusInternalServerError, apperr.Payload(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": "ok"})
}

// StreamHandler is GET /sync/stream: a server-sent-events change feed.
// The client may resume via the watermarks query param, a JSON object
// of doc_id to last-seen version; without it the server falls back to
// the device's persisted watermarks. The stream ends only on
// disconnect; a device going offline just stops consuming.
func (e *Engine) StreamHandler(db DeviceToucher) gin.HandlerFunc {
	return func(c *gin.Context) {
		accountID := gateway.AccountFromCtx(c)
		deviceID := gateway.DeviceFromCtx(c)

		watermarks := map[string]int64{}
		if raw := c.Query("watermarks"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &watermarks); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"message": "watermarks must be a json object", "code": "bad_request"})
				return
			}
		} else if stored, err := e.Store.GetWatermarks(c.Request.Context(), accountID, deviceID); err == nil {
			watermarks = stored
		}

		sub, err := e.Feed.Subscribe(c.Request.Context(), accountID, deviceID, watermarks)
		if err != nil {
			c.JSON(http.StatusInternalServerError, apperr.Payload(err))
			return
		}
		defer e.Feed.Unsubscribe(sub)

		if db != nil {
			db.Touch(accountID, deviceID)
		}

		c.Writer.Header().Set("Content-Type", "text/event-stream")
		c.Writer.Header().Set("Cache-Control", "no-cache")
		c.Writer.Header().Set("Connection", "keep-alive")

		clientGone := c.Request.Context().Done()
		c.Stream(func(w io.Writer) bool {
			select {
			case <-clientGone:
				return false
			case evt, ok := <-sub.C:
				if !ok {
					return false // dropped as a slow consumer, client reconnects
				}
				// The persisted watermark moves only on an explicit ack:
				// an event flushed into a dying connection must replay on
				// the next subscribe, at-least-once.
				c.SSEvent("change", evt)
				return true
			}
		})
	}
}

// DeviceToucher lets the stream bump a linked device's last_seen_at
// without the engine importing the identity schema.
type DeviceToucher interface {
	Touch(accountID, deviceID string)
}

// TouchFunc adapts a plain function to DeviceToucher.
type TouchFunc func(accountID, deviceID string)

func (f TouchFunc) Touch(accountID, deviceID string) { f(accountID, deviceID) }
