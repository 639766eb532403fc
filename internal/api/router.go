package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// StatusSource reports the coordinator's state.
type StatusSource interface {
	Status() sync.Status
}

// PushVerifier authenticates push requests.
type PushVerifier interface {
	Verify(r *http.Request) (*auth.PushClaims, error)
}

// LeaseInfo reports the current subscription expiry.
type LeaseInfo interface {
	Expiry() time.Time
}

// Handler serves push endpoints and status.
type Handler struct {
	Target  sync.Triggerer
	Status  StatusSource
	Lease   LeaseInfo
	Started time.Time

	// Verifier, when set, is required to accept every Gmail push.
	Verifier PushVerifier
	// ClientState must match the value carried by Graph notifications.
	ClientState string
}

// NewRouter builds the gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", h.healthz)
	r.GET("/status", h.status)

	push := r.Group("/push")
	push.POST("/gmail", h.gmailPush)
	push.POST("/outlook", h.outlookPush)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		}).Debug("HTTP request")
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) status(c *gin.Context) {
	resp := gin.H{"sync": h.Status.Status()}
	if h.Lease != nil {
		if exp := h.Lease.Expiry(); !exp.IsZero() {
			resp["lease_expiry"] = exp
		}
	}
	if !h.Started.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(h.Started).Seconds())
	}
	c.JSON(http.StatusOK, resp)
}

// pubsubEnvelope is the body Pub/Sub push subscriptions deliver.
type pubsubEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		Attributes  map[string]string `json:"attributes"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailNotification is the decoded envelope data.
type gmailNotification struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

// gmailPush acknowledges the notification and triggers a pass. The payload
// only identifies the mailbox; the pass reads history from its own cursor.
func (h *Handler) gmailPush(c *gin.Context) {
	if h.Verifier != nil {
		claims, err := h.Verifier.Verify(c.Request)
		if err != nil {
			log.WithError(err).Warn("Rejected Gmail push")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid push token"})
			return
		}
		log.WithField("sender", claims.Email).Debug("Verified Gmail push")
	}

	var env pubsubEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		log.WithError(err).Warn("Malformed Gmail push envelope")
		c.Status(http.StatusNoContent)
		h.Target.Trigger()
		return
	}

	entry := log.WithField("pubsub_message_id", env.Message.MessageID)
	if raw, err := base64.StdEncoding.DecodeString(env.Message.Data); err == nil {
		var n gmailNotification
		if err := json.Unmarshal(raw, &n); err == nil {
			entry = entry.WithFields(log.Fields{"email": n.EmailAddress, "history_id": n.HistoryID.String()})
		}
	}
	entry.Info("Gmail push received")

	c.Status(http.StatusNoContent)
	h.Target.Trigger()
}

// graphNotifications is the body of a Graph change notification.
type graphNotifications struct {
	Value []struct {
		SubscriptionID string `json:"subscriptionId"`
		ClientState    string `json:"clientState"`
		ChangeType     string `json:"changeType"`
		Resource       string `json:"resource"`
	} `json:"value"`
}

func (h *Handler) outlookPush(c *gin.Context) {
	// Subscription creation is confirmed by echoing the token as plain text.
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var body graphNotifications
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accepted := 0
	for _, n := range body.Value {
		if h.ClientState != "" && n.ClientState != h.ClientState {
			log.WithField("subscription_id", n.SubscriptionID).Warn("Graph notification with unexpected clientState")
			continue
		}
		accepted++
	}

	c.Status(http.StatusAccepted)
	if accepted > 0 {
		log.WithField("notifications", accepted).Info("Outlook push received")
		h.Target.Trigger()
	}
}
