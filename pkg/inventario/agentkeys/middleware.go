package agentkeys

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/labinventario/inventario/pkg/inventario/models"
	"github.com/labinventario/inventario/pkg/inventario/observability"
)

const (
	// HeaderAgentAPIKey carries the agent's bearer key
	HeaderAgentAPIKey = "X-Agent-API-Key"
	// ContextKeyAgentKey is the key for the resolved *models.AgentAPIKey in gin context
	ContextKeyAgentKey = "agent_key"
	// UnknownHostname is stamped when the agent does not report one
	UnknownHostname = "unknown"
)

// Response bodies are part of the contract with deployed agents; keep them verbatim.
const (
	MsgMissingKey    = "API Key não fornecida"
	MsgInvalidKey    = "API Key inválida ou inativa"
	MsgInternalError = "Erro interno ao autenticar agente"
)

type gate struct {
	store   Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// AuthMiddleware authenticates agent requests with the X-Agent-API-Key header.
//
// A missing header and an unknown or inactive key both end in 401, with
// different bodies. On success the key's usage stamp is written and the key is
// stored in the context under ContextKeyAgentKey. Any store failure or panic
// while authenticating ends in a generic 500; failures in downstream handlers
// are not handled here.
func AuthMiddleware(store Store, logger *slog.Logger, metrics *observability.Metrics) gin.HandlerFunc {
	if logger == nil {
		logger = observability.Discard()
	}
	g := &gate{store: store, logger: logger, metrics: metrics, now: time.Now}
	return g.handle
}

func (g *gate) handle(c *gin.Context) {
	key, ok := g.authenticate(c)
	if !ok {
		return
	}
	c.Set(ContextKeyAgentKey, key)
	c.Next()
}

func (g *gate) authenticate(c *gin.Context) (key *models.AgentAPIKey, ok bool) {
	log := g.logger.With(
		"request_id", observability.GetRequestID(c),
		"client_ip", c.ClientIP(),
		"path", c.Request.URL.Path,
	)

	defer func() {
		if r := recover(); r != nil {
			g.fault(c, log, fmt.Errorf("panic: %v", r), "stack", string(debug.Stack()))
			key, ok = nil, false
		}
	}()

	secret := c.GetHeader(HeaderAgentAPIKey)
	if secret == "" {
		log.Warn("agent request rejected", "reason", "missing key")
		g.reject(c, observability.AuthResultMissing, MsgMissingKey)
		return nil, false
	}

	ctx := c.Request.Context()
	record, err := g.store.FindByKey(ctx, secret)
	if errors.Is(err, ErrKeyNotFound) {
		log.Warn("agent request rejected", "reason", "unknown key", "key", Redact(secret))
		g.reject(c, observability.AuthResultInvalid, MsgInvalidKey)
		return nil, false
	}
	if err != nil {
		g.fault(c, log, err, "step", "lookup")
		return nil, false
	}
	if !record.Active {
		log.Warn("agent request rejected", "reason", "inactive key",
			"agent_key_id", record.ID, "key_prefix", record.KeyPrefix)
		g.reject(c, observability.AuthResultInactive, MsgInvalidKey)
		return nil, false
	}

	hostname, err := requestHostname(c)
	if err != nil {
		g.fault(c, log, err, "step", "read body", "agent_key_id", record.ID)
		return nil, false
	}
	stamp := UsageStamp{
		At:       g.now(),
		IP:       c.ClientIP(),
		Hostname: hostname,
	}
	if err := g.store.StampUsage(ctx, record.ID, stamp); err != nil {
		g.fault(c, log, err, "step", "stamp", "agent_key_id", record.ID)
		return nil, false
	}
	record.LastUsedAt = &stamp.At
	record.LastUsedIP = &stamp.IP
	record.LastUsedHostname = &stamp.Hostname

	g.metrics.RecordAgentAuth(observability.AuthResultOK)
	log.Debug("agent authenticated", "agent_key_id", record.ID, "hostname", stamp.Hostname)
	return record, true
}

func (g *gate) reject(c *gin.Context, result, message string) {
	g.metrics.RecordAgentAuth(result)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}

func (g *gate) fault(c *gin.Context, log *slog.Logger, err error, attrs ...any) {
	g.metrics.RecordAgentAuth(observability.AuthResultError)
	log.Error("agent authentication failed", append([]any{"error", err}, attrs...)...)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": MsgInternalError})
}

// requestHostname returns the self-reported hostname from the JSON or
// form-encoded body, then the query string, falling back to UnknownHostname.
// The body is put back so downstream handlers can bind it again.
func requestHostname(c *gin.Context) (string, error) {
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		raw, err := io.ReadAll(c.Request.Body)
		c.Request.Body.Close()
		if err != nil {
			return "", fmt.Errorf("read request body: %w", err)
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		if hostname := bodyHostname(c.ContentType(), raw); hostname != "" {
			return hostname, nil
		}
	}
	if hostname := c.Query("hostname"); hostname != "" {
		return hostname, nil
	}
	return UnknownHostname, nil
}

func bodyHostname(contentType string, raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	if contentType == binding.MIMEPOSTForm {
		values, err := url.ParseQuery(string(raw))
		if err != nil {
			return ""
		}
		return values.Get("hostname")
	}
	var body struct {
		Hostname string `json:"hostname"`
	}
	if json.Unmarshal(raw, &body) != nil {
		return ""
	}
	return body.Hostname
}

// GetAgentKey returns the key resolved by AuthMiddleware
func GetAgentKey(c *gin.Context) (*models.AgentAPIKey, bool) {
	v, exists := c.Get(ContextKeyAgentKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*models.AgentAPIKey)
	return key, ok
}
